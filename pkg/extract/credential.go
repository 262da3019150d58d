package extract

import (
	"net/url"
	"strings"

	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/types"
)

// ExtractCredential merges the auth query parameters of a credential
// request into its cookies. Query values win over cookie values of the same
// name. The result is valid only when one of the contract's critical fields
// is present; otherwise it returns nil, false.
func ExtractCredential(target config.Target, host, requestTarget, cookieHeader string) (*types.Credential, bool) {
	if !target.MatchesHost(host) || !target.IsCredentialRequest(requestTarget) {
		return nil, false
	}

	cred := &types.Credential{
		Fields: ParseCookieHeader(cookieHeader),
		Host:   hostOnly(host),
		Path:   pathOf(requestTarget),
	}

	query := queryOf(requestTarget)
	for _, name := range target.AuthParams {
		if v := strings.TrimSpace(query.Get(name)); v != "" {
			cred.Set(name, v)
		}
	}

	if target.KeyField != "" {
		if v, ok := cred.Get(target.KeyField); ok && v != "" {
			cred.HasKey = true
		}
	}
	if target.TokenField != "" {
		if v, ok := cred.Get(target.TokenField); ok && v != "" {
			cred.HasToken = true
		}
	}
	if !cred.HasKey && !cred.HasToken {
		return nil, false
	}
	return cred, true
}

// queryOf parses the query of an origin-form or absolute-form target.
// Malformed pairs are dropped, the rest are kept.
func queryOf(requestTarget string) url.Values {
	_, rawQuery, ok := strings.Cut(requestTarget, "?")
	if !ok {
		return url.Values{}
	}
	if i := strings.IndexByte(rawQuery, '#'); i >= 0 {
		rawQuery = rawQuery[:i]
	}
	values, _ := url.ParseQuery(rawQuery)
	return values
}

func pathOf(requestTarget string) string {
	p, _, _ := strings.Cut(requestTarget, "?")
	if u, err := url.Parse(p); err == nil && u.IsAbs() {
		return u.Path
	}
	return p
}

func hostOnly(host string) string {
	if i := strings.LastIndexByte(host, ':'); i > 0 && !strings.HasSuffix(host, "]") {
		return strings.ToLower(host[:i])
	}
	return strings.ToLower(host)
}
