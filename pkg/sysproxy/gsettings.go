package sysproxy

import (
	"context"
	"strconv"
	"strings"

	"session-capture-proxy/pkg/command"
	"session-capture-proxy/pkg/types"
)

const gnomeProxySchema = "org.gnome.system.proxy"

// Gsettings configures the GNOME desktop proxy.
type Gsettings struct {
	Runner command.Runner
}

func (g *Gsettings) get(ctx context.Context, schema, key string) (string, error) {
	out, err := g.Runner.Run(ctx, nil, "gsettings", "get", schema, key)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(string(out)), "'"), nil
}

func (g *Gsettings) server(ctx context.Context, schema string) (string, error) {
	host, err := g.get(ctx, schema, "host")
	if err != nil {
		return "", err
	}
	portStr, _ := g.get(ctx, schema, "port")
	port, _ := strconv.Atoi(portStr)
	return joinServer(host, port), nil
}

func (g *Gsettings) Get(ctx context.Context) (Settings, error) {
	mode, err := g.get(ctx, gnomeProxySchema, "mode")
	if err != nil {
		return Settings{}, types.NewSysProxyError("failed to read GNOME proxy settings", err)
	}
	server, err := g.server(ctx, gnomeProxySchema+".http")
	if err != nil {
		return Settings{}, types.NewSysProxyError("failed to read GNOME proxy settings", err)
	}
	secure, err := g.server(ctx, gnomeProxySchema+".https")
	if err != nil {
		return Settings{}, types.NewSysProxyError("failed to read GNOME proxy settings", err)
	}

	s := Settings{Enabled: mode == "manual", Server: server, SecureServer: secure}
	if ignore, err := g.get(ctx, gnomeProxySchema, "ignore-hosts"); err == nil {
		s.Bypass = parseGVariantList(ignore)
	}
	return s, nil
}

// Set writes every key Get reads, so that a saved state is restored as
// a whole. The mode is switched last.
func (g *Gsettings) Set(ctx context.Context, s Settings) error {
	secure := s.SecureServer
	if secure == "" && s.Enabled {
		secure = s.Server
	}

	var calls [][]string
	calls = append(calls, serverCalls(gnomeProxySchema+".http", s.Server)...)
	calls = append(calls, serverCalls(gnomeProxySchema+".https", secure)...)
	calls = append(calls, []string{"set", gnomeProxySchema, "ignore-hosts", formatGVariantList(bypassList(s.Bypass))})
	mode := "none"
	if s.Enabled && s.Server != "" {
		mode = "manual"
	}
	calls = append(calls, []string{"set", gnomeProxySchema, "mode", mode})

	for _, args := range calls {
		if _, err := g.Runner.Run(ctx, nil, "gsettings", args...); err != nil {
			return types.NewSysProxyError("failed to apply GNOME proxy settings", err).WithContext("args", args)
		}
	}
	return nil
}

// serverCalls writes host and port; "''" is the GVariant empty string.
func serverCalls(schema, server string) [][]string {
	host, port := "''", "0"
	if server != "" {
		host, port = splitServer(server)
	}
	return [][]string{
		{"set", schema, "host", host},
		{"set", schema, "port", port},
	}
}

// parseGVariantList turns "['a', 'b']" into "a;b".
func parseGVariantList(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "@as ")
	v = strings.Trim(v, "[]")
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.Trim(strings.TrimSpace(item), "'\""); item != "" {
			items = append(items, item)
		}
	}
	return strings.Join(items, ";")
}

func formatGVariantList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = "'" + item + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
