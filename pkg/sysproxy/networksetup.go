package sysproxy

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"

	"session-capture-proxy/pkg/command"
	"session-capture-proxy/pkg/types"
)

// Networksetup configures the web and secure web proxy of one macOS
// network service.
type Networksetup struct {
	Service string
	Runner  command.Runner
}

func (n *Networksetup) service() string {
	if n.Service == "" {
		return "Wi-Fi"
	}
	return n.Service
}

func (n *Networksetup) Get(ctx context.Context) (Settings, error) {
	out, err := n.Runner.Run(ctx, nil, "networksetup", "-getwebproxy", n.service())
	if err != nil {
		return Settings{}, types.NewSysProxyError("failed to read macOS proxy settings", err)
	}
	fields := parseColonFields(out)

	s := Settings{Enabled: strings.EqualFold(fields["Enabled"], "Yes")}
	port, _ := strconv.Atoi(fields["Port"])
	s.Server = joinServer(fields["Server"], port)

	if out, err := n.Runner.Run(ctx, nil, "networksetup", "-getproxybypassdomains", n.service()); err == nil {
		var domains []string
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "There aren't any") {
				domains = append(domains, line)
			}
		}
		s.Bypass = strings.Join(domains, ";")
	}
	return s, nil
}

func (n *Networksetup) Set(ctx context.Context, s Settings) error {
	svc := n.service()
	var calls [][]string
	if s.Enabled && s.Server != "" {
		host, port := splitServer(s.Server)
		calls = append(calls,
			[]string{"-setwebproxy", svc, host, port},
			[]string{"-setsecurewebproxy", svc, host, port},
		)
		if domains := bypassList(s.Bypass); len(domains) > 0 {
			calls = append(calls, append([]string{"-setproxybypassdomains", svc}, domains...))
		}
	} else {
		calls = append(calls,
			[]string{"-setwebproxystate", svc, "off"},
			[]string{"-setsecurewebproxystate", svc, "off"},
		)
	}

	for _, args := range calls {
		if _, err := n.Runner.Run(ctx, nil, "networksetup", args...); err != nil {
			return types.NewSysProxyError("failed to apply macOS proxy settings", err).WithContext("args", args)
		}
	}
	return nil
}

// parseColonFields parses "Key: Value" lines.
func parseColonFields(out []byte) map[string]string {
	fields := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if ok {
			fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return fields
}
