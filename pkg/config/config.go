package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"session-capture-proxy/pkg/types"
)

// CLI defines command line interface configuration
type CLI struct {
	Port       int    `short:"p" default:"8899" help:"Local proxy port" env:"CAPTURE_PORT"`
	Listen     string `default:"127.0.0.1" help:"Local proxy listen address"`
	CertDir    string `short:"c" default:"./certs" help:"Directory holding the CA certificate and key" env:"CAPTURE_CERT_DIR"`
	LogLevel   string `short:"l" default:"info" help:"Log level (debug, info, warn, error)" env:"LOG_LEVEL"`
	LogFile    string `help:"Also write JSON logs to this file (rotated)" env:"CAPTURE_LOG_FILE"`
	TargetHost string `default:"mp.weixin.qq.com" help:"Domain whose traffic is decrypted" env:"CAPTURE_TARGET_HOST"`
	Engine     string `default:"native" enum:"native,mitmproxy" help:"Proxy engine (native, mitmproxy)"`

	Monitor struct {
		Timeout        time.Duration `default:"5m" help:"Give up when no credential arrives in time (0 disables)"`
		NoAutoStop     bool          `help:"Keep monitoring after the first credential"`
		NoSystemProxy  bool          `help:"Do not touch the OS proxy settings"`
		NoTrustInstall bool          `help:"Do not install the CA into the system trust store"`
		DB             string        `help:"SQLite file for captured credentials and records"`
	} `cmd:"" help:"Run a monitoring session and report captured credentials"`

	Serve struct {
		Stats bool `help:"Log traffic statistics on exit"`
	} `cmd:"" help:"Run the proxy only, without OS integration"`

	CA struct {
		Generate  struct{} `cmd:"" help:"Create the CA if it does not exist"`
		Install   struct{} `cmd:"" help:"Install the CA into the system trust store"`
		Uninstall struct {
			Purge bool `help:"Also delete the CA certificate and key files"`
		} `cmd:"" help:"Remove the CA from the system trust store"`
		Status    struct{} `cmd:"" help:"Show whether the CA is installed"`
	} `cmd:"" name:"ca" help:"Manage the local certificate authority"`
}

// Target describes the remote service contract: which host is decrypted,
// which requests carry credentials and which responses carry records.
type Target struct {
	Host string
	// CredentialMarkers select requests whose URL carries auth values.
	CredentialMarkers []string
	// CaptureMarkers select requests whose response is buffered and parsed.
	CaptureMarkers []string
	// AuthParams are the query parameters merged into the cookie set.
	AuthParams []string
	KeyField   string
	TokenField string

	StatusField   string
	LabelField    string
	ListField     string
	ContinueField string
}

// DefaultTarget returns the contract of the article list endpoint.
func DefaultTarget() Target {
	return Target{
		Host:              "mp.weixin.qq.com",
		CredentialMarkers: []string{"action=getmsg", "action=home"},
		CaptureMarkers:    []string{"action=getmsg"},
		AuthParams:        []string{"__biz", "uin", "key", "pass_ticket", "appmsg_token"},
		KeyField:          "key",
		TokenField:        "appmsg_token",
		StatusField:       "ret",
		LabelField:        "nickname",
		ListField:         "general_msg_list",
		ContinueField:     "can_msg_continue",
	}
}

// MatchesHost reports whether host (with or without port) is the target
// domain or one of its subdomains.
func (t Target) MatchesHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	domain := strings.ToLower(t.Host)
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// IsCredentialRequest reports whether the request target carries credentials.
func (t Target) IsCredentialRequest(requestTarget string) bool {
	return containsAny(requestTarget, t.CredentialMarkers)
}

// IsCaptureRequest reports whether the response to this request is parsed.
func (t Target) IsCaptureRequest(requestTarget string) bool {
	return containsAny(requestTarget, t.CaptureMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Config holds all configuration for the proxy
type Config struct {
	Port     int
	Listen   string
	CertDir  string
	LogLevel string
	LogFile  string
	Engine   string
	Target   Target
	Proxy    ProxyConfig
	Monitor  MonitorConfig
}

// ProxyConfig holds proxy-specific configuration
type ProxyConfig struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxCaptureBytes  int64
	EventBuffer      int
}

// MonitorConfig holds monitoring session configuration
type MonitorConfig struct {
	WaitTimeout  time.Duration
	AutoStop     bool
	SystemProxy  bool
	TrustInstall bool
	RestartDelay time.Duration
	// StopGrace delays an automatic stop so that records of the exchange
	// that carried the credential are still captured.
	StopGrace    time.Duration
	DatabasePath string
	ProxyBypass  string
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Port:     8899,
		Listen:   "127.0.0.1",
		CertDir:  "./certs",
		LogLevel: "info",
		Engine:   "native",
		Target:   DefaultTarget(),
		Proxy: ProxyConfig{
			DialTimeout:      30 * time.Second,
			HandshakeTimeout: 30 * time.Second,
			IdleTimeout:      2 * time.Minute,
			ShutdownTimeout:  3 * time.Second,
			MaxCaptureBytes:  16 * 1024 * 1024, // 16MB
			EventBuffer:      64,
		},
		Monitor: MonitorConfig{
			WaitTimeout:  5 * time.Minute,
			AutoStop:     true,
			SystemProxy:  true,
			TrustInstall: true,
			RestartDelay: 500 * time.Millisecond,
			StopGrace:    2 * time.Second,
			ProxyBypass:  "localhost;127.*;<local>",
		},
	}
}

// FromCLI builds a configuration from parsed command line flags.
func FromCLI(cli *CLI) *Config {
	cfg := DefaultConfig()
	cfg.Port = cli.Port
	cfg.Listen = cli.Listen
	cfg.CertDir = cli.CertDir
	cfg.LogLevel = cli.LogLevel
	cfg.LogFile = cli.LogFile
	cfg.Engine = cli.Engine
	if cli.TargetHost != "" {
		cfg.Target.Host = cli.TargetHost
	}
	cfg.Monitor.WaitTimeout = cli.Monitor.Timeout
	cfg.Monitor.AutoStop = !cli.Monitor.NoAutoStop
	cfg.Monitor.SystemProxy = !cli.Monitor.NoSystemProxy
	cfg.Monitor.TrustInstall = !cli.Monitor.NoTrustInstall
	cfg.Monitor.DatabasePath = cli.Monitor.DB
	return cfg
}

// Addr returns the listen address of the local proxy.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Listen, fmt.Sprintf("%d", c.Port))
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return types.NewValidationError(fmt.Sprintf("invalid port %d", c.Port), nil)
	}
	if net.ParseIP(c.Listen) == nil && c.Listen != "localhost" {
		return types.NewValidationError(fmt.Sprintf("invalid listen address %q", c.Listen), nil)
	}
	if c.Target.Host == "" {
		return types.NewValidationError("target host is required", nil)
	}
	if c.Target.KeyField == "" && c.Target.TokenField == "" {
		return types.NewValidationError("target contract needs at least one critical field", nil)
	}
	switch c.Engine {
	case "native", "mitmproxy":
	default:
		return types.NewValidationError(fmt.Sprintf("unknown engine %q", c.Engine), nil)
	}
	if c.Proxy.MaxCaptureBytes <= 0 {
		return types.NewValidationError("max capture size must be positive", nil)
	}
	return nil
}
