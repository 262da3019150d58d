package config

import (
	"testing"
	"time"

	"session-capture-proxy/pkg/types"
)

func TestTarget_MatchesHost(t *testing.T) {
	target := DefaultTarget()
	tests := map[string]bool{
		"mp.weixin.qq.com":        true,
		"MP.WEIXIN.QQ.COM:443":    true,
		"mp.weixin.qq.com.":       true,
		"sub.mp.weixin.qq.com":    true,
		"evilmp.weixin.qq.com":    false,
		"weixin.qq.com":           false,
		"mp.weixin.qq.com.evil.c": false,
		"":                        false,
	}
	for host, want := range tests {
		if got := target.MatchesHost(host); got != want {
			t.Errorf("MatchesHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestTarget_Markers(t *testing.T) {
	target := DefaultTarget()
	if !target.IsCredentialRequest("/mp/profile_ext?action=home&__biz=x") {
		t.Error("Expected home to carry credentials")
	}
	if target.IsCaptureRequest("/mp/profile_ext?action=home") {
		t.Error("Expected home not to be captured")
	}
	if !target.IsCaptureRequest("/mp/profile_ext?action=getmsg&offset=10") {
		t.Error("Expected getmsg to be captured")
	}
}

func TestFromCLI(t *testing.T) {
	var cli CLI
	cli.Port = 9000
	cli.Listen = "127.0.0.1"
	cli.Engine = "mitmproxy"
	cli.TargetHost = "example.com"
	cli.Monitor.Timeout = time.Minute
	cli.Monitor.NoAutoStop = true
	cli.Monitor.NoSystemProxy = true

	cfg := FromCLI(&cli)
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.Target.Host != "example.com" || cfg.Engine != "mitmproxy" {
		t.Errorf("Unexpected target/engine %q/%q", cfg.Target.Host, cfg.Engine)
	}
	if cfg.Monitor.AutoStop || cfg.Monitor.SystemProxy || !cfg.Monitor.TrustInstall {
		t.Errorf("Unexpected monitor flags %+v", cfg.Monitor)
	}
	if cfg.Monitor.WaitTimeout != time.Minute {
		t.Errorf("WaitTimeout = %v", cfg.Monitor.WaitTimeout)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}

	mutations := map[string]func(*Config){
		"port":    func(c *Config) { c.Port = 70000 },
		"listen":  func(c *Config) { c.Listen = "not an ip" },
		"target":  func(c *Config) { c.Target.Host = "" },
		"fields":  func(c *Config) { c.Target.KeyField, c.Target.TokenField = "", "" },
		"engine":  func(c *Config) { c.Engine = "goproxy" },
		"capture": func(c *Config) { c.Proxy.MaxCaptureBytes = 0 },
	}
	for name, mutate := range mutations {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); !types.IsErrorType(err, types.ErrorTypeValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}
