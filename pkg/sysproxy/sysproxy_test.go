package sysproxy

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"session-capture-proxy/pkg/command"
	"session-capture-proxy/pkg/types"
)

func TestMemory(t *testing.T) {
	m := NewMemory(Settings{Enabled: true, Server: "corp:3128"})
	got, err := m.Get(context.Background())
	if err != nil || got.Server != "corp:3128" {
		t.Fatalf("Unexpected settings %+v %v", got, err)
	}

	if err := m.Set(context.Background(), Settings{}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if m.Current().Enabled || len(m.History()) != 1 {
		t.Errorf("Unexpected state %+v %v", m.Current(), m.History())
	}

	m.SetErr = errors.New("denied")
	if err := m.Set(context.Background(), Settings{Enabled: true}); err == nil {
		t.Error("Expected injected error")
	}
}

func TestNetworksetup_Get(t *testing.T) {
	runner := command.NewFakeRunner().
		On("networksetup -getwebproxy Wi-Fi", "Enabled: Yes\nServer: 10.0.0.1\nPort: 3128\nAuthenticated Proxy Enabled: 0\n", nil).
		On("networksetup -getproxybypassdomains Wi-Fi", "*.local\n169.254/16\n", nil)
	n := &Networksetup{Runner: runner}

	s, err := n.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := Settings{Enabled: true, Server: "10.0.0.1:3128", Bypass: "*.local;169.254/16"}
	if s != want {
		t.Errorf("Expected %+v, got %+v", want, s)
	}
}

func TestNetworksetup_Set(t *testing.T) {
	runner := command.NewFakeRunner()
	n := &Networksetup{Service: "Ethernet", Runner: runner}

	if err := n.Set(context.Background(), Settings{Enabled: true, Server: "127.0.0.1:8899", Bypass: "localhost;127.*"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := n.Set(context.Background(), Settings{}); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	want := []string{
		"networksetup -setwebproxy Ethernet 127.0.0.1 8899",
		"networksetup -setsecurewebproxy Ethernet 127.0.0.1 8899",
		"networksetup -setproxybypassdomains Ethernet localhost 127.*",
		"networksetup -setwebproxystate Ethernet off",
		"networksetup -setsecurewebproxystate Ethernet off",
	}
	if got := runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Unexpected commands:\n%v\nwant:\n%v", got, want)
	}
}

func TestNetworksetup_SetPermissionDenied(t *testing.T) {
	runner := command.NewFakeRunner().On("networksetup -setwebproxy", "", types.ErrPrivilegeRequired)
	n := &Networksetup{Runner: runner}

	err := n.Set(context.Background(), Settings{Enabled: true, Server: "127.0.0.1:8899"})
	if !errors.Is(err, types.ErrPrivilegeRequired) || !types.IsErrorType(err, types.ErrorTypeSysProxy) {
		t.Errorf("Expected sysproxy privilege error, got %v", err)
	}
}

func TestGsettings_Get(t *testing.T) {
	runner := command.NewFakeRunner().
		On("gsettings get org.gnome.system.proxy mode", "'manual'\n", nil).
		On("gsettings get org.gnome.system.proxy.http host", "'proxy.corp'\n", nil).
		On("gsettings get org.gnome.system.proxy.http port", "8080\n", nil).
		On("gsettings get org.gnome.system.proxy.https host", "'secure.corp'\n", nil).
		On("gsettings get org.gnome.system.proxy.https port", "8443\n", nil).
		On("gsettings get org.gnome.system.proxy ignore-hosts", "['localhost', '127.0.0.0/8']\n", nil)
	g := &Gsettings{Runner: runner}

	s, err := g.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := Settings{Enabled: true, Server: "proxy.corp:8080", Bypass: "localhost;127.0.0.0/8", SecureServer: "secure.corp:8443"}
	if s != want {
		t.Errorf("Expected %+v, got %+v", want, s)
	}
}

func TestGsettings_Set(t *testing.T) {
	runner := command.NewFakeRunner()
	g := &Gsettings{Runner: runner}

	if err := g.Set(context.Background(), Settings{Enabled: true, Server: "127.0.0.1:8899", Bypass: "localhost"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	lines := runner.Lines()
	if last := lines[len(lines)-1]; last != "gsettings set org.gnome.system.proxy mode manual" {
		t.Errorf("Mode must be switched last, got %q", last)
	}
	if lines[4] != "gsettings set org.gnome.system.proxy ignore-hosts ['localhost']" {
		t.Errorf("Unexpected ignore-hosts command %q", lines[4])
	}

	if err := g.Set(context.Background(), Settings{Enabled: false, Server: "127.0.0.1:8899"}); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	lines = runner.Lines()
	if last := lines[len(lines)-1]; last != "gsettings set org.gnome.system.proxy mode none" {
		t.Errorf("Unexpected disable command %q", last)
	}
}

func TestGsettings_RestoresDisabledState(t *testing.T) {
	runner := command.NewFakeRunner()
	g := &Gsettings{Runner: runner}

	original := Settings{Enabled: false, Server: "old.corp:3128", Bypass: "*.corp"}
	if err := g.Set(context.Background(), original); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	want := []string{
		"gsettings set org.gnome.system.proxy.http host old.corp",
		"gsettings set org.gnome.system.proxy.http port 3128",
		"gsettings set org.gnome.system.proxy.https host ''",
		"gsettings set org.gnome.system.proxy.https port 0",
		"gsettings set org.gnome.system.proxy ignore-hosts ['*.corp']",
		"gsettings set org.gnome.system.proxy mode none",
	}
	if got := runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Unexpected commands:\n%v\nwant:\n%v", got, want)
	}
}
