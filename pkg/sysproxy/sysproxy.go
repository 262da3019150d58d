// Package sysproxy reads and writes the OS-wide HTTP proxy setting.
package sysproxy

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"

	"session-capture-proxy/pkg/command"
)

// Settings is the OS proxy state that a session saves and restores.
type Settings struct {
	Enabled bool   `json:"enabled"`
	Server  string `json:"server"` // host:port
	Bypass  string `json:"bypass,omitempty"`
	// SecureServer is the HTTPS proxy on platforms that keep it apart.
	// Empty means Server while enabled.
	SecureServer string `json:"secure_server,omitempty"`
}

// Configurator gets and sets the OS proxy.
type Configurator interface {
	Get(ctx context.Context) (Settings, error)
	Set(ctx context.Context, s Settings) error
}

// System returns the configurator for the running OS.
func System() Configurator {
	return newSystem(command.ExecRunner{})
}

// Memory keeps the settings in memory. It records every Set.
type Memory struct {
	mu      sync.Mutex
	current Settings
	history []Settings
	GetErr  error
	SetErr  error
}

// NewMemory returns a Memory holding initial.
func NewMemory(initial Settings) *Memory {
	return &Memory{current: initial}
}

func (m *Memory) Get(context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return Settings{}, m.GetErr
	}
	return m.current, nil
}

func (m *Memory) Set(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetErr != nil {
		return m.SetErr
	}
	m.current = s
	m.history = append(m.history, s)
	return nil
}

// Current returns the settings without going through Get.
func (m *Memory) Current() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns every value passed to Set, oldest first.
func (m *Memory) History() []Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Settings(nil), m.history...)
}

// splitServer splits host:port, defaulting the port to 80.
func splitServer(server string) (string, string) {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return server, "80"
	}
	return host, port
}

// bypassList splits a Windows-style ';' list, also accepting ','.
func bypassList(bypass string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(bypass, func(r rune) bool { return r == ';' || r == ',' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func joinServer(host string, port int) string {
	if host == "" {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
