//go:build windows

package sysproxy

import (
	"context"
	"errors"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
	"session-capture-proxy/pkg/command"
	"session-capture-proxy/pkg/types"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// WinINet options that make running applications reload proxy settings.
const (
	internetOptionRefresh         = 37
	internetOptionSettingsChanged = 39
)

var (
	modWininet             = windows.NewLazySystemDLL("wininet.dll")
	procInternetSetOptionW = modWininet.NewProc("InternetSetOptionW")
)

func newSystem(command.Runner) Configurator {
	return Registry{}
}

// Registry stores the per-user WinINet proxy in the registry.
type Registry struct{}

func (Registry) Get(context.Context) (Settings, error) {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.QUERY_VALUE)
	if err != nil {
		return Settings{}, types.NewSysProxyError("failed to open Internet Settings", err)
	}
	defer k.Close()

	var s Settings
	enabled, _, err := k.GetIntegerValue("ProxyEnable")
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return Settings{}, types.NewSysProxyError("failed to read ProxyEnable", err)
	}
	s.Enabled = enabled != 0
	if s.Server, _, err = k.GetStringValue("ProxyServer"); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return Settings{}, types.NewSysProxyError("failed to read ProxyServer", err)
	}
	if s.Bypass, _, err = k.GetStringValue("ProxyOverride"); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return Settings{}, types.NewSysProxyError("failed to read ProxyOverride", err)
	}
	return s, nil
}

func (Registry) Set(_ context.Context, s Settings) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return types.NewSysProxyError("failed to open Internet Settings", err)
	}
	defer k.Close()

	var enable uint32
	if s.Enabled {
		enable = 1
	}
	if err := k.SetDWordValue("ProxyEnable", enable); err != nil {
		return types.NewSysProxyError("failed to write ProxyEnable", err)
	}
	if err := setOrDelete(k, "ProxyServer", s.Server); err != nil {
		return types.NewSysProxyError("failed to write ProxyServer", err)
	}
	if err := setOrDelete(k, "ProxyOverride", s.Bypass); err != nil {
		return types.NewSysProxyError("failed to write ProxyOverride", err)
	}
	return notifySettingsChanged()
}

func setOrDelete(k registry.Key, name, value string) error {
	if value == "" {
		if err := k.DeleteValue(name); err != nil && !errors.Is(err, registry.ErrNotExist) {
			return err
		}
		return nil
	}
	return k.SetStringValue(name, value)
}

func notifySettingsChanged() error {
	if err := procInternetSetOptionW.Find(); err != nil {
		return types.NewSysProxyError("wininet is unavailable", err)
	}
	for _, option := range []uintptr{internetOptionSettingsChanged, internetOptionRefresh} {
		if r, _, err := procInternetSetOptionW.Call(0, option, 0, 0); r == 0 {
			return types.NewSysProxyError("InternetSetOption failed", err).WithContext("option", option)
		}
	}
	return nil
}
