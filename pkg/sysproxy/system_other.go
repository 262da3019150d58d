//go:build !windows

package sysproxy

import (
	"context"
	"runtime"

	"session-capture-proxy/pkg/command"
	"session-capture-proxy/pkg/types"
)

func newSystem(runner command.Runner) Configurator {
	switch runtime.GOOS {
	case "darwin":
		return &Networksetup{Runner: runner}
	case "linux", "freebsd", "openbsd":
		return &Gsettings{Runner: runner}
	default:
		return unsupported{}
	}
}

type unsupported struct{}

func (unsupported) Get(context.Context) (Settings, error) {
	return Settings{}, types.NewSysProxyError("cannot read proxy settings", types.ErrUnsupportedOS).WithContext("os", runtime.GOOS)
}

func (unsupported) Set(context.Context, Settings) error {
	return types.NewSysProxyError("cannot change proxy settings", types.ErrUnsupportedOS).WithContext("os", runtime.GOOS)
}
