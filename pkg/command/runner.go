// Package command runs the platform tools used for trust store and OS proxy
// management. Callers depend on Runner so tests can record invocations.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"session-capture-proxy/pkg/types"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", name, err)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	slog.Debug("Running command", "name", name, "args", strings.Join(args, " "))
	err := cmd.Run()
	if err != nil {
		return out.Bytes(), classify(err, out.String())
	}
	return out.Bytes(), nil
}

// classify maps permission failures reported by platform tools to
// ErrPrivilegeRequired so callers can prompt for elevation.
func classify(err error, output string) error {
	lower := strings.ToLower(output)
	for _, hint := range []string{"access is denied", "permission denied", "not permitted", "authorization", "must be run as root", "requires elevation"} {
		if strings.Contains(lower, hint) {
			return fmt.Errorf("%w: %s", types.ErrPrivilegeRequired, strings.TrimSpace(output))
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(output))
	}
	return err
}
