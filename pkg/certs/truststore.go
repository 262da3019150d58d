package certs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"session-capture-proxy/pkg/command"
	"session-capture-proxy/pkg/types"
)

// TrustStore adds, removes and queries the CA in the OS trust store.
type TrustStore interface {
	Install(ctx context.Context, certPath string) error
	Uninstall(ctx context.Context) error
	IsInstalled(ctx context.Context) (bool, error)
}

const (
	macKeychain    = "/Library/Keychains/System.keychain"
	linuxAnchorDir = "/usr/local/share/ca-certificates"
)

// SystemTrustStore drives the platform certificate tooling: certutil on
// Windows, security on macOS and update-ca-certificates on Linux.
type SystemTrustStore struct {
	CommonName string
	FileName   string // anchor file name on Linux
	AnchorDir  string
	GOOS       string
	Runner     command.Runner
}

// NewSystemTrustStore returns a trust store for the running OS identifying
// the CA by its common name.
func NewSystemTrustStore(authority *Authority) *SystemTrustStore {
	return &SystemTrustStore{
		CommonName: authority.CommonName(),
		FileName:   filepath.Base(authority.CertPath),
		AnchorDir:  linuxAnchorDir,
		GOOS:       runtime.GOOS,
		Runner:     command.ExecRunner{},
	}
}

func (s *SystemTrustStore) anchorPath() string {
	name := s.FileName
	if filepath.Ext(name) != ".crt" {
		name += ".crt"
	}
	return filepath.Join(s.AnchorDir, name)
}

// Install adds the certificate at certPath as a trusted root.
func (s *SystemTrustStore) Install(ctx context.Context, certPath string) error {
	absPath, err := filepath.Abs(certPath)
	if err != nil {
		return types.NewTrustError("invalid certificate path", err)
	}

	slog.Info("Installing CA into system trust store", "os", s.GOOS, "path", absPath)
	switch s.GOOS {
	case "windows":
		if _, err := s.Runner.Run(ctx, nil, "certutil", "-addstore", "-user", "Root", absPath); err != nil {
			return types.NewTrustError("certutil failed", err)
		}
	case "darwin":
		if _, err := s.Runner.Run(ctx, nil, "security", "add-trusted-cert", "-d", "-r", "trustRoot", "-k", macKeychain, absPath); err != nil {
			return types.NewTrustError("security add-trusted-cert failed", err)
		}
	case "linux":
		data, err := os.ReadFile(absPath)
		if err != nil {
			return types.NewTrustError("failed to read certificate", err)
		}
		if err := os.WriteFile(s.anchorPath(), data, 0644); err != nil {
			return types.NewTrustError("failed to copy certificate", privilege(err))
		}
		if _, err := s.Runner.Run(ctx, nil, "update-ca-certificates"); err != nil {
			return types.NewTrustError("update-ca-certificates failed", err)
		}
	default:
		return types.NewTrustError(s.GOOS, types.ErrUnsupportedOS)
	}

	installed, err := s.IsInstalled(ctx)
	if err != nil {
		return err
	}
	if !installed {
		return types.NewTrustError("certificate not found in trust store after install", nil)
	}
	return nil
}

// Uninstall removes the CA from the trust store.
func (s *SystemTrustStore) Uninstall(ctx context.Context) error {
	switch s.GOOS {
	case "windows":
		if _, err := s.Runner.Run(ctx, nil, "certutil", "-delstore", "-user", "Root", s.CommonName); err != nil {
			return types.NewTrustError("certutil -delstore failed", err)
		}
	case "darwin":
		if _, err := s.Runner.Run(ctx, nil, "security", "delete-certificate", "-c", s.CommonName, macKeychain); err != nil {
			return types.NewTrustError("security delete-certificate failed", err)
		}
	case "linux":
		if err := os.Remove(s.anchorPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return types.NewTrustError("failed to remove certificate", privilege(err))
		}
		if _, err := s.Runner.Run(ctx, nil, "update-ca-certificates", "--fresh"); err != nil {
			return types.NewTrustError("update-ca-certificates failed", err)
		}
	default:
		return types.NewTrustError(s.GOOS, types.ErrUnsupportedOS)
	}
	slog.Info("CA removed from system trust store", "common_name", s.CommonName)
	return nil
}

// IsInstalled reports whether the CA is present. A failing query command
// means "not installed"; only a missing tool or unsupported OS is an error.
func (s *SystemTrustStore) IsInstalled(ctx context.Context) (bool, error) {
	switch s.GOOS {
	case "windows":
		out, err := s.Runner.Run(ctx, nil, "certutil", "-user", "-verifystore", "Root", s.CommonName)
		if err != nil {
			return false, nil
		}
		return bytes.Contains(out, []byte(s.CommonName)), nil
	case "darwin":
		_, err := s.Runner.Run(ctx, nil, "security", "find-certificate", "-c", s.CommonName, macKeychain)
		return err == nil, nil
	case "linux":
		_, err := os.Stat(s.anchorPath())
		if err == nil {
			return true, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, types.NewTrustError("failed to stat certificate anchor", err)
	default:
		return false, types.NewTrustError(s.GOOS, types.ErrUnsupportedOS)
	}
}

func privilege(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", types.ErrPrivilegeRequired, err)
	}
	return err
}
