package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"session-capture-proxy/pkg/types"
)

func TestClassify(t *testing.T) {
	err := classify(errors.New("exit status 1"), "SecTrustSettingsSetTrustSettings: The authorization was denied since no user interaction was possible.")
	if !errors.Is(err, types.ErrPrivilegeRequired) {
		t.Errorf("Expected ErrPrivilegeRequired, got %v", err)
	}

	plain := errors.New("boom")
	if got := classify(plain, "something else"); got != plain {
		t.Errorf("Expected original error, got %v", got)
	}
}

func TestExecRunner_MissingBinary(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), nil, "definitely-not-a-real-tool-xyz")
	if err == nil || !strings.Contains(err.Error(), "not found in PATH") {
		t.Errorf("Expected lookup error, got %v", err)
	}
}

func TestFakeRunner_RecordsCalls(t *testing.T) {
	runner := NewFakeRunner().On("networksetup -getwebproxy", "Enabled: No\n", nil)

	out, err := runner.Run(context.Background(), nil, "networksetup", "-getwebproxy", "Wi-Fi")
	if err != nil || string(out) != "Enabled: No\n" {
		t.Fatalf("Unexpected result %q, %v", out, err)
	}
	if _, err := runner.Run(context.Background(), nil, "true"); err != nil {
		t.Fatalf("Unmatched call should succeed, got %v", err)
	}
	if lines := runner.Lines(); len(lines) != 2 || lines[0] != "networksetup -getwebproxy Wi-Fi" {
		t.Errorf("Unexpected lines %v", lines)
	}
}
