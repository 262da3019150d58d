package tests

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// ProxyController runs the proxy binary in serve mode and collects the
// JSON event lines it prints.
type ProxyController struct {
	Port      int
	ProxyPath string
	CertDir   string
	Process   *exec.Cmd

	mu     sync.Mutex
	events []string
	notify chan struct{}
}

// proxyBinary returns the prebuilt binary or skips the test.
func proxyBinary(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	proxyPath, err := filepath.Abs(filepath.Join(wd, "..", "temp", "session-capture-proxy"))
	if err != nil {
		t.Fatalf("Failed to resolve proxy path: %v", err)
	}
	if _, err := os.Stat(proxyPath); err != nil {
		t.Skipf("Proxy binary not found at %s, build it with: go build -o integration/temp/ ./cmd/session-capture-proxy", proxyPath)
	}
	return proxyPath
}

// freePort finds an unused local port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func NewProxyController(port int, proxyPath, certDir string) *ProxyController {
	return &ProxyController{
		Port:      port,
		ProxyPath: proxyPath,
		CertDir:   certDir,
		notify:    make(chan struct{}, 1),
	}
}

// StartServe launches `serve` for targetHost with the given engine.
func (pc *ProxyController) StartServe(targetHost, engine string) error {
	cmd := exec.Command(pc.ProxyPath,
		"--port", fmt.Sprintf("%d", pc.Port),
		"--cert-dir", pc.CertDir,
		"--target-host", targetHost,
		"--engine", engine,
		"--log-level", "debug",
		"serve")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start proxy: %v", err)
	}
	pc.Process = cmd
	go pc.collect(stdout)

	if err := pc.waitForProxy(); err != nil {
		pc.Stop()
		return err
	}
	return nil
}

func (pc *ProxyController) collect(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		pc.mu.Lock()
		pc.events = append(pc.events, scanner.Text())
		pc.mu.Unlock()
		select {
		case pc.notify <- struct{}{}:
		default:
		}
	}
}

// WaitEvent waits for an event line of the given type and returns it.
func (pc *ProxyController) WaitEvent(eventType string, timeout time.Duration) (string, bool) {
	deadline := time.After(timeout)
	seen := 0
	for {
		pc.mu.Lock()
		for ; seen < len(pc.events); seen++ {
			if gjson.Get(pc.events[seen], "type").String() == eventType {
				line := pc.events[seen]
				pc.mu.Unlock()
				return line, true
			}
		}
		pc.mu.Unlock()

		select {
		case <-pc.notify:
		case <-deadline:
			return "", false
		}
	}
}

// Stop sends SIGINT and waits for a graceful exit.
func (pc *ProxyController) Stop() error {
	if pc.Process == nil {
		return nil
	}

	if err := pc.Process.Process.Signal(syscall.SIGINT); err != nil {
		pc.Process.Process.Kill()
	}

	done := make(chan error, 1)
	go func() {
		done <- pc.Process.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		pc.Process.Process.Kill()
		err = <-done
	}
	pc.Process = nil
	return err
}

func (pc *ProxyController) waitForProxy() error {
	for i := 0; i < 50; i++ {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", pc.Port), 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("proxy did not start within 10 seconds")
}

// Client returns an HTTP client that goes through the proxy.
func (pc *ProxyController) Client(transport *http.Transport) *http.Client {
	if transport == nil {
		transport = &http.Transport{}
	}
	transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", pc.Port)})
	transport.DisableCompression = true
	return &http.Client{Timeout: 10 * time.Second, Transport: transport}
}
