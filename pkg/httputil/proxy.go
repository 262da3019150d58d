package httputil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lqqyt2423/go-mitmproxy/cert"
	"github.com/lqqyt2423/go-mitmproxy/proxy"
	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/certs"
	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/interfaces"
	"session-capture-proxy/pkg/metrics"
	"session-capture-proxy/pkg/plugins"
	"session-capture-proxy/pkg/types"
)

// ProxyOptions defines options for the go-mitmproxy engine
type ProxyOptions struct {
	Addr            string
	Target          config.Target
	Authority       *certs.Authority
	MaxCaptureBytes int64
	SslInsecure     bool
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           int

	Events  chan<- capture.Event
	Logger  *slog.Logger
	Metrics interfaces.MetricsCollector
}

// OptionsFromConfig returns engine options for cfg.
func OptionsFromConfig(cfg *config.Config, authority *certs.Authority, events chan<- capture.Event) *ProxyOptions {
	return &ProxyOptions{
		Addr:            cfg.Addr(),
		Target:          cfg.Target,
		Authority:       authority,
		MaxCaptureBytes: cfg.Proxy.MaxCaptureBytes,
		StartTimeout:    5 * time.Second,
		ShutdownTimeout: cfg.Proxy.ShutdownTimeout,
		Events:          events,
	}
}

// authorityCA adapts the local authority to go-mitmproxy's CA so both
// engines present leaves signed by the same root.
type authorityCA struct {
	leaves *certs.LeafCache
}

func (c *authorityCA) GetRootCA() *x509.Certificate {
	return c.leaves.Authority().Certificate()
}

func (c *authorityCA) GetCert(commonName string) (*tls.Certificate, error) {
	leaf, err := c.leaves.Get(commonName)
	if err != nil {
		return nil, err
	}
	return leaf.TLS, nil
}

// Engine runs a go-mitmproxy instance with the capture addon.
type Engine struct {
	opts   ProxyOptions
	logger *slog.Logger
	leaves *certs.LeafCache

	mu      sync.Mutex
	p       *proxy.Proxy
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewEngine creates a stopped engine.
func NewEngine(opts *ProxyOptions) (*Engine, error) {
	if opts.Authority == nil {
		return nil, types.NewValidationError("mitmproxy engine needs a certificate authority", nil)
	}
	if opts.Target.Host == "" {
		return nil, types.NewValidationError("mitmproxy engine needs a target host", nil)
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 5 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 3 * time.Second
	}
	return &Engine{
		opts:   o,
		logger: o.Logger.With("component", "mitmproxy"),
		leaves: certs.NewLeafCache(o.Authority),
	}, nil
}

// Start launches the proxy and returns once it accepts connections.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.p != nil {
		return types.NewLifecycleError("mitmproxy engine is already running", types.ErrAlreadyRunning).
			WithContext("addr", e.opts.Addr)
	}

	// go-mitmproxy binds inside Start, so probe first to report a busy
	// port the same way the native engine does.
	probe, err := net.Listen("tcp", e.opts.Addr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w: %v", types.ErrPortInUse, err)
		}
		return types.NewNetworkError("failed to bind proxy listener", err).WithContext("addr", e.opts.Addr)
	}
	probe.Close()

	p, err := proxy.NewProxy(&proxy.Options{
		Addr:              e.opts.Addr,
		StreamLargeBodies: e.opts.MaxCaptureBytes,
		SslInsecure:       e.opts.SslInsecure,
		Debug:             e.opts.Debug,
		NewCaFunc: func() (cert.CA, error) {
			return &authorityCA{leaves: e.leaves}, nil
		},
	})
	if err != nil {
		return types.NewNetworkError("failed to create mitmproxy", err)
	}

	target := e.opts.Target
	p.SetShouldInterceptRule(func(req *http.Request) bool {
		return target.MatchesHost(req.URL.Host)
	})

	runCtx, cancel := context.WithCancel(context.Background())
	sink := capture.Discard
	if e.opts.Events != nil {
		sink = capture.ChannelSink{C: e.opts.Events}
	}
	inspector := capture.NewInspector(target, sink, e.logger, e.opts.Metrics)
	base := plugins.NewBaseLogPlugin(e.logger, e.opts.Metrics)
	addon := plugins.NewCapturePlugin(runCtx, inspector, base)
	if e.opts.MaxCaptureBytes > 0 {
		addon.MaxCaptureBytes = e.opts.MaxCaptureBytes
	}
	p.AddAddon(addon)

	errc := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := p.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("Proxy start failed", "error", err)
			errc <- err
		}
	}()

	if err := waitListening(ctx, e.opts.Addr, e.opts.StartTimeout, errc); err != nil {
		cancel()
		p.Close()
		return types.NewNetworkError("mitmproxy did not start", err).WithContext("addr", e.opts.Addr)
	}

	e.p = p
	e.cancel = cancel
	e.stopped = stopped
	e.logger.Info("Proxy server listening", "addr", e.opts.Addr, "target", target.Host, "engine", "mitmproxy")
	return nil
}

// Stop shuts the proxy down, closing it forcibly after the shutdown
// timeout.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	p, cancel, stopped := e.p, e.cancel, e.stopped
	e.p, e.cancel, e.stopped = nil, nil, nil
	e.mu.Unlock()
	if p == nil {
		return nil
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(ctx, e.opts.ShutdownTimeout)
	defer done()
	if err := p.Shutdown(shutdownCtx); err != nil {
		e.logger.Debug("Graceful shutdown failed, closing", "error", err)
		p.Close()
	}

	select {
	case <-stopped:
	case <-shutdownCtx.Done():
	}
	e.leaves.Clear()
	e.logger.Info("Proxy server stopped")
	return nil
}

// IsRunning reports whether the proxy is serving.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p != nil
}

// Addr returns the listen address, or "" when stopped.
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p == nil {
		return ""
	}
	return e.opts.Addr
}

func waitListening(ctx context.Context, addr string, timeout time.Duration, errc <-chan error) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case err := <-errc:
			return err
		case <-deadline.C:
			return fmt.Errorf("timed out after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") || strings.Contains(msg, "only one usage of each socket address")
}
