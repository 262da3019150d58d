package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/certs"
	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/interfaces"
	"session-capture-proxy/pkg/metrics"
	"session-capture-proxy/pkg/types"
)

// DialFunc opens upstream connections.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Server.
type Options struct {
	Addr      string
	Target    config.Target
	Authority *certs.Authority
	// Dial replaces the default dialer for every upstream connection.
	Dial DialFunc
	// UpstreamTLS is cloned for every upstream handshake; ServerName is
	// always overwritten with the target host.
	UpstreamTLS *tls.Config

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxCaptureBytes  int64

	// Events receives credential and record events. Sink takes
	// precedence when set.
	Events chan<- capture.Event
	Sink   capture.Sink

	Logger  *slog.Logger
	Metrics interfaces.MetricsCollector
}

// OptionsFromConfig fills Options from the application configuration.
func OptionsFromConfig(cfg *config.Config, authority *certs.Authority, events chan<- capture.Event) Options {
	return Options{
		Addr:             cfg.Addr(),
		Target:           cfg.Target,
		Authority:        authority,
		DialTimeout:      cfg.Proxy.DialTimeout,
		HandshakeTimeout: cfg.Proxy.HandshakeTimeout,
		IdleTimeout:      cfg.Proxy.IdleTimeout,
		ShutdownTimeout:  cfg.Proxy.ShutdownTimeout,
		MaxCaptureBytes:  cfg.Proxy.MaxCaptureBytes,
		Events:           events,
	}
}

func (o *Options) setDefaults() {
	defaults := config.DefaultConfig()
	if o.Addr == "" {
		o.Addr = defaults.Addr()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaults.Proxy.DialTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaults.Proxy.HandshakeTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaults.Proxy.IdleTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaults.Proxy.ShutdownTimeout
	}
	if o.MaxCaptureBytes <= 0 {
		o.MaxCaptureBytes = defaults.Proxy.MaxCaptureBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	if o.Sink == nil && o.Events != nil {
		o.Sink = capture.ChannelSink{C: o.Events}
	}
}

// Server is the native intercepting proxy. A Server owns at most one
// listener at a time; Start on a running Server fails with
// types.ErrAlreadyRunning.
type Server struct {
	opts      Options
	logger    *slog.Logger
	metrics   interfaces.MetricsCollector
	inspector *capture.Inspector
	leaves    *certs.LeafCache
	transport *http.Transport

	mu   sync.Mutex
	sess *session
}

// session is the state of one Start/Stop cycle.
type session struct {
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a stopped server.
func New(opts Options) (*Server, error) {
	if opts.Authority == nil {
		return nil, types.NewValidationError("proxy server needs a certificate authority", nil)
	}
	if opts.Target.Host == "" {
		return nil, types.NewValidationError("proxy server needs a target host", nil)
	}
	opts.setDefaults()

	s := &Server{
		opts:    opts,
		logger:  opts.Logger.With("component", "proxy"),
		metrics: opts.Metrics,
		leaves:  certs.NewLeafCache(opts.Authority),
	}
	s.inspector = capture.NewInspector(opts.Target, opts.Sink, s.logger, s.metrics)
	s.transport = &http.Transport{
		Proxy:               nil,
		DialContext:         s.dial,
		TLSClientConfig:     s.upstreamTLS(""),
		TLSHandshakeTimeout: opts.HandshakeTimeout,
		DisableCompression:  true,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     opts.IdleTimeout,
	}
	return s, nil
}

// Inspector returns the interception logic used by this server.
func (s *Server) Inspector() *capture.Inspector {
	return s.inspector
}

// Start binds the listener and serves connections in the background. It
// returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != nil {
		return types.NewLifecycleError("proxy server is already running", types.ErrAlreadyRunning).
			WithContext("addr", s.sess.ln.Addr().String())
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w: %v", types.ErrPortInUse, err)
		}
		return types.NewNetworkError("failed to bind proxy listener", err).WithContext("addr", s.opts.Addr)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		ln:     ln,
		ctx:    runCtx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
	s.sess = sess
	s.inspector.Reset()
	s.leaves.Clear()

	sess.wg.Add(1)
	go s.serve(sess)

	s.logger.Info("Proxy server listening", "addr", ln.Addr().String(), "target", s.opts.Target.Host)
	return nil
}

// Stop closes the listener and waits for open connections up to the
// shutdown timeout or ctx, whichever comes first; the remaining ones are
// closed forcibly. Stop on a stopped server returns nil.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	sess.closing.Store(true)
	if err := sess.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Listener close failed", "error", err)
	}
	sess.cancel()

	done := make(chan struct{})
	go func() {
		sess.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.opts.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		n := sess.closeAll()
		s.logger.Debug("Shutdown timeout reached, connections closed", "count", n)
	case <-ctx.Done():
		n := sess.closeAll()
		s.logger.Debug("Shutdown cancelled, connections closed", "count", n)
	}

	s.transport.CloseIdleConnections()
	s.leaves.Clear()
	s.logger.Info("Proxy server stopped")
	return nil
}

// IsRunning reports whether a listener is bound.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return ""
	}
	return s.sess.ln.Addr().String()
}

func (s *Server) serve(sess *session) {
	defer sess.wg.Done()

	for {
		conn, err := sess.ln.Accept()
		if err != nil {
			if sess.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !sess.track(conn) {
			conn.Close()
			continue
		}

		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			defer sess.untrack(conn)
			defer conn.Close()
			s.handleConn(sess, newIdleConn(conn, s.opts.IdleTimeout))
		}()
	}
}

// dial opens an upstream connection with the dial timeout applied.
func (s *Server) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()
	if s.opts.Dial != nil {
		return s.opts.Dial(ctx, network, addr)
	}
	d := net.Dialer{Timeout: s.opts.DialTimeout, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// dialTracked dials and registers the connection with sess so that Stop
// can close it.
func (s *Server) dialTracked(sess *session, addr string) (net.Conn, error) {
	conn, err := s.dial(sess.ctx, "tcp", addr)
	if err != nil {
		return nil, types.NewNetworkError("failed to connect upstream", err).WithContext("addr", addr)
	}
	if !sess.track(conn) {
		conn.Close()
		return nil, types.NewNetworkError("proxy is shutting down", net.ErrClosed)
	}
	return newIdleConn(&trackedConn{Conn: conn, sess: sess}, s.opts.IdleTimeout), nil
}

// trackedConn removes itself from its session when closed.
type trackedConn struct {
	net.Conn
	sess *session
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.sess.untrack(c.Conn) })
	return c.Conn.Close()
}

func (c *trackedConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

func (s *Server) upstreamTLS(host string) *tls.Config {
	var cfg *tls.Config
	if s.opts.UpstreamTLS != nil {
		cfg = s.opts.UpstreamTLS.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if host != "" {
		cfg.ServerName = host
	}
	cfg.NextProtos = []string{"http/1.1"}
	return cfg
}

// connError logs a per-connection failure. Expected failures and failures
// during shutdown are logged at debug level.
func (s *Server) connError(sess *session, msg string, err error, args ...any) {
	args = append(args, "error", err)
	if sess.closing.Load() || isBenign(err) {
		s.logger.Debug(msg, args...)
		return
	}
	s.logger.Warn(msg, args...)
	s.metrics.RecordError(err)
}

func (sess *session) track(conn net.Conn) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closing.Load() {
		return false
	}
	sess.conns[conn] = struct{}{}
	return true
}

func (sess *session) untrack(conn net.Conn) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	delete(sess.conns, conn)
}

func (sess *session) closeAll() int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	n := len(sess.conns)
	for conn := range sess.conns {
		conn.Close()
	}
	sess.conns = make(map[net.Conn]struct{})
	return n
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") || strings.Contains(msg, "only one usage of each socket address")
}

func isBenign(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
