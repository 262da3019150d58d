// Package monitor runs monitoring sessions: it prepares the CA, points the
// OS proxy at a local engine and reports what the engine captures.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/certs"
	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/interfaces"
	"session-capture-proxy/pkg/proxy"
	"session-capture-proxy/pkg/sysproxy"
	"session-capture-proxy/pkg/types"
)

// EngineFactory builds a stopped engine that emits into events.
type EngineFactory func(cfg *config.Config, authority *certs.Authority, events chan<- capture.Event) (interfaces.Engine, error)

// TrustStoreFactory returns the trust store for a CA.
type TrustStoreFactory func(authority *certs.Authority) certs.TrustStore

// Options configures a Monitor.
type Options struct {
	Config     *config.Config
	NewEngine  EngineFactory
	TrustStore TrustStoreFactory
	// SysProxy is used when Config.Monitor.SystemProxy is set.
	SysProxy sysproxy.Configurator
	Listener Listener
	Logger   *slog.Logger
	Metrics  interfaces.MetricsCollector
}

// Monitor owns at most one running engine.
type Monitor struct {
	cfg        *config.Config
	newEngine  EngineFactory
	trustStore TrustStoreFactory
	sysProxy   sysproxy.Configurator
	listener   Listener
	logger     *slog.Logger

	mu        sync.Mutex
	engine    interfaces.Engine
	authority *certs.Authority
	original  *sysproxy.Settings
	sessionID string
	stopPump  context.CancelFunc
	pumpDone  chan struct{}
	done      chan struct{}
	err       error
}

// New creates a Monitor. Zero options fall back to the native engine, the
// system trust store, the OS proxy of the running platform and
// slog.Default().
func New(opts Options) *Monitor {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewEngine == nil {
		opts.NewEngine = NativeEngine(opts.Logger, opts.Metrics)
	}
	if opts.TrustStore == nil {
		opts.TrustStore = func(a *certs.Authority) certs.TrustStore { return certs.NewSystemTrustStore(a) }
	}
	if opts.SysProxy == nil {
		opts.SysProxy = sysproxy.System()
	}
	if opts.Listener == nil {
		opts.Listener = ListenerFuncs{}
	}

	done := make(chan struct{})
	close(done)
	return &Monitor{
		cfg:        opts.Config,
		newEngine:  opts.NewEngine,
		trustStore: opts.TrustStore,
		sysProxy:   opts.SysProxy,
		listener:   opts.Listener,
		logger:     opts.Logger.With("component", "monitor"),
		done:       done,
	}
}

// NativeEngine builds the built-in proxy server.
func NativeEngine(logger *slog.Logger, collector interfaces.MetricsCollector) EngineFactory {
	return func(cfg *config.Config, authority *certs.Authority, events chan<- capture.Event) (interfaces.Engine, error) {
		opts := proxy.OptionsFromConfig(cfg, authority, events)
		opts.Logger = logger
		opts.Metrics = collector
		return proxy.New(opts)
	}
}

// Start begins a monitoring session and returns its ID. A running session
// is stopped first. On failure every step already taken is undone.
func (m *Monitor) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil {
		m.logger.Info("Stopping previous session before restart", "session", m.sessionID)
		if err := m.stopLocked(ctx, nil); err != nil {
			m.logger.Warn("Previous session did not stop cleanly", "error", err)
		}
		select {
		case <-time.After(m.cfg.Monitor.RestartDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	authority, err := certs.LoadOrCreate(m.cfg.CertDir, certs.DefaultAuthorityOptions())
	if err != nil {
		return "", err
	}

	if m.cfg.Monitor.TrustInstall {
		if err := m.ensureTrusted(ctx, authority); err != nil {
			return "", err
		}
	}

	var original *sysproxy.Settings
	if m.cfg.Monitor.SystemProxy {
		current, err := m.sysProxy.Get(ctx)
		if err != nil {
			return "", err
		}
		original = &current
	}

	events := make(chan capture.Event, m.cfg.Proxy.EventBuffer)
	engine, err := m.newEngine(m.cfg, authority, events)
	if err != nil {
		return "", types.NewLifecycleError("failed to create proxy engine", err)
	}
	if err := engine.Start(ctx); err != nil {
		return "", err
	}

	if original != nil {
		desired := sysproxy.Settings{Enabled: true, Server: engine.Addr(), Bypass: m.cfg.Monitor.ProxyBypass}
		if err := m.sysProxy.Set(ctx, desired); err != nil {
			m.rollback(engine, original)
			return "", err
		}
		m.logger.Info("System proxy enabled", "server", desired.Server,
			"previous_enabled", original.Enabled, "previous_server", original.Server)
	}

	pumpCtx, stopPump := context.WithCancel(context.Background())
	m.engine = engine
	m.authority = authority
	m.original = original
	m.sessionID = uuid.NewString()
	m.stopPump = stopPump
	m.pumpDone = make(chan struct{})
	m.done = make(chan struct{})
	m.err = nil

	go m.pump(pumpCtx, m.sessionID, events, m.pumpDone)

	m.logger.Info("Monitoring started", "session", m.sessionID, "addr", engine.Addr(), "target", m.cfg.Target.Host)
	return m.sessionID, nil
}

func (m *Monitor) ensureTrusted(ctx context.Context, authority *certs.Authority) error {
	store := m.trustStore(authority)
	installed, err := store.IsInstalled(ctx)
	if err != nil {
		m.logger.Debug("Trust store query failed, installing anyway", "error", err)
	}
	if installed {
		return nil
	}
	m.logger.Info("Installing CA into the system trust store", "cert", authority.CertPath)
	if err := store.Install(ctx, authority.CertPath); err != nil {
		if types.IsErrorType(err, types.ErrorTypeTrust) {
			return err
		}
		return types.NewTrustError("certificate installation failed", err)
	}
	return nil
}

// rollback undoes a partial start: the engine is stopped and the OS proxy
// is put back when a change may have been applied.
func (m *Monitor) rollback(engine interfaces.Engine, original *sysproxy.Settings) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Proxy.ShutdownTimeout+time.Second)
	defer cancel()

	if original != nil {
		if err := m.sysProxy.Set(ctx, *original); err != nil {
			m.logger.Warn("Rollback could not restore system proxy", "error", err)
		}
	}
	if err := engine.Stop(ctx); err != nil {
		m.logger.Warn("Rollback could not stop proxy engine", "error", err)
	}
}

// Stop ends the running session. The OS proxy is restored before the
// engine stops so that no client is left pointing at a closed port.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx, nil)
}

func (m *Monitor) stopLocked(ctx context.Context, cause error) error {
	if m.engine == nil {
		return nil
	}

	var errs []error
	if m.original != nil {
		if err := m.sysProxy.Set(ctx, *m.original); err != nil {
			errs = append(errs, err)
		} else {
			m.logger.Info("System proxy restored", "enabled", m.original.Enabled, "server", m.original.Server)
		}
	}
	if err := m.engine.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	m.original = nil

	m.stopPump()
	<-m.pumpDone

	m.logger.Info("Monitoring stopped", "session", m.sessionID)
	m.engine = nil
	m.err = cause
	close(m.done)

	if len(errs) > 0 {
		return types.NewLifecycleError("monitoring did not stop cleanly", errors.Join(errs...))
	}
	return nil
}

// finish stops session id if it is still the current one. The listener
// is called after the lock is released.
func (m *Monitor) finish(id string, cause error) {
	m.mu.Lock()
	if m.sessionID != id || m.engine == nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Proxy.ShutdownTimeout+time.Second)
	err := m.stopLocked(ctx, cause)
	cancel()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("Automatic stop failed", "error", err)
		m.listener.OnError(id, err)
	}
}

// Running reports whether a session is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine != nil
}

// Addr returns the engine address of the running session.
func (m *Monitor) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil {
		return ""
	}
	return m.engine.Addr()
}

// Done is closed when the current session ends.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err returns why the last session ended: nil for a requested or automatic
// stop, an ErrTimedOut error when no credential arrived in time.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
