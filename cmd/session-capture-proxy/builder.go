package main

import (
	"fmt"
	"io"
	"log/slog"

	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/certs"
	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/httputil"
	"session-capture-proxy/pkg/interfaces"
	"session-capture-proxy/pkg/metrics"
	"session-capture-proxy/pkg/monitor"
	"session-capture-proxy/pkg/store"
)

// App holds what every command needs.
type App struct {
	cfg     *config.Config
	logger  *Logger
	metrics *metrics.Metrics
	store   *store.Store

	closers []io.Closer
}

// Close releases the log file and the database.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
	a.closers = nil
}

// AppBuilder helps build the application with configuration
type AppBuilder struct {
	cfg *config.Config
}

// NewAppBuilder creates a new builder with the default configuration
func NewAppBuilder() *AppBuilder {
	return &AppBuilder{cfg: config.DefaultConfig()}
}

// WithConfig sets the configuration
func (b *AppBuilder) WithConfig(cfg *config.Config) *AppBuilder {
	b.cfg = cfg
	return b
}

// Build validates the configuration and sets up logging and storage.
func (b *AppBuilder) Build() (*App, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{cfg: b.cfg, metrics: metrics.New()}

	logger, closer, err := setupLogger(b.cfg.LogLevel, b.cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	app.logger = logger
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	if path := b.cfg.Monitor.DatabasePath; path != "" {
		st, err := store.Open(path, logger.Logger)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.store = st
		app.closers = append(app.closers, st)
	}
	return app, nil
}

// engineFactory returns the factory for the configured engine.
func (a *App) engineFactory() monitor.EngineFactory {
	if a.cfg.Engine == "mitmproxy" {
		return mitmproxyEngine(a.logger.Logger, a.metrics)
	}
	return monitor.NativeEngine(a.logger.Logger, a.metrics)
}

func mitmproxyEngine(logger *slog.Logger, collector interfaces.MetricsCollector) monitor.EngineFactory {
	return func(cfg *config.Config, authority *certs.Authority, events chan<- capture.Event) (interfaces.Engine, error) {
		opts := httputil.OptionsFromConfig(cfg, authority, events)
		opts.Logger = logger
		opts.Metrics = collector
		return httputil.NewEngine(opts)
	}
}

func (a *App) authority() (*certs.Authority, error) {
	return certs.LoadOrCreate(a.cfg.CertDir, certs.DefaultAuthorityOptions())
}
