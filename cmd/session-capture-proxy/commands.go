package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/certs"
	"session-capture-proxy/pkg/monitor"
)

// executeMonitor runs one monitoring session until it stops on its own
// or the process is interrupted.
func executeMonitor(ctx context.Context, app *App) error {
	rep := newReporter(os.Stdout, app.logger, app.store)
	m := monitor.New(monitor.Options{
		Config:    app.cfg,
		NewEngine: app.engineFactory(),
		Listener:  rep,
		Logger:    app.logger.Logger,
		Metrics:   app.metrics,
	})

	id, err := m.Start(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("Waiting for traffic",
		"session", id,
		"proxy", m.Addr(),
		"target", app.cfg.Target.Host,
		"timeout", app.cfg.Monitor.WaitTimeout)

	select {
	case <-m.Done():
	case <-ctx.Done():
		app.logger.Info("Shutting down...")
		stopCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Proxy.ShutdownTimeout+2*time.Second)
		defer cancel()
		if err := m.Stop(stopCtx); err != nil {
			return err
		}
	}

	logStats(app)
	return m.Err()
}

// executeServe runs the engine alone: no trust store or OS proxy changes.
func executeServe(ctx context.Context, app *App, stats bool) error {
	authority, err := app.authority()
	if err != nil {
		return err
	}

	events := make(chan capture.Event, app.cfg.Proxy.EventBuffer)
	engine, err := app.engineFactory()(app.cfg, authority, events)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	app.logger.Info("Proxy settings", "url", "http://"+engine.Addr(), "ca", authority.CertPath)

	rep := newReporter(os.Stdout, app.logger, app.store)
	for done := false; !done; {
		select {
		case ev := <-events:
			switch ev.Kind {
			case capture.EventCredential:
				rep.OnCredential("serve", ev.Credential)
			case capture.EventRecords:
				rep.OnRecords("serve", ev.Records, ev.Label)
			}
		case <-ctx.Done():
			done = true
		}
	}

	app.logger.Info("Shutting down...")
	stopCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Proxy.ShutdownTimeout+2*time.Second)
	defer cancel()
	err = engine.Stop(stopCtx)
	if !rep.Captured() {
		app.logger.Warn("No credential captured; check that the client trusts the CA", "ca", authority.CertPath)
	}
	if stats {
		logStats(app)
	}
	return err
}

func executeCAGenerate(app *App) error {
	authority, err := app.authority()
	if err != nil {
		return err
	}
	fmt.Println(authority.CertPath)
	return nil
}

func executeCAInstall(ctx context.Context, app *App) error {
	authority, err := app.authority()
	if err != nil {
		return err
	}
	if err := certs.NewSystemTrustStore(authority).Install(ctx, authority.CertPath); err != nil {
		return err
	}
	app.logger.Info("CA installed", "cert", authority.CertPath, "subject", authority.CommonName())
	return nil
}

func executeCAUninstall(ctx context.Context, app *App, purge bool) error {
	authority, err := app.authority()
	if err != nil {
		return err
	}
	if err := certs.NewSystemTrustStore(authority).Uninstall(ctx); err != nil {
		return err
	}
	app.logger.Info("CA removed from trust store", "subject", authority.CommonName())
	if purge {
		if err := authority.Remove(); err != nil {
			return err
		}
		app.logger.Info("CA files deleted", "dir", app.cfg.CertDir)
	}
	return nil
}

func executeCAStatus(ctx context.Context, app *App) error {
	authority, err := app.authority()
	if err != nil {
		return err
	}
	installed, err := certs.NewSystemTrustStore(authority).IsInstalled(ctx)
	if err != nil {
		return err
	}
	cert := authority.Certificate()
	fmt.Printf("Certificate: %s\n", authority.CertPath)
	fmt.Printf("Subject:     %s\n", cert.Subject.CommonName)
	fmt.Printf("Expires:     %s\n", cert.NotAfter.Format(time.RFC3339))
	fmt.Printf("Installed:   %t\n", installed)
	return nil
}

func logStats(app *App) {
	app.logger.Info("Session statistics",
		"stats", app.metrics.GetStats(),
		"success_rate", fmt.Sprintf("%.1f%%", app.metrics.GetSuccessRate()))
}
