package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/types"
)

func main() {
	var cli config.CLI
	ctx := kong.Parse(&cli,
		kong.Name("session-capture-proxy"),
		kong.Description("Local HTTPS capture proxy for session credentials and article lists"),
		kong.UsageOnError(),
	)

	builder := NewAppBuilder().
		WithConfig(config.FromCLI(&cli))

	app, err := builder.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch ctx.Command() {
	case "monitor":
		err = executeMonitor(sigCtx, app)
	case "serve":
		err = executeServe(sigCtx, app, cli.Serve.Stats)
	case "ca generate":
		err = executeCAGenerate(app)
	case "ca install":
		err = executeCAInstall(sigCtx, app)
	case "ca uninstall":
		err = executeCAUninstall(sigCtx, app, cli.CA.Uninstall.Purge)
	case "ca status":
		err = executeCAStatus(sigCtx, app)
	default:
		panic("Unknown command")
	}

	if err != nil {
		app.logger.LogError("Command failed", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", types.UserMessage(err))
		app.Close()
		os.Exit(1)
	}
}
