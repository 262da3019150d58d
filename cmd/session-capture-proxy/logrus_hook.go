package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/sirupsen/logrus"
)

// LogrusToSlogHook redirects logrus logs to slog
type LogrusToSlogHook struct {
	logger *slog.Logger
}

// Levels returns all log levels that this hook should be fired for
func (hook *LogrusToSlogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire is called when logging is performed
func (hook *LogrusToSlogHook) Fire(entry *logrus.Entry) error {
	var level slog.Level
	switch entry.Level {
	case logrus.TraceLevel, logrus.DebugLevel:
		level = slog.LevelDebug
	case logrus.InfoLevel:
		level = slog.LevelInfo
	case logrus.WarnLevel:
		level = slog.LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	attrs := make([]slog.Attr, 0, len(entry.Data))
	for k, v := range entry.Data {
		attrs = append(attrs, slog.Any(k, v))
	}

	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	hook.logger.LogAttrs(ctx, level, entry.Message, attrs...)
	return nil
}

// SetupLogrusRedirect configures logrus to redirect all logs to logger
func SetupLogrusRedirect(logger *slog.Logger) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.AddHook(&LogrusToSlogHook{logger: logger.With("component", "mitmproxy")})

	// Disable logrus output (we'll handle it via the hook)
	logrus.SetOutput(io.Discard)

	// Set logrus to log everything (filtering will be done by slog)
	logrus.SetLevel(logrus.TraceLevel)
}
