package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MatusOllah/slogcolor"
	"gopkg.in/natefinch/lumberjack.v2"
	"session-capture-proxy/pkg/types"
)

// Logger wraps slog.Logger with convenience methods
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger instance
func NewLogger(handler slog.Handler) *Logger {
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogCredential logs a captured credential without its values.
func (l *Logger) LogCredential(sessionID string, cred *types.Credential) {
	names := make([]string, 0, len(cred.Fields))
	for _, f := range cred.Fields {
		names = append(names, f.Name)
	}
	l.Info("Credential",
		slog.String("session", sessionID),
		slog.String("host", cred.Host),
		slog.String("fields", strings.Join(names, ",")),
		slog.Bool("has_key", cred.HasKey),
		slog.Bool("has_token", cred.HasToken))
}

// LogRecords logs the cumulative record count of a session.
func (l *Logger) LogRecords(sessionID string, count int, label string) {
	l.Info("Records",
		slog.String("session", sessionID),
		slog.Int("total", count),
		slog.String("label", label))
}

// LogError logs an error with context
func (l *Logger) LogError(message string, err error, attrs ...slog.Attr) {
	var proxyErr *types.ProxyError
	if errors.As(err, &proxyErr) {
		l.Error(message,
			slog.String("error_type", string(proxyErr.Type)),
			slog.String("error", proxyErr.Error()),
			slog.Any("context", proxyErr.Context),
			slog.Group("details", slog.Any("attrs", attrs)))
	} else {
		l.Error(message,
			slog.String("error", err.Error()),
			slog.Group("details", slog.Any("attrs", attrs)))
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger installs the console handler and, when file is set, a
// rotating JSON log file. The returned closer is nil without a file.
func setupLogger(levelName, file string) (*Logger, io.Closer, error) {
	level := parseLevel(levelName)

	var handler slog.Handler = slogcolor.NewHandler(os.Stderr, &slogcolor.Options{
		Level:       level,
		TimeFormat:  "15:04:05",
		SrcFileMode: slogcolor.ShortFile,
	})

	var closer io.Closer
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return nil, nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		closer = rotator
		handler = fanout{handler, slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelDebug})}
	}

	logger := NewLogger(handler)
	slog.SetDefault(logger.Logger)

	// Redirect go-mitmproxy's logrus output
	SetupLogrusRedirect(logger.Logger)

	return logger, closer, nil
}

// fanout sends every record to all handlers that accept its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
