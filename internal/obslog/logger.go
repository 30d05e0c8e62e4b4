// Package obslog provides structured logging for the manager daemon.
// It wraps Go's standard log/slog package for structured logging with context support.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LevelCritical is above slog.LevelError so critical log lines remain
// distinguishable from plain errors under any configured threshold.
const LevelCritical slog.Level = slog.LevelError + 4

// Logger wraps slog.Logger to provide daemon-specific logging functionality.
type Logger struct {
	*slog.Logger
}

type contextKey string

const loggerKey contextKey = "logger"

// New creates a new Logger with the specified level and output writer.
func New(level slog.Level, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewTextHandler(w, opts)
	return &Logger{Logger: slog.New(handler)}
}

// NewDefault creates a logger with default settings (Info level, stdout).
func NewDefault() *Logger {
	return New(slog.LevelInfo, os.Stdout)
}

// ParseLevel parses the daemon's log-level taxonomy
// (debug|info|warning|error|critical) into a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warning", "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	default:
		return slog.LevelInfo, nil
	}
}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from the context, or returns a default logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return NewDefault()
}

// With returns a new Logger with additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithGroup returns a new Logger with a group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// Component returns a new Logger with a "component" attribute.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Critical logs at the critical level, above slog's built-in Error.
func (l *Logger) Critical(msg string, args ...any) {
	l.Logger.Log(context.Background(), LevelCritical, msg, args...)
}
