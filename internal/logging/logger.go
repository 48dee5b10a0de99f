package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	base   *slog.Logger
	logger *slog.Logger
}

// NewLogger creates a new info-level logger on stdout with a prefix
func NewLogger(prefix string) *Logger {
	return New(prefix, os.Stdout, slog.LevelInfo)
}

// New creates a logger writing text records to w at the given level
func New(prefix string, w io.Writer, level slog.Level) *Logger {
	base := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return &Logger{
		prefix: prefix,
		base:   base,
		logger: base.With("component", prefix),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return New("nop", io.Discard, slog.LevelError+1)
}

// ParseLevel maps LOG_LEVEL values to slog levels, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// With returns a child logger that always carries the given key-value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{prefix: l.prefix, base: l.base, logger: l.logger.With(keysAndValues...)}
}

// Named returns a logger for a sub-component sharing the same handler
func (l *Logger) Named(prefix string) *Logger {
	return &Logger{prefix: prefix, base: l.base, logger: l.base.With("component", prefix)}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}
