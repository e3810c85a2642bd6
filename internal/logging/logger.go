// Package logging defines the structured logger used across taskpulse and
// its adapters.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
)

// Logger defines methods for structured logging.
//
// All methods accept key-value pairs for structured fields.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NewSlog wraps an slog.Logger. A nil logger uses slog.Default().
func NewSlog(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

// NewText builds a text slog logger on stderr at the named level
// (debug, info, warn, error). Unknown levels fall back to info.
func NewText(level string) Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)})
	return NewSlog(slog.New(h))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

type slogLogger struct {
	l *slog.Logger
}

var _ Logger = (*slogLogger)(nil)

func (s *slogLogger) Debug(msg string, kv ...any) { s.l.Log(context.Background(), slog.LevelDebug, msg, kv...) }
func (s *slogLogger) Info(msg string, kv ...any)  { s.l.Log(context.Background(), slog.LevelInfo, msg, kv...) }
func (s *slogLogger) Warn(msg string, kv ...any)  { s.l.Log(context.Background(), slog.LevelWarn, msg, kv...) }
func (s *slogLogger) Error(msg string, kv ...any) { s.l.Log(context.Background(), slog.LevelError, msg, kv...) }

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NewTest creates a logger that writes to the test log so output shows up
// with -v or on failure.
func NewTest(t testing.TB) Logger {
	return &testLogger{t: t}
}

type testLogger struct {
	t testing.TB
}

var _ Logger = (*testLogger)(nil)

func (l *testLogger) Debug(msg string, kv ...any) { l.t.Logf("DEBUG: %s %v", msg, kv) }
func (l *testLogger) Info(msg string, kv ...any)  { l.t.Logf("INFO: %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...any)  { l.t.Logf("WARN: %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...any) { l.t.Logf("ERROR: %s %v", msg, kv) }

// OrNop returns l, or a nop logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNop()
	}
	return l
}
