// Package logx provides the gateway's leveled, contextual logger: a thin
// wrapper over log/slog that always carries a connector-id attribute, the
// same way the original connector's Logger attached connector context to
// every line via its "extra" dict.
package logx

import (
	"log/slog"
	"os"
)

// Logger is a leveled logger scoped to one connector instance.
type Logger struct {
	slog *slog.Logger
}

// New builds a Logger that writes structured text to stderr, tagged with
// connectorID on every line.
func New(connectorID string) *Logger {
	h := slog.NewTextHandler(os.Stderr, nil)
	return &Logger{slog: slog.New(h).With("connector_id", connectorID)}
}

// With returns a Logger carrying additional key/value attributes, for a
// call site that wants to tag every subsequent line (e.g. a device id).
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Exception logs err at error level alongside msg, mirroring the
// original's Logger.exception helper.
func (l *Logger) Exception(msg string, err error, args ...any) {
	l.slog.Error(msg, append(args, "error", err)...)
}
