// Package log carries the process logger through contexts and provides the
// slog handler plumbing shared by the daemon and its workers.
package log

import (
	"context"
	"log/slog"
)

type ctxLoggerKey struct{}

// ContextWithLogger stores the logger in the context so downstream code can
// log with the caller's attributes attached.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

// LoggerFromContext returns the context's logger, or slog.Default when the
// context carries none.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
