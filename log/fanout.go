package log

import (
	"context"
	"log/slog"
)

// FanoutHandler duplicates every record to a set of child handlers, letting
// the daemon write human-readable text to stderr and JSON to a file from the
// same logger.
type FanoutHandler struct {
	children []slog.Handler
}

// NewFanoutHandler builds a FanoutHandler; nil children are dropped.
func NewFanoutHandler(handlers ...slog.Handler) *FanoutHandler {
	kept := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			kept = append(kept, h)
		}
	}
	return &FanoutHandler{children: kept}
}

// Enabled reports true when any child would accept the level.
func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range h.children {
		if child.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers the record to every enabled child. The first child error
// wins; later children still run.
func (h *FanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, child := range h.children {
		if !child.Enabled(ctx, record.Level) {
			continue
		}
		if err := child.Handle(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	children := make([]slog.Handler, len(h.children))
	for i, child := range h.children {
		children[i] = child.WithAttrs(attrs)
	}
	return &FanoutHandler{children: children}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	children := make([]slog.Handler, len(h.children))
	for i, child := range h.children {
		children[i] = child.WithGroup(name)
	}
	return &FanoutHandler{children: children}
}
