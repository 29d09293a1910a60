package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilter suppresses records that were not logged under one of the
// allowed slog groups. Components name themselves via WithGroup ("engine",
// "registry", "feed"), so this is the knob to watch a single component in a
// noisy daemon.
type GroupFilter struct {
	next    slog.Handler
	allowed map[string]struct{}
	path    []string
}

// NewGroupFilter wraps next; with no allowed groups the handler is returned
// unwrapped.
func NewGroupFilter(next slog.Handler, allowedGroups []string) slog.Handler {
	if next == nil || len(allowedGroups) == 0 {
		return next
	}
	allowed := make(map[string]struct{}, len(allowedGroups))
	for _, g := range allowedGroups {
		if name := strings.TrimSpace(strings.ToLower(g)); name != "" {
			allowed[name] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilter{next: next, allowed: allowed}
}

func (h *GroupFilter) Enabled(ctx context.Context, level slog.Level) bool {
	if h == nil || h.next == nil {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *GroupFilter) Handle(ctx context.Context, record slog.Record) error {
	for _, g := range h.path {
		if _, ok := h.allowed[g]; ok {
			return h.next.Handle(ctx, record)
		}
	}
	return nil
}

func (h *GroupFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GroupFilter{
		next:    h.next.WithAttrs(attrs),
		allowed: h.allowed,
		path:    append([]string{}, h.path...),
	}
}

func (h *GroupFilter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &GroupFilter{
		next:    h.next.WithGroup(name),
		allowed: h.allowed,
		path:    append(append([]string{}, h.path...), strings.ToLower(name)),
	}
}
