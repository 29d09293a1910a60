// Package sqllogger is a slog.Handler that persists log records through an
// injected insert function, typically backed by the registry's sqlite file.
// Records are queued and written by a single background goroutine so logging
// never blocks the pipeline; a full queue drops the record.
package sqllogger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

var (
	ErrQueueFull     = errors.New("sqllogger: queue full")
	ErrHandlerClosed = errors.New("sqllogger: handler closed")
)

// Entry is one log record in storage form.
type Entry struct {
	TimestampMillis int64
	Level           string
	Scope           string
	Message         string
	AttrsJSON       []byte
}

// InsertFunc writes one entry. Errors are swallowed by the worker; the sink
// is best effort.
type InsertFunc func(context.Context, Entry) error

type Option func(*Handler)

func WithMinLevel(level slog.Level) Option {
	return func(h *Handler) { h.minLevel = level }
}

func WithQueueSize(size int) Option {
	return func(h *Handler) {
		if size > 0 {
			h.queue = make(chan Entry, size)
		}
	}
}

// Handler implements slog.Handler. WithAttrs/WithGroup clones share the queue
// and worker of the root handler.
type Handler struct {
	insertFn InsertFunc
	minLevel slog.Level

	queue  chan Entry
	cancel context.CancelFunc
	done   chan struct{}
	closed *atomic.Bool

	attrs  []slog.Attr
	groups []string
}

func NewHandler(insertFn InsertFunc, opts ...Option) (*Handler, error) {
	if insertFn == nil {
		return nil, errors.New("sqllogger: insert function is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		insertFn: insertFn,
		minLevel: slog.LevelInfo,
		queue:    make(chan Entry, defaultQueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
		closed:   new(atomic.Bool),
	}
	for _, opt := range opts {
		opt(h)
	}

	go h.run(ctx)
	return h, nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if h.closed.Load() {
		return ErrHandlerClosed
	}

	select {
	case h.queue <- h.buildEntry(record):
		return nil
	default:
		return ErrQueueFull
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

// Close stops accepting records, drains the queue, and waits for the worker
// up to ctx's deadline.
func (h *Handler) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case entry := <-h.queue:
			_ = h.insertFn(context.Background(), entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-h.queue:
					_ = h.insertFn(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) buildEntry(record slog.Record) Entry {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	attrs := make(map[string]any)
	prefix := strings.Join(h.groups, ".")
	add := func(a slog.Attr) {
		key := a.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		attrs[key] = attrValue(a.Value)
	}
	for _, a := range h.attrs {
		add(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	data, err := json.Marshal(attrs)
	if err != nil {
		data = []byte("{}")
	}

	return Entry{
		TimestampMillis: ts.UTC().UnixMilli(),
		Level:           record.Level.String(),
		Scope:           prefix,
		Message:         record.Message,
		AttrsJSON:       data,
	}
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		out := make(map[string]any, len(v.Group()))
		for _, a := range v.Group() {
			out[a.Key] = attrValue(a.Value)
		}
		return out
	default:
		return v.Any()
	}
}
