package sqllogger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureInsert struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *captureInsert) insert(_ context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureInsert) all() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func closeHandler(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))
}

func TestHandlerWritesEntries(t *testing.T) {
	sink := &captureInsert{}
	h, err := NewHandler(sink.insert)
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("action written", slog.String("action_id", "OPEN-1"), slog.Int("legs", 4))

	closeHandler(t, h)

	entries := sink.all()
	require.Len(t, entries, 1)
	require.Equal(t, "action written", entries[0].Message)
	require.Equal(t, "INFO", entries[0].Level)

	var attrs map[string]any
	require.NoError(t, json.Unmarshal(entries[0].AttrsJSON, &attrs))
	require.Equal(t, "OPEN-1", attrs["action_id"])
	require.Equal(t, float64(4), attrs["legs"])
}

func TestHandlerScopesGroups(t *testing.T) {
	sink := &captureInsert{}
	h, err := NewHandler(sink.insert)
	require.NoError(t, err)

	logger := slog.New(h).WithGroup("engine")
	logger.Info("OPEN", slog.String("gk", "OPEN_42"))

	closeHandler(t, h)

	entries := sink.all()
	require.Len(t, entries, 1)
	require.Equal(t, "engine", entries[0].Scope)

	var attrs map[string]any
	require.NoError(t, json.Unmarshal(entries[0].AttrsJSON, &attrs))
	require.Equal(t, "OPEN_42", attrs["engine.gk"])
}

func TestHandlerMinLevel(t *testing.T) {
	sink := &captureInsert{}
	h, err := NewHandler(sink.insert, WithMinLevel(slog.LevelWarn))
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("dropped")
	logger.Warn("kept")

	closeHandler(t, h)

	entries := sink.all()
	require.Len(t, entries, 1)
	require.Equal(t, "kept", entries[0].Message)
}

func TestHandlerAfterCloseRefuses(t *testing.T) {
	h, err := NewHandler(func(context.Context, Entry) error { return nil })
	require.NoError(t, err)
	closeHandler(t, h)

	err = h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "late", 0))
	require.ErrorIs(t, err, ErrHandlerClosed)
}

func TestHandlerRequiresInsertFunc(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandlerDrainsOnClose(t *testing.T) {
	sink := &captureInsert{}
	h, err := NewHandler(sink.insert, WithQueueSize(64))
	require.NoError(t, err)

	logger := slog.New(h)
	for i := 0; i < 20; i++ {
		logger.Info("burst")
	}
	closeHandler(t, h)

	require.Len(t, sink.all(), 20, "queued records survive shutdown")
}
