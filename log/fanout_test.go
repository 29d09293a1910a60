package log

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	mu   sync.Mutex
	min  slog.Level
	msgs []string
	err  error
}

func (h *captureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *captureHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, record.Message)
	return h.err
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func TestFanoutDeliversToAllChildren(t *testing.T) {
	a := &captureHandler{}
	b := &captureHandler{}
	logger := slog.New(NewFanoutHandler(a, b))

	logger.Info("hello")

	require.Equal(t, []string{"hello"}, a.msgs)
	require.Equal(t, []string{"hello"}, b.msgs)
}

func TestFanoutDropsNilChildren(t *testing.T) {
	a := &captureHandler{}
	logger := slog.New(NewFanoutHandler(nil, a, nil))

	logger.Info("hello")

	require.Equal(t, []string{"hello"}, a.msgs)
}

func TestFanoutSkipsDisabledChild(t *testing.T) {
	quiet := &captureHandler{min: slog.LevelError}
	loud := &captureHandler{min: slog.LevelDebug}
	logger := slog.New(NewFanoutHandler(quiet, loud))

	logger.Info("routine")
	logger.Error("broken")

	require.Equal(t, []string{"broken"}, quiet.msgs)
	require.Equal(t, []string{"routine", "broken"}, loud.msgs)
}

func TestFanoutEnabled(t *testing.T) {
	quiet := &captureHandler{min: slog.LevelError}
	h := NewFanoutHandler(quiet)

	require.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, h.Enabled(context.Background(), slog.LevelError))
	require.False(t, NewFanoutHandler().Enabled(context.Background(), slog.LevelError))
}

func TestFanoutFirstErrorWinsButAllRun(t *testing.T) {
	errA := errors.New("a failed")
	a := &captureHandler{err: errA}
	b := &captureHandler{err: errors.New("b failed")}
	h := NewFanoutHandler(a, b)

	rec := slog.Record{Level: slog.LevelInfo, Message: "hello"}
	err := h.Handle(context.Background(), rec)

	require.ErrorIs(t, err, errA)
	require.Equal(t, []string{"hello"}, a.msgs)
	require.Equal(t, []string{"hello"}, b.msgs)
}
