package reporter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradewire/tradewire/tradewire"
)

type captureReporter struct {
	mu    sync.Mutex
	got   []tradewire.UnparsedMessage
	fails int
	done  chan struct{}
}

func (c *captureReporter) Report(_ context.Context, msg tradewire.UnparsedMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return errors.New("disk full")
	}
	c.got = append(c.got, msg)
	if c.done != nil && len(c.got) == cap(c.got) {
		close(c.done)
		c.done = nil
	}
	return nil
}

func (c *captureReporter) messages(t *testing.T) []tradewire.UnparsedMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tradewire.UnparsedMessage{}, c.got...)
}

func runQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run(ctx, 1)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("queue never delivered")
	}
}

func TestQueueDelivers(t *testing.T) {
	sink := &captureReporter{
		got:  make([]tradewire.UnparsedMessage, 0, 2),
		done: make(chan struct{}),
	}
	q := NewQueue(sink, slog.Default())
	done := sink.done
	runQueue(t, q)

	require.NoError(t, q.Report(context.Background(), unparsed("first")))
	require.NoError(t, q.Report(context.Background(), unparsed("second")))

	waitDone(t, done)
	got := sink.messages(t)
	require.Len(t, got, 2)
	texts := []string{got[0].Text, got[1].Text}
	require.ElementsMatch(t, []string{"first", "second"}, texts)
}

func TestQueueRetriesOnFailure(t *testing.T) {
	sink := &captureReporter{
		got:   make([]tradewire.UnparsedMessage, 0, 1),
		done:  make(chan struct{}),
		fails: 2,
	}
	q := NewQueue(sink, slog.Default())
	done := sink.done
	runQueue(t, q)

	require.NoError(t, q.Report(context.Background(), unparsed("flaky")))

	waitDone(t, done)
	require.Equal(t, "flaky", sink.messages(t)[0].Text)
}
