// Package emitter hands finished actions to the execution side. The engine
// never blocks on delivery: actions go onto a rate limited queue keyed by
// action id, and workers drain them into a Sink. Because the id is a pure
// function of the action's content, a replayed message collapses onto the
// queue entry already in flight.
package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/tradewire/tradewire/tradewire"
)

const maxEmitRequeues = 5

// Sink is the delivery target for actions.
type Sink interface {
	Write(ctx context.Context, action tradewire.Action) error
}

// QueueEmitter queues actions for asynchronous delivery.
type QueueEmitter struct {
	q      workqueue.TypedRateLimitingInterface[string]
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]tradewire.Action
}

func NewQueueEmitter(sink Sink, logger *slog.Logger) *QueueEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueEmitter{
		q: workqueue.NewTypedRateLimitingQueue(
			workqueue.DefaultTypedControllerRateLimiter[string]()),
		sink:    sink,
		logger:  logger.WithGroup("emitter"),
		pending: make(map[string]tradewire.Action),
	}
}

// Emit schedules the action for delivery. Emitting the same action id twice
// before the first delivery completes is a no-op.
func (e *QueueEmitter) Emit(_ context.Context, action tradewire.Action) error {
	e.mu.Lock()
	e.pending[action.ActionID] = action
	e.mu.Unlock()

	e.logger.Debug("emit",
		slog.String("action_id", action.ActionID),
		slog.String("type", action.Type.String()))
	e.q.Add(action.ActionID)
	return nil
}

// Run drains the queue with the given number of workers until ctx is
// cancelled.
func (e *QueueEmitter) Run(ctx context.Context, workers int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go e.runWorker(ctx, &wg)
	}

	<-ctx.Done()
	e.q.ShutDownWithDrain()
	wg.Wait()
}

func (e *QueueEmitter) runWorker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		id, shutdown := e.q.Get()
		if shutdown {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		e.processItem(reqCtx, id)
		cancel()
	}
}

func (e *QueueEmitter) processItem(ctx context.Context, id string) {
	defer e.q.Done(id)

	e.mu.Lock()
	action, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		e.q.Forget(id)
		return
	}

	if err := e.sink.Write(ctx, action); err != nil {
		if errors.Is(err, context.Canceled) {
			e.q.Forget(id)
			return
		}

		e.logger.Debug("delivery failed",
			slog.String("action_id", id), slog.String("error", err.Error()))
		if e.q.NumRequeues(id) < maxEmitRequeues {
			e.q.AddRateLimited(id)
			return
		}
		e.logger.Warn("dropping action after repeated delivery failures",
			slog.String("action_id", id))
	}

	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
	e.q.Forget(id)
}
