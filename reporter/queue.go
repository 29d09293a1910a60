package reporter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/tradewire/tradewire/tradewire"
)

const maxReportRequeues = 5

// Queue decouples the engine's hot path from reporter I/O. Report only
// enqueues; workers drain the queue and hand records to the wrapped sink,
// retrying transient failures with backoff.
type Queue struct {
	inner  tradewire.UnparsedReporter
	q      workqueue.TypedRateLimitingInterface[tradewire.UnparsedMessage]
	logger *slog.Logger
}

func NewQueue(inner tradewire.UnparsedReporter, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		inner: inner,
		q: workqueue.NewTypedRateLimitingQueue(
			workqueue.DefaultTypedControllerRateLimiter[tradewire.UnparsedMessage]()),
		logger: logger.WithGroup("reporter-queue"),
	}
}

// Report never blocks and never fails; delivery happens on the workers.
func (r *Queue) Report(_ context.Context, msg tradewire.UnparsedMessage) error {
	r.q.Add(msg)
	return nil
}

// Run drains the queue with the given number of workers until ctx is
// cancelled, then shuts the queue down and waits for the workers to exit.
func (r *Queue) Run(ctx context.Context, workers int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go r.runWorker(ctx, &wg)
	}

	<-ctx.Done()
	r.q.ShutDown()
	wg.Wait()
}

func (r *Queue) runWorker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		msg, shutdown := r.q.Get()
		if shutdown {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		r.processItem(reqCtx, msg)
		cancel()
	}
}

func (r *Queue) processItem(ctx context.Context, msg tradewire.UnparsedMessage) {
	defer r.q.Done(msg)

	if err := r.inner.Report(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) {
			r.q.Forget(msg)
			return
		}

		r.logger.Debug("report failed",
			slog.String("source_msg_id", msg.SourceMsgID),
			slog.String("error", err.Error()))
		if r.q.NumRequeues(msg) < maxReportRequeues {
			r.q.AddRateLimited(msg)
			return
		}
		r.q.Forget(msg)
		return
	}
	r.q.Forget(msg)
}
