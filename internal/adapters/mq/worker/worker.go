// Package worker drains the ingest queue into the staging store in batches.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/touchpoint/internal/adapters/mq/queue"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/pkg/logger"
	"github.com/okian/touchpoint/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultBatchSize     = 100
	defaultFlushInterval = 200 * time.Millisecond
	flushTimeout         = 10 * time.Second
	poolShutdownTimeout  = 30 * time.Second
)

// Event abstracts what workers read off the queue.
type Event = model.Event

// Writer appends events to the staging store.
type Writer interface {
	InsertEvents(ctx context.Context, events []model.Event) (int, error)
}

// Queue defines how workers receive events.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Event
}

// FailureHandler is told about a batch that could not be written.
type FailureHandler func(ctx context.Context, events []model.Event, err error)

// Worker processes events until its queue closes or ctx is cancelled.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or the queue is drained.
	Run(ctx context.Context)

	// Shutdown stops the worker after flushing its pending batch.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker batches events and writes them with a Writer.
type InMemoryWorker struct {
	queue         Queue
	writer        Writer
	name          string
	batchSize     int
	flushInterval time.Duration
	onFailure     FailureHandler

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, w Writer, opts ...Option) *InMemoryWorker {
	wk := &InMemoryWorker{
		queue:         q,
		writer:        w,
		name:          "worker",
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
		logger:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(wk)
	}
	wk.logger = wk.logger.Named(wk.name)
	return wk
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	batch := make([]Event, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// A cancelled run still writes what it already accepted.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		w.write(fctx, batch)
		cancel()
		batch = make([]Event, 0, w.batchSize)
	}

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	events := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.shutdown:
			flush()
			return
		case <-ticker.C:
			flush()
		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				flush()
			}
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// write stores one batch.
func (w *InMemoryWorker) write(ctx context.Context, batch []Event) {
	start := time.Now()
	n, err := w.writer.InsertEvents(ctx, batch)
	if err != nil {
		metrics.RecordStagingWriteError()
		metrics.RecordWorkerError()
		w.logger.Error(ctx, "staging write failed",
			logger.Int("batch_size", len(batch)),
			logger.String("first_event_id", batch[0].EventID),
			logger.Error(err),
		)
		if w.onFailure != nil {
			w.onFailure(ctx, batch, err)
		}
		return
	}
	metrics.RecordStagingWrite(n, float64(time.Since(start).Microseconds())/1000.0)
	if skipped := len(batch) - n; skipped > 0 {
		w.logger.Debug(ctx, "staging skipped existing events", logger.Int("skipped", skipped))
	}
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates a new worker pool. Options are applied to every worker.
func NewPool(workerCount int, q Queue, w Writer, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Nop(),
	}
	for i := 0; i < workerCount; i++ {
		workerOpts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(q, w, workerOpts...)
	}
	probe := &InMemoryWorker{logger: logger.Nop()}
	for _, opt := range opts {
		opt(probe)
	}
	pool.logger = probe.logger.Named("worker-pool")

	metrics.UpdateWorkerCount(workerCount)
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		go worker.Run(ctx)
	}
}

// Shutdown closes the queue and waits for workers to drain it.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, worker := range p.workers {
		select {
		case <-worker.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			return fmt.Errorf("worker %d: %w", i, shutdownCtx.Err())
		}
	}
	return nil
}

var _ Queue = (*queue.InMemoryQueue)(nil)
