// Package service wires the attribution engine, the result cache, the refresh
// coordinator and the ingest pipeline into the dependencies of the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okian/touchpoint/internal/adapters/cache"
	eventqueue "github.com/okian/touchpoint/internal/adapters/mq/queue"
	workerpool "github.com/okian/touchpoint/internal/adapters/mq/worker"
	"github.com/okian/touchpoint/internal/adapters/warehouse"
	"github.com/okian/touchpoint/internal/domain/attribution"
	"github.com/okian/touchpoint/internal/domain/dedupe"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/domain/refresh"
	"github.com/okian/touchpoint/pkg/logger"
	"github.com/okian/touchpoint/pkg/metrics"
)

// Service implements the API dependencies for the attribution dashboard.
type Service struct {
	mu sync.RWMutex

	// Core components
	store       warehouse.Store
	deduper     dedupe.Deduper
	aggregator  *attribution.Aggregator
	cache       *cache.Cache[any]
	flights     singleflight.Group
	coordinator *refresh.Coordinator
	eventQueue  *eventqueue.InMemoryQueue
	workerPool  *workerpool.Pool

	// View configuration
	windowDays    int
	windowOptions []int
	anchor        model.Day
	topN          int
	topNMax       int
	liveLimit     int
	liveMin       int
	liveMax       int
	totalsTTL     time.Duration
	liveTTL       time.Duration

	// Refresh configuration
	autoRefresh     bool
	refreshInterval time.Duration
	refreshMin      time.Duration
	refreshMax      time.Duration
	queryTimeout    time.Duration
	materialize     bool

	// Ingest configuration
	workerCount   int
	queueSize     int
	batchSize     int
	flushInterval time.Duration

	// State
	started bool
	cancel  context.CancelFunc
	now     func() time.Time

	// Logging
	logger logger.Logger
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		windowDays:      14,
		windowOptions:   []int{7, 14, 30},
		topN:            25,
		topNMax:         100,
		liveLimit:       50,
		liveMin:         attribution.DefaultLiveLimitMin,
		liveMax:         attribution.DefaultLiveLimitMax,
		totalsTTL:       10 * time.Second,
		liveTTL:         5 * time.Second,
		refreshInterval: refresh.DefaultInterval,
		refreshMin:      refresh.DefaultMinInterval,
		refreshMax:      refresh.DefaultMaxInterval,
		queryTimeout:    30 * time.Second,
		workerCount:     runtime.NumCPU(),
		queueSize:       10_000,
		batchSize:       100,
		flushInterval:   200 * time.Millisecond,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start initializes and starts the service components. The first refresh
// runs synchronously; its failure is logged and left for readers to retry.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.logger == nil {
		s.logger = logger.Get()
	}
	s.logger.Info(ctx, "starting attribution service...")

	if s.store == nil {
		s.store = warehouse.NewMemoryStore()
		s.logger.Info(ctx, "using in-memory warehouse")
	}
	if s.deduper == nil {
		s.deduper = dedupe.NewInMemoryDeduper()
	}

	s.aggregator = attribution.New(s.store, s.store,
		attribution.WithLiveLimitRange(s.liveMin, s.liveMax),
		attribution.WithLogger(s.logger.Named("aggregator")),
	)
	s.cache = cache.New[any](cache.WithClock(s.now))
	s.coordinator = refresh.New(s.refreshViews,
		refresh.WithIntervalBounds(s.refreshMin, s.refreshMax),
		refresh.WithInterval(s.refreshInterval),
		refresh.WithCycleTimeout(s.queryTimeout),
		refresh.WithLogger(s.logger.Named("refresh")),
	)

	// Workers outlive the start request; Stop cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.eventQueue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	s.workerPool = workerpool.NewPool(s.workerCount, s.eventQueue, s.store,
		workerpool.WithLogger(s.logger.Named("staging")),
		workerpool.WithBatchSize(s.batchSize),
		workerpool.WithFlushInterval(s.flushInterval),
		workerpool.WithFailureHandler(s.forgetBatch),
	)
	s.workerPool.Start(runCtx)

	if err := s.coordinator.Trigger(ctx, refresh.Manual); err != nil {
		s.logger.Warn(ctx, "initial refresh failed", logger.Error(err))
	}
	if s.autoRefresh {
		if err := s.coordinator.SetAutoRefresh(true, s.refreshInterval); err != nil {
			cancel()
			return fmt.Errorf("start auto refresh: %w", err)
		}
	}

	s.started = true
	s.logger.Info(ctx, "attribution service started",
		logger.Int("workers", s.workerPool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("windowDays", s.windowDays),
		logger.Bool("autoRefresh", s.autoRefresh),
		logger.Duration("refreshInterval", s.refreshInterval),
	)
	return nil
}

// Stop gracefully shuts down the service: the refresh loop first, then the
// ingest pipeline is drained into the store before the store is closed.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	s.logger.Info(ctx, "stopping attribution service...")

	s.coordinator.Stop()

	if err := s.workerPool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown incomplete", logger.Error(err))
	}
	s.cancel()

	if closer, ok := s.deduper.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn(ctx, "error closing deduper", logger.Error(err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "error closing warehouse", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "attribution service stopped")
}

// running returns an error unless Start has completed.
func (s *Service) running() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// Defaults reports the view parameters used when a request omits them.
func (s *Service) Defaults() (days, topN, limit int) {
	return s.windowDays, s.topN, s.liveLimit
}

// WindowOptions returns the accepted window lengths.
func (s *Service) WindowOptions() []int {
	return slices.Clone(s.windowOptions)
}

// WindowStart returns the first day of a window of the given length.
func (s *Service) WindowStart(days int) model.Day {
	if !s.anchor.IsZero() {
		return s.anchor
	}
	return model.DayOf(s.now()).AddDays(-(days - 1))
}

func (s *Service) validateWindow(days int) error {
	if !slices.Contains(s.windowOptions, days) {
		return fmt.Errorf("%w: days=%d, want one of %v", attribution.ErrInvalidWindow, days, s.windowOptions)
	}
	return nil
}

func (s *Service) validateTopN(topN int) error {
	if topN < 1 || topN > s.topNMax {
		return fmt.Errorf("%w: top=%d, want 1..%d", attribution.ErrInvalidTopN, topN, s.topNMax)
	}
	return nil
}

// Ping checks the warehouse connection.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.running(); err != nil {
		return err
	}
	return s.store.Ping(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"windowDays":  s.windowDays,
		"topN":        s.topN,
		"liveLimit":   s.liveLimit,
	}

	if s.started {
		ctx := context.Background()
		queueLen := s.eventQueue.Len(ctx)
		entries := s.cache.Len()

		stats["queueLength"] = queueLen
		stats["dedupeSize"] = s.deduper.Size()
		stats["cacheEntries"] = entries
		stats["refresh"] = s.coordinator.Status()
		if m, ok := s.store.(*warehouse.MemoryStore); ok {
			stats["stagedEvents"] = m.Len()
		}

		metrics.UpdateQueueSize(queueLen)
		metrics.UpdateCacheEntries(entries)
		metrics.UpdateWorkerCount(s.workerPool.Size())
	}

	return stats
}

// isQueryFailure reports whether err should be served with stale data.
func isQueryFailure(err error) bool {
	return errors.Is(err, attribution.ErrQueryFailure) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, warehouse.ErrUnavailable)
}
