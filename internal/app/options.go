package service

import (
	"time"

	"github.com/okian/touchpoint/internal/adapters/warehouse"
	"github.com/okian/touchpoint/internal/domain/dedupe"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the warehouse backend. Defaults to an in-memory store.
func WithStore(store warehouse.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithDeduper sets the event id deduper. Defaults to an in-memory deduper.
func WithDeduper(d dedupe.Deduper) Option {
	return func(s *Service) {
		if d != nil {
			s.deduper = d
		}
	}
}

// WithWindow sets the default window length and the accepted window lengths.
func WithWindow(days int, options []int) Option {
	return func(s *Service) {
		if days > 0 {
			s.windowDays = days
		}
		if len(options) > 0 {
			s.windowOptions = append([]int(nil), options...)
		}
	}
}

// WithWindowAnchor pins the first day of every window.
func WithWindowAnchor(day model.Day) Option {
	return func(s *Service) {
		s.anchor = day
	}
}

// WithTopN sets the default and maximum channel breakdown size.
func WithTopN(topN, maxTopN int) Option {
	return func(s *Service) {
		if topN > 0 {
			s.topN = topN
		}
		if maxTopN > 0 {
			s.topNMax = maxTopN
		}
	}
}

// WithLiveLimit sets the default live feed size and its accepted range.
func WithLiveLimit(limit, minLimit, maxLimit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.liveLimit = limit
		}
		if minLimit > 0 && maxLimit >= minLimit {
			s.liveMin, s.liveMax = minLimit, maxLimit
		}
	}
}

// WithTTLs sets the cache lifetime of the totals/channels views and of the live feed.
func WithTTLs(totals, live time.Duration) Option {
	return func(s *Service) {
		if totals > 0 {
			s.totalsTTL = totals
		}
		if live > 0 {
			s.liveTTL = live
		}
	}
}

// WithAutoRefresh sets the initial auto refresh state and interval bounds.
func WithAutoRefresh(enabled bool, interval, minInterval, maxInterval time.Duration) Option {
	return func(s *Service) {
		s.autoRefresh = enabled
		if interval > 0 {
			s.refreshInterval = interval
		}
		if minInterval > 0 && maxInterval >= minInterval {
			s.refreshMin, s.refreshMax = minInterval, maxInterval
		}
	}
}

// WithQueryTimeout bounds a refresh cycle and every cache-miss computation.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// WithMaterializeMarts makes each refresh rebuild the marts from staging first.
func WithMaterializeMarts(enabled bool) Option {
	return func(s *Service) {
		s.materialize = enabled
	}
}

// WithWorkerCount sets the number of staging writers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the ingest queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithBatching sets the staging write batch size and flush interval.
func WithBatching(size int, flush time.Duration) Option {
	return func(s *Service) {
		if size > 0 {
			s.batchSize = size
		}
		if flush > 0 {
			s.flushInterval = flush
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
