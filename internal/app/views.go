package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/touchpoint/internal/adapters/cache"
	"github.com/okian/touchpoint/internal/adapters/warehouse"
	"github.com/okian/touchpoint/internal/domain/attribution"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/domain/refresh"
	"github.com/okian/touchpoint/internal/domain/types"
	"github.com/okian/touchpoint/pkg/logger"
	"github.com/okian/touchpoint/pkg/metrics"
)

// Cache operation names.
const (
	opTotals   = "totals"
	opChannels = "channels"
	opLive     = "live"
)

func totalsKey(start model.Day, days int) string   { return cache.Key(opTotals, start, days) }
func channelsKey(start model.Day, topN int) string { return cache.Key(opChannels, start, topN) }
func liveKey(limit int) string                     { return cache.Key(opLive, limit) }

// DailyTotals returns the gap-free first/last touch series for a window of days.
func (s *Service) DailyTotals(ctx context.Context, days int) (types.Snapshot[[]model.DailyTotals], error) {
	if err := s.running(); err != nil {
		return types.Snapshot[[]model.DailyTotals]{}, err
	}
	if err := s.validateWindow(days); err != nil {
		return types.Snapshot[[]model.DailyTotals]{}, err
	}
	start := s.WindowStart(days)
	return read(ctx, s, opTotals, totalsKey(start, days), s.totalsTTL, func(ctx context.Context) ([]model.DailyTotals, error) {
		return s.aggregator.DailyTotals(ctx, start, days)
	})
}

// ChannelBreakdown returns the topN channels for a window of days.
func (s *Service) ChannelBreakdown(ctx context.Context, days, topN int) (types.Snapshot[[]model.ChannelBreakdown], error) {
	if err := s.running(); err != nil {
		return types.Snapshot[[]model.ChannelBreakdown]{}, err
	}
	if err := s.validateWindow(days); err != nil {
		return types.Snapshot[[]model.ChannelBreakdown]{}, err
	}
	if err := s.validateTopN(topN); err != nil {
		return types.Snapshot[[]model.ChannelBreakdown]{}, err
	}
	start := s.WindowStart(days)
	return read(ctx, s, opChannels, channelsKey(start, topN), s.totalsTTL, func(ctx context.Context) ([]model.ChannelBreakdown, error) {
		return s.aggregator.ChannelBreakdown(ctx, start, topN)
	})
}

// LiveFeed returns the most recent staged events, newest first.
func (s *Service) LiveFeed(ctx context.Context, limit int) (types.Snapshot[[]model.Event], error) {
	if err := s.running(); err != nil {
		return types.Snapshot[[]model.Event]{}, err
	}
	if err := s.aggregator.ValidateLimit(limit); err != nil {
		return types.Snapshot[[]model.Event]{}, err
	}
	return read(ctx, s, opLive, liveKey(limit), s.liveTTL, func(ctx context.Context) ([]model.Event, error) {
		return s.aggregator.LiveFeed(ctx, limit)
	})
}

// View returns the three panels together. Totals and channels always come
// from the same computation: either one refresh cycle or one paired
// recompute. The live feed has its own TTL and is read on its own.
func (s *Service) View(ctx context.Context, days, topN, limit int) (types.View, error) {
	if err := s.running(); err != nil {
		return types.View{}, err
	}
	if err := s.validateWindow(days); err != nil {
		return types.View{}, err
	}
	if err := s.validateTopN(topN); err != nil {
		return types.View{}, err
	}
	if err := s.aggregator.ValidateLimit(limit); err != nil {
		return types.View{}, err
	}

	start := s.WindowStart(days)
	v := types.View{Days: days, WindowStart: start, TopN: topN, Limit: limit}

	got, gen := s.cache.GetManyAt(totalsKey(start, days), channelsKey(start, topN), liveKey(limit))
	p, ok := pairFrom(got[0], got[1], true)
	if ok {
		metrics.RecordCacheHit(opTotals)
		metrics.RecordCacheHit(opChannels)
	} else {
		snap, err := s.readPair(ctx, start, days, topN, gen)
		if err != nil && !snap.Stale {
			return types.View{}, err
		}
		p = snap.Data
		v.Stale = snap.Stale
	}
	v.Totals, v.Channels = p.totals, p.channels

	liveAt := got[2].CreatedAt
	if live, ok := got[2].Value.([]model.Event); ok && got[2].Fresh {
		metrics.RecordCacheHit(opLive)
		v.Live = live
	} else {
		snap, err := s.LiveFeed(ctx, limit)
		if err != nil && !snap.Stale {
			return types.View{}, err
		}
		v.Live, liveAt = snap.Data, snap.AsOf
		v.Stale = v.Stale || snap.Stale
	}
	v.AsOf = oldest(p.asOf, liveAt)

	v.Summary = attribution.Summarize(v.Totals, v.Channels, v.Live)
	v.Refresh = s.coordinator.Status()
	return v, nil
}

// pair is a totals series and a channel breakdown from one computation.
type pair struct {
	totals   []model.DailyTotals
	channels []model.ChannelBreakdown
	asOf     time.Time
}

func pairFrom(t, c cache.Lookup[any], fresh bool) (pair, bool) {
	if !t.Found || !c.Found || (fresh && (!t.Fresh || !c.Fresh)) {
		return pair{}, false
	}
	totals, ok := t.Value.([]model.DailyTotals)
	if !ok {
		return pair{}, false
	}
	channels, ok := c.Value.([]model.ChannelBreakdown)
	if !ok {
		return pair{}, false
	}
	return pair{totals: totals, channels: channels, asOf: oldest(t.CreatedAt, c.CreatedAt)}, true
}

// readPair recomputes totals and channels together and stores them as one
// unit, unless a refresh swapped the cache meanwhile; then the refreshed
// pair wins when it covers the same keys.
func (s *Service) readPair(ctx context.Context, start model.Day, days, topN int, gen uint64) (types.Snapshot[pair], error) {
	tk, ck := totalsKey(start, days), channelsKey(start, topN)
	metrics.RecordCacheMiss(opTotals)
	metrics.RecordCacheMiss(opChannels)

	v, err, _ := s.flights.Do(flightKey(tk+"|"+ck, gen), func() (any, error) {
		qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()

		var p pair
		g, gctx := errgroup.WithContext(qctx)
		g.Go(func() (err error) {
			p.totals, err = s.aggregator.DailyTotals(gctx, start, days)
			return err
		})
		g.Go(func() (err error) {
			p.channels, err = s.aggregator.ChannelBreakdown(gctx, start, topN)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		p.asOf = s.now()

		if !s.cache.PutIfGeneration(gen,
			cache.Entry[any]{Key: tk, Value: p.totals, TTL: s.totalsTTL},
			cache.Entry[any]{Key: ck, Value: p.channels, TTL: s.totalsTTL},
		) {
			got := s.cache.GetMany(tk, ck)
			if cached, ok := pairFrom(got[0], got[1], true); ok {
				return cached, nil
			}
		}
		return p, nil
	})
	if err != nil {
		if isQueryFailure(err) {
			got := s.cache.GetMany(tk, ck)
			if old, ok := pairFrom(got[0], got[1], false); ok {
				s.logger.Warn(ctx, "serving stale view", logger.String("key", tk), logger.Error(err))
				return types.Snapshot[pair]{Data: old, AsOf: old.asOf, Stale: true}, err
			}
		}
		return types.Snapshot[pair]{}, err
	}
	p, _ := v.(pair)
	return types.Snapshot[pair]{Data: p, AsOf: p.asOf}, nil
}

// Refresh runs a manual refresh cycle. It returns refresh.ErrRefreshInProgress
// when a cycle is already running.
func (s *Service) Refresh(ctx context.Context) error {
	if err := s.running(); err != nil {
		return err
	}
	return s.coordinator.Trigger(ctx, refresh.Manual)
}

// SetAutoRefresh enables or disables the refresh timer. A zero interval keeps
// the current one.
func (s *Service) SetAutoRefresh(enabled bool, interval time.Duration) (refresh.Status, error) {
	if err := s.running(); err != nil {
		return refresh.Status{}, err
	}
	if err := s.coordinator.SetAutoRefresh(enabled, interval); err != nil {
		return s.coordinator.Status(), err
	}
	return s.coordinator.Status(), nil
}

// RefreshStatus reports the coordinator state.
func (s *Service) RefreshStatus() (refresh.Status, error) {
	if err := s.running(); err != nil {
		return refresh.Status{}, err
	}
	return s.coordinator.Status(), nil
}

// refreshViews is the coordinator's cycle: optionally rebuild the marts, then
// compute the default views concurrently and swap them into the cache in one
// step. Any error leaves the cache untouched.
func (s *Service) refreshViews(ctx context.Context) error {
	if m, ok := s.store.(warehouse.Materializer); ok && s.materialize {
		if err := m.MaterializeMarts(ctx); err != nil {
			return fmt.Errorf("%w: materialize marts: %w", attribution.ErrQueryFailure, err)
		}
	}

	days, topN, limit := s.windowDays, s.topN, s.liveLimit
	start := s.WindowStart(days)

	var (
		totals   []model.DailyTotals
		channels []model.ChannelBreakdown
		live     []model.Event
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		totals, err = s.aggregator.DailyTotals(gctx, start, days)
		return err
	})
	g.Go(func() (err error) {
		channels, err = s.aggregator.ChannelBreakdown(gctx, start, topN)
		return err
	})
	g.Go(func() (err error) {
		live, err = s.aggregator.LiveFeed(gctx, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.cache.Swap([]cache.Entry[any]{
		{Key: totalsKey(start, days), Value: totals, TTL: s.totalsTTL},
		{Key: channelsKey(start, topN), Value: channels, TTL: s.totalsTTL},
		{Key: liveKey(limit), Value: live, TTL: s.liveTTL},
	})
	metrics.UpdateCacheEntries(s.cache.Len())
	s.logger.Debug(ctx, "views swapped",
		logger.String("window_start", start.String()),
		logger.Int("days", days),
		logger.Int("channels", len(channels)),
		logger.Int("live", len(live)),
	)
	return nil
}

// read serves key from the cache, computing it once on a miss no matter how
// many callers are waiting. A computation that overlapped a refresh is not
// stored; the refreshed value is returned instead when there is one. When
// the computation fails with a query failure and an expired value exists,
// that value is returned alongside the error.
func read[T any](ctx context.Context, s *Service, op, key string, ttl time.Duration, compute func(context.Context) (T, error)) (types.Snapshot[T], error) {
	got, gen := s.cache.GetManyAt(key)
	if l := got[0]; l.Fresh {
		if data, ok := l.Value.(T); ok {
			metrics.RecordCacheHit(op)
			return types.Snapshot[T]{Data: data, AsOf: l.CreatedAt}, nil
		}
	}
	metrics.RecordCacheMiss(op)

	v, err, _ := s.flights.Do(flightKey(key, gen), func() (any, error) {
		qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
		data, err := compute(qctx)
		if err != nil {
			return nil, err
		}
		if !s.cache.PutIfGeneration(gen, cache.Entry[any]{Key: key, Value: data, TTL: ttl}) {
			if l := s.cache.GetMany(key)[0]; l.Fresh {
				if cached, ok := l.Value.(T); ok {
					return cached, nil
				}
			}
		}
		return data, nil
	})
	if err != nil {
		if isQueryFailure(err) {
			if old, at, ok := s.cache.GetStale(key); ok {
				if data, ok := old.(T); ok {
					s.logger.Warn(ctx, "serving stale view", logger.String("key", key), logger.Error(err))
					return types.Snapshot[T]{Data: data, AsOf: at, Stale: true}, err
				}
			}
		}
		return types.Snapshot[T]{}, err
	}
	data, _ := v.(T)
	return types.Snapshot[T]{Data: data, AsOf: s.now()}, nil
}

// flightKey scopes a computation to a cache generation so that callers
// arriving after a refresh never join a computation started before it.
func flightKey(key string, gen uint64) string {
	return key + "@" + strconv.FormatUint(gen, 10)
}

func oldest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.IsZero() {
			continue
		}
		if out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out
}
