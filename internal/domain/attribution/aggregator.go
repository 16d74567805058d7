// Package attribution computes first- and last-touch attribution views:
// a gap-free daily series, a ranked channel breakdown and the live event feed.
package attribution

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/pkg/logger"
	"github.com/okian/touchpoint/pkg/metrics"
)

// Query operation names, used in errors and metrics.
const (
	OpFirstByDay     = "first_touch_by_day"
	OpLastByDay      = "last_touch_by_day"
	OpFirstByChannel = "first_touch_by_channel"
	OpLastByChannel  = "last_touch_by_channel"
	OpRecentEvents   = "recent_events"
)

// MartReader reads the first- and last-touch marts grouped by day or channel.
// Only records whose touch day is on or after since are counted.
type MartReader interface {
	FirstTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error)
	LastTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error)
	FirstTouchByChannel(ctx context.Context, since model.Day) ([]model.ChannelCount, error)
	LastTouchByChannel(ctx context.Context, since model.Day) ([]model.ChannelCount, error)
}

// EventReader scans the staging store newest first.
type EventReader interface {
	RecentEvents(ctx context.Context, limit int) ([]model.Event, error)
}

// Aggregator answers the attribution read operations.
type Aggregator struct {
	marts   MartReader
	events  EventReader
	liveMin int
	liveMax int
	log     logger.Logger
}

// New creates an Aggregator over the given mart and staging readers.
func New(marts MartReader, events EventReader, opts ...Option) *Aggregator {
	a := &Aggregator{
		marts:   marts,
		events:  events,
		liveMin: DefaultLiveLimitMin,
		liveMax: DefaultLiveLimitMax,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LiveLimitRange returns the accepted live feed limit bounds.
func (a *Aggregator) LiveLimitRange() (int, int) { return a.liveMin, a.liveMax }

// DailyTotals returns exactly days rows starting at windowStart, ascending,
// with zero counts for days that had no attributed conversions.
func (a *Aggregator) DailyTotals(ctx context.Context, windowStart model.Day, days int) ([]model.DailyTotals, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: days=%d", ErrInvalidWindow, days)
	}

	var first, last []model.DayCount
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		first, err = query(gctx, a, OpFirstByDay, func(ctx context.Context) ([]model.DayCount, error) {
			return a.marts.FirstTouchByDay(ctx, windowStart)
		})
		return err
	})
	g.Go(func() (err error) {
		last, err = query(gctx, a, OpLastByDay, func(ctx context.Context) ([]model.DayCount, error) {
			return a.marts.LastTouchByDay(ctx, windowStart)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return ZeroFill(MergeDaily(first, last), windowStart, days), nil
}

// ChannelBreakdown returns the topN channels by combined attribution volume
// for touches on or after windowStart.
func (a *Aggregator) ChannelBreakdown(ctx context.Context, windowStart model.Day, topN int) ([]model.ChannelBreakdown, error) {
	if topN < 1 {
		return nil, fmt.Errorf("%w: top=%d", ErrInvalidTopN, topN)
	}

	var first, last []model.ChannelCount
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		first, err = query(gctx, a, OpFirstByChannel, func(ctx context.Context) ([]model.ChannelCount, error) {
			return a.marts.FirstTouchByChannel(ctx, windowStart)
		})
		return err
	})
	g.Go(func() (err error) {
		last, err = query(gctx, a, OpLastByChannel, func(ctx context.Context) ([]model.ChannelCount, error) {
			return a.marts.LastTouchByChannel(ctx, windowStart)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return RankChannels(MergeChannels(first, last), topN), nil
}

// LiveFeed returns up to limit of the most recent staged events, newest first.
func (a *Aggregator) LiveFeed(ctx context.Context, limit int) ([]model.Event, error) {
	if err := a.ValidateLimit(limit); err != nil {
		return nil, err
	}

	rows, err := query(ctx, a, OpRecentEvents, func(ctx context.Context) ([]model.Event, error) {
		return a.events.RecentEvents(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return uniqueEvents(rows, limit), nil
}

// ValidateLimit checks limit against the live feed bounds.
func (a *Aggregator) ValidateLimit(limit int) error {
	if limit < a.liveMin || limit > a.liveMax {
		return fmt.Errorf("%w: limit=%d, want %d..%d", ErrInvalidLimit, limit, a.liveMin, a.liveMax)
	}
	return nil
}

func query[T any](ctx context.Context, a *Aggregator, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	out, err := fn(ctx)
	metrics.RecordQueryLatency(op, float64(time.Since(start).Microseconds())/1000.0)
	if err != nil {
		metrics.RecordQueryFailure(op)
		a.log.Warn(ctx, "attribution query failed", logger.String("operation", op), logger.Error(err))
		var zero T
		return zero, fmt.Errorf("%w: %s: %w", ErrQueryFailure, op, err)
	}
	return out, nil
}

// uniqueEvents drops repeated event ids, keeping the first (newest) occurrence.
func uniqueEvents(rows []model.Event, limit int) []model.Event {
	seen := make(map[string]struct{}, len(rows))
	out := make([]model.Event, 0, len(rows))
	for _, ev := range rows {
		if _, dup := seen[ev.EventID]; dup {
			continue
		}
		seen[ev.EventID] = struct{}{}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out
}
