package warehouse

import (
	"context"
	"sort"
	"sync"

	"github.com/okian/touchpoint/internal/domain/model"
)

// MemoryStore keeps staged events in process memory and derives the marts on read.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]struct{}
	root *node // newest first
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]struct{})}
}

// InsertEvents appends events whose event_id is not yet stored.
func (m *MemoryStore) InsertEvents(_ context.Context, events []model.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, ev := range events {
		if _, dup := m.byID[ev.EventID]; dup {
			continue
		}
		m.byID[ev.EventID] = struct{}{}
		m.root = insert(m.root, ev)
		inserted++
	}
	return inserted, nil
}

// RecentEvents returns up to limit events, newest first.
func (m *MemoryStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n := nsize(m.root); limit > n || limit < 0 {
		limit = n
	}
	out := make([]model.Event, 0, limit)
	collectNewest(m.root, limit, &out)
	return out, nil
}

// Records derives one attribution record per user with at least one purchase.
func (m *MemoryStore) Records() []model.AttributionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type span struct {
		first, last model.Event
		converted   bool
	}
	users := make(map[string]*span)
	// events are newest first: the first one seen per user is the last touch.
	walk(m.root, func(ev model.Event) bool {
		sp, ok := users[ev.UserPseudoID]
		if !ok {
			sp = &span{last: ev}
			users[ev.UserPseudoID] = sp
		}
		sp.first = ev
		if ev.IsConversion() {
			sp.converted = true
		}
		return true
	})

	out := make([]model.AttributionRecord, 0, len(users))
	for id, sp := range users {
		if !sp.converted {
			continue
		}
		out = append(out, model.AttributionRecord{
			UserPseudoID:     id,
			FirstClickTS:     sp.first.Timestamp,
			FirstClickSource: sp.first.TrafficSource,
			FirstClickMedium: sp.first.TrafficMedium,
			LastClickTS:      sp.last.Timestamp,
			LastClickSource:  sp.last.TrafficSource,
			LastClickMedium:  sp.last.TrafficMedium,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserPseudoID < out[j].UserPseudoID })
	return out
}

type touch struct {
	day            model.Day
	source, medium string
}

func (m *MemoryStore) touches(ctx context.Context, first bool) ([]touch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs := m.Records()
	out := make([]touch, 0, len(recs))
	for _, r := range recs {
		if first {
			out = append(out, touch{model.DayOf(r.FirstClickTS), r.FirstClickSource, r.FirstClickMedium})
		} else {
			out = append(out, touch{model.DayOf(r.LastClickTS), r.LastClickSource, r.LastClickMedium})
		}
	}
	return out, nil
}

func countByDay(ts []touch, since model.Day) []model.DayCount {
	counts := make(map[model.Day]int64)
	for _, t := range ts {
		if t.day.Before(since) {
			continue
		}
		counts[t.day]++
	}
	out := make([]model.DayCount, 0, len(counts))
	for d, n := range counts {
		out = append(out, model.DayCount{Day: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

func countByChannel(ts []touch, since model.Day) []model.ChannelCount {
	type key struct{ source, medium string }
	counts := make(map[key]int64)
	for _, t := range ts {
		if t.day.Before(since) {
			continue
		}
		src := t.source
		if src == "" {
			src = model.UnknownSource
		}
		counts[key{src, t.medium}]++
	}
	out := make([]model.ChannelCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, model.ChannelCount{Source: k.source, Medium: k.medium, Count: n})
	}
	return out
}

// FirstTouchByDay counts first touches per day on or after since.
func (m *MemoryStore) FirstTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error) {
	ts, err := m.touches(ctx, true)
	if err != nil {
		return nil, err
	}
	return countByDay(ts, since), nil
}

// LastTouchByDay counts last touches per day on or after since.
func (m *MemoryStore) LastTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error) {
	ts, err := m.touches(ctx, false)
	if err != nil {
		return nil, err
	}
	return countByDay(ts, since), nil
}

// FirstTouchByChannel counts first touches per channel on or after since.
func (m *MemoryStore) FirstTouchByChannel(ctx context.Context, since model.Day) ([]model.ChannelCount, error) {
	ts, err := m.touches(ctx, true)
	if err != nil {
		return nil, err
	}
	return countByChannel(ts, since), nil
}

// LastTouchByChannel counts last touches per channel on or after since.
func (m *MemoryStore) LastTouchByChannel(ctx context.Context, since model.Day) ([]model.ChannelCount, error) {
	ts, err := m.touches(ctx, false)
	if err != nil {
		return nil, err
	}
	return countByChannel(ts, since), nil
}

// Len returns the number of staged events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return nsize(m.root)
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
