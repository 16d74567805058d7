// Package dedupe tracks seen event ids so that re-submitted events are staged once.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Deduper records seen event IDs to ensure at-most-once staging.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) (bool, error)

	// Unrecord forgets id so that a later submission is accepted again.
	// Used when an event was recorded but could not be enqueued.
	Unrecord(ctx context.Context, id string) error

	// Size returns the number of ids tracked by this process.
	Size() int64
}

type seenEntry struct {
	id       string
	recorded time.Time
}

// inMemoryDeduper keeps ids in insertion order and evicts the oldest once
// maxSize is reached. Entries older than ttl are treated as unseen.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // front = newest
	maxSize int        // <= 0 means unbounded
	ttl     time.Duration
	now     func() time.Time
	size    atomic.Int64
}

// NewInMemoryDeduper creates a process-local deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: 50000,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if el, ok := d.seen[id]; ok {
		e := el.Value.(*seenEntry)
		if d.ttl <= 0 || now.Sub(e.recorded) < d.ttl {
			return true, nil
		}
		d.remove(el)
	}

	if d.maxSize > 0 {
		for d.order.Len() >= d.maxSize {
			d.remove(d.order.Back())
		}
	}
	d.seen[id] = d.order.PushFront(&seenEntry{id: id, recorded: now})
	d.size.Add(1)
	return false, nil
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.seen[id]; ok {
		d.remove(el)
	}
	return nil
}

// remove must be called with d.mu held.
func (d *inMemoryDeduper) remove(el *list.Element) {
	e := d.order.Remove(el).(*seenEntry)
	delete(d.seen, e.id)
	d.size.Add(-1)
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
