// Package cache provides a TTL result cache whose entries are replaced
// wholesale, never mutated in place.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is a value to be stored by Swap.
type Entry[V any] struct {
	Key   string
	Value V
	TTL   time.Duration
}

// Lookup is the result of reading one key.
type Lookup[V any] struct {
	Value     V
	CreatedAt time.Time
	Found     bool
	Fresh     bool
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
}

func (e entry[V]) fresh(now time.Time) bool {
	return now.Sub(e.createdAt) < e.ttl
}

// Cache memoizes values by key with a per-entry TTL.
// Expired entries stay readable through GetStale until replaced or invalidated.
//
// The generation counter advances on every Swap and invalidation. A value
// computed while the generation moved may predate the new set and is
// rejected by PutIfGeneration.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	gen     uint64
	now     func() time.Time
}

// New creates an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	cfg := options{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		now:     cfg.now,
	}
}

// Key builds a cache key from an operation name and its parameters.
func Key(op string, params ...any) string {
	var b strings.Builder
	b.WriteString(op)
	for _, p := range params {
		b.WriteByte(':')
		fmt.Fprint(&b, p)
	}
	return b.String()
}

// Get returns the value for key if it is fresh. A false result is a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !e.fresh(c.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetStale returns the value for key regardless of its age.
func (c *Cache[V]) GetStale(key string) (V, time.Time, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	return e.value, e.createdAt, ok
}

// GetMany reads several keys under a single lock so the results belong to
// the same generation of the cache.
func (c *Cache[V]) GetMany(keys ...string) []Lookup[V] {
	out, _ := c.GetManyAt(keys...)
	return out
}

// GetManyAt is GetMany that also reports the generation the keys were read at.
func (c *Cache[V]) GetManyAt(keys ...string) ([]Lookup[V], uint64) {
	out := make([]Lookup[V], len(keys))
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	for i, k := range keys {
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		out[i] = Lookup[V]{Value: e.value, CreatedAt: e.createdAt, Found: true, Fresh: e.fresh(now)}
	}
	return out, c.gen
}

// Generation returns the current generation.
func (c *Cache[V]) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Put stores or replaces the value for key.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, createdAt: c.now(), ttl: ttl}
	c.mu.Unlock()
}

// PutIfGeneration stores entries together, only if the cache is still at gen.
// It reports whether they were stored.
func (c *Cache[V]) PutIfGeneration(gen uint64, entries ...Entry[V]) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	for _, e := range entries {
		c.entries[e.Key] = entry[V]{value: e.Value, createdAt: now, ttl: e.TTL}
	}
	return true
}

// Invalidate removes every key starting with prefix and returns how many were removed.
// The prefix "*" removes everything.
func (c *Cache[V]) Invalidate(prefix string) int {
	if prefix == "*" {
		return c.InvalidateAll()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// InvalidateAll removes every entry and returns how many were removed.
func (c *Cache[V]) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]entry[V])
	c.gen++
	return n
}

// Swap replaces the whole entry set with entries in one step. Readers observe
// either the previous set or the new one, never a mix or an empty cache.
func (c *Cache[V]) Swap(entries []Entry[V]) {
	now := c.now()
	next := make(map[string]entry[V], len(entries))
	for _, e := range entries {
		next[e.Key] = entry[V]{value: e.Value, createdAt: now, ttl: e.TTL}
	}
	c.mu.Lock()
	c.entries = next
	c.gen++
	c.mu.Unlock()
}

// Len returns the number of entries, fresh or stale.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
