package dedupe

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces dedupe keys in a shared Redis.
const DefaultRedisKeyPrefix = "touchpoint:event:"

// RedisDeduper shares seen ids between instances through Redis SETNX with a TTL.
type RedisDeduper struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	recorded  atomic.Int64
}

// NewRedisDeduper creates a deduper backed by client. A zero ttl keeps keys forever.
func NewRedisDeduper(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisDeduper {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisDeduper{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// SeenAndRecord sets the key only if it does not exist yet.
func (d *RedisDeduper) SeenAndRecord(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.keyPrefix+id, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if ok {
		d.recorded.Add(1)
	}
	return !ok, nil
}

// Unrecord deletes the key.
func (d *RedisDeduper) Unrecord(ctx context.Context, id string) error {
	n, err := d.client.Del(ctx, d.keyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if n > 0 {
		d.recorded.Add(-1)
	}
	return nil
}

// Size returns the number of ids this instance recorded.
func (d *RedisDeduper) Size() int64 {
	return d.recorded.Load()
}

// Ping checks connectivity.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return nil
}

// Close closes the underlying client.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
