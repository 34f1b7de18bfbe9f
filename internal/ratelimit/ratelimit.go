// Package ratelimit provides the per-source request-rate gate run before the
// admission pipeline.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix is the namespace for rate-limit counters in the shared store.
const keyPrefix = "limiter:"

// Limiter admits or denies a request from ip under a fixed-window budget of
// limit requests per window.  An error means the decision could not be made;
// callers must not treat an error as an admit.
type Limiter interface {
	Admit(ctx context.Context, ip string, limit int, window time.Duration) (ok bool, err error)
}

// CounterStore is the shared atomic counter store backing [FixedWindow].
// Incr atomically increments the counter at key, creating it at 1, and
// returns the post-increment value.
type CounterStore interface {
	Incr(ctx context.Context, key string) (n int64, err error)
	Expire(ctx context.Context, key string, ttl time.Duration) (err error)
}

// FixedWindow is a fixed-window counter limiter over a shared [CounterStore].
// Bursts aligned at window boundaries can admit up to twice the limit across
// the boundary, a known property of the fixed-window scheme.
type FixedWindow struct {
	store CounterStore
}

// NewFixedWindow creates a fixed-window limiter.  store must not be nil.
func NewFixedWindow(store CounterStore) (l *FixedWindow) {
	return &FixedWindow{
		store: store,
	}
}

// type check
var _ Limiter = (*FixedWindow)(nil)

// Admit implements the [Limiter] interface for *FixedWindow.  If the store is
// unreachable, the error is propagated, silently admitting unlimited traffic
// is not an option the limiter takes on its own.
func (l *FixedWindow) Admit(
	ctx context.Context,
	ip string,
	limit int,
	window time.Duration,
) (ok bool, err error) {
	key := keyPrefix + ip

	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return false, fmt.Errorf("incrementing counter for %q: %w", ip, err)
	}

	if n == 1 {
		err = l.store.Expire(ctx, key, window)
		if err != nil {
			return false, fmt.Errorf("setting expiry for %q: %w", ip, err)
		}
	}

	return n <= int64(limit), nil
}

// RedisCounter implements [CounterStore] on top of a Redis client.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a counter store using client.  client must not be
// nil.
func NewRedisCounter(client *redis.Client) (c *RedisCounter) {
	return &RedisCounter{
		client: client,
	}
}

// type check
var _ CounterStore = (*RedisCounter)(nil)

// Incr implements the [CounterStore] interface for *RedisCounter.
func (c *RedisCounter) Incr(ctx context.Context, key string) (n int64, err error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire implements the [CounterStore] interface for *RedisCounter.
func (c *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) (err error) {
	return c.client.Expire(ctx, key, ttl).Err()
}
