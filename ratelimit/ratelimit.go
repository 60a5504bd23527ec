// Package ratelimit caps how often a member may file declarations.
//
// The counter is a Redis fixed window: INCR on a per-user key, EXPIRE when
// the key is created. Release gives a hit back when the attempt it admitted
// did not produce a declaration. A Limiter without a client allows
// everything, so the server runs without Redis in development.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "kwh:intake:"

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter keyed by subject.
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// New returns a limiter allowing limit hits per window. A nil client or a
// non-positive limit disables limiting.
func New(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, limit: limit, window: window}
}

// Connect opens a client for addr and pings it.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Enabled reports whether Allow can ever refuse.
func (l *Limiter) Enabled() bool {
	return l != nil && l.client != nil && l.limit > 0 && l.window > 0
}

// Allow counts one hit for subject.
func (l *Limiter) Allow(ctx context.Context, subject string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	key := keyPrefix + subject
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return Decision{Allowed: true, Count: count, Limit: l.limit}, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	d := Decision{Allowed: count <= int64(l.limit), Count: count, Limit: l.limit}
	if !d.Allowed {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			ttl = l.window
		}
		d.RetryAfter = ttl
	}
	return d, nil
}

// Release undoes one hit counted by Allow. A counter that drops to zero or
// below is deleted, so a window that expired in between never leaves a key
// without a TTL.
func (l *Limiter) Release(ctx context.Context, subject string) error {
	if !l.Enabled() {
		return nil
	}
	key := keyPrefix + subject
	count, err := l.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("decr %s: %w", key, err)
	}
	if count <= 0 {
		if err := l.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("del %s: %w", key, err)
		}
	}
	return nil
}
