package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedWindow counts admissions in Redis so multiple service instances
// enforce one ceiling. The counter lives under prefix:key with the window
// as its expiry, stamped on the first hit.
type SharedWindow struct {
	rdb    *redis.Client
	max    int64
	window time.Duration
	prefix string
}

// NewSharedWindow creates a Redis-backed limiter.
func NewSharedWindow(rdb *redis.Client, max int, window time.Duration, prefix string) *SharedWindow {
	return &SharedWindow{
		rdb:    rdb,
		max:    int64(max),
		window: window,
		prefix: prefix,
	}
}

// Admit implements Limiter. Over-limit increments are undone so the stored
// count stays at the ceiling.
func (l *SharedWindow) Admit(ctx context.Context, key string) (bool, time.Duration, error) {
	k := l.prefix + ":" + key

	count, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	if count > l.max {
		if err := l.rdb.Decr(ctx, k).Err(); err != nil {
			return false, 0, fmt.Errorf("ratelimit decr: %w", err)
		}
		ttl, err := l.rdb.PTTL(ctx, k).Result()
		if err != nil || ttl < 0 {
			ttl = l.window
		}
		return false, ttl, nil
	}
	return true, 0, nil
}
