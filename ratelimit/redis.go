package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Limiter backed by day-scoped counters, suitable for
// multi-process deployments. Embedding the day in the key makes rollover
// lazy (yesterday's key simply stops being read) and keeps the increment
// a single atomic INCR.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int

	now func() time.Time
}

func NewRedis(client *redis.Client, prefix string, limit int) *Redis {
	return &Redis{client: client, prefix: prefix, limit: limit, now: time.Now}
}

func (r *Redis) Check(ctx context.Context, identity string, authenticated bool) (bool, int, error) {
	if authenticated {
		return true, Unlimited, nil
	}

	count, err := r.client.Get(ctx, r.key(identity)).Int()
	if err != nil && err != redis.Nil {
		return false, 0, fmt.Errorf("quota read failed: %w", err)
	}

	remaining := r.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining > 0, remaining, nil
}

func (r *Redis) Consume(ctx context.Context, identity string, authenticated bool) error {
	if authenticated {
		return nil
	}

	key := r.key(identity)
	if err := r.client.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("quota increment failed: %w", err)
	}
	// 48h covers the rest of today in any timezone; the day-scoped key
	// is never read again after rollover.
	return r.client.Expire(ctx, key, 48*time.Hour).Err()
}

func (r *Redis) key(identity string) string {
	return fmt.Sprintf("%sguest:conversions:%s:%s", r.prefix, identity, r.now().UTC().Format("2006-01-02"))
}
