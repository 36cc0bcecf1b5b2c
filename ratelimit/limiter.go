// Package ratelimit implements a per-identity sliding-window rate limiter
// over Redis sorted sets. The window is maintained atomically in one
// pipeline; a broker outage fails closed.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Limiter is a sliding-window rate limiter.
type Limiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
}

// NewLimiter creates a limiter allowing limit calls per window per key.
func NewLimiter(client *goredis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, limit: int64(limit), window: window}
}

func (l *Limiter) key(identity string) string {
	return "ratelimit:" + identity
}

// Allow records one call for identity and reports whether it is within
// the limit. On broker failure it returns limited=true together with the
// error: the caller surfaces a 503-equivalent instead of letting traffic
// through unmetered.
func (l *Limiter) Allow(ctx context.Context, identity string) (bool, error) {
	now := time.Now()
	key := l.key(identity)
	windowStart := now.Add(-l.window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli()))
	pipe.ZAdd(ctx, key, goredis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	return card.Val() <= l.limit, nil
}
