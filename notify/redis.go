package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/1lastphoenix/ton-ai-audit-sub002/retry"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "audit:run_completed"

// DefaultRedisTimeout is the default per-publish timeout.
const DefaultRedisTimeout = 5 * time.Second

// DefaultRedisRetries is the default retry budget after the first attempt.
const DefaultRedisRetries = 3

// RedisConfig configures the Redis pub/sub notifier.
type RedisConfig struct {
	// Channel is the pub/sub channel name (default: audit:run_completed).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// RedisNotifier delivers completion events via Redis PUBLISH. Subscribers
// that are offline at publish time miss the event; the run row remains the
// source of truth.
type RedisNotifier struct {
	config RedisConfig
	client *goredis.Client
	policy retry.Policy
}

// NewRedisNotifier creates a Redis pub/sub notifier over an existing
// client. The caller owns the client; Close does not close it.
func NewRedisNotifier(client *goredis.Client, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &RedisNotifier{
		config: cfg,
		client: client,
		policy: retry.Policy{
			MaxAttempts: 1 + cfg.Retries,
			BaseDelay:   500 * time.Millisecond,
			Backoff:     retry.BackoffExponential,
		},
	}, nil
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, event *AuditCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis notify: marshal event: %w", err)
	}

	if err := n.policy.Do(ctx, func(ctx context.Context) error {
		publishCtx, cancel := context.WithTimeout(ctx, n.config.Timeout)
		defer cancel()
		return n.client.Publish(publishCtx, n.config.Channel, body).Err()
	}); err != nil {
		return fmt.Errorf("redis notify: publish to %s: %w", n.config.Channel, err)
	}
	return nil
}

// Close releases notifier resources. The underlying client is shared and
// stays open.
func (n *RedisNotifier) Close() error { return nil }

var _ Notifier = (*RedisNotifier)(nil)
