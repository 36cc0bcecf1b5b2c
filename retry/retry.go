// Package retry provides a reusable retry policy applied uniformly to
// all external calls (object store, broker, LLM, sandbox HTTP).
package retry

import (
	"context"
	"time"
)

// Backoff selects the delay shaping between attempts.
type Backoff int

const (
	// BackoffExponential doubles the delay after each attempt.
	BackoffExponential Backoff = iota
	// BackoffLinear grows the delay by BaseDelay after each attempt.
	BackoffLinear
)

// Policy describes how an external call is retried.
// The zero value never retries; use the constructors for shared defaults.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// Backoff selects delay shaping. Defaults to exponential.
	Backoff Backoff
	// IsRetryable reports whether an error is worth another attempt.
	// Nil means all errors are retryable.
	IsRetryable func(error) bool
}

// Do runs fn under the policy, sleeping between attempts.
// It returns nil on the first success, the last error when attempts are
// exhausted or the error is not retryable, and ctx.Err() when the context
// is cancelled during back-off.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= attempts {
			return err
		}
		if p.IsRetryable != nil && !p.IsRetryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		switch p.Backoff {
		case BackoffLinear:
			delay += p.BaseDelay
		default:
			delay *= 2
		}
	}
}
