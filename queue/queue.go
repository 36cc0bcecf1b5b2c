// Package queue implements the job queue runtime: named queues on a Redis
// broker with per-queue concurrency, bounded retry with exponential
// back-off, per-job deadlines, caller-supplied idempotency keys, and a
// durable event trail for every lifecycle transition.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// Queue names consumed by the pipeline. Concurrency is deployment-tunable.
const (
	QueueIngest           = "ingest"
	QueueVerify           = "verify"
	QueueAudit            = "audit"
	QueueFindingLifecycle = "finding-lifecycle"
	QueuePdf              = "pdf"
	QueueDocsCrawl        = "docs-crawl"
	QueueDocsIndex        = "docs-index"
	QueueCleanup          = "cleanup"
)

// Defaults for job execution.
const (
	// DefaultMaxAttempts is the total attempt budget per job.
	DefaultMaxAttempts = 3
	// DefaultRetryBase is the back-off before the second attempt; doubles
	// after each failure.
	DefaultRetryBase = 5 * time.Second
	// DefaultDeadline is the wall-clock budget per job unless the queue
	// overrides it.
	DefaultDeadline = 30 * time.Minute
	// idempotencyTTL bounds how long a live job id suppresses resubmission.
	idempotencyTTL = 2 * time.Hour
)

// ErrReservedJobID is returned when a job id still contains a colon.
// Colons are reserved by the broker key layout; callers substitute them
// with types.ToSafeJobID before submission.
var ErrReservedJobID = errors.New("job id contains reserved colon")

// Job is one unit of work: a queue name, an idempotency key, and a payload.
type Job struct {
	Queue   string `json:"queue"`
	ID      string `json:"id"`
	Payload string `json:"payload"`
	Attempt int    `json:"attempt"`
}

// Handler processes one job. Returning an error schedules a retry until
// the attempt budget is exhausted.
type Handler func(ctx context.Context, job Job) error

// EventAppender receives queue-runtime lifecycle events.
// The progress event bus implements this.
type EventAppender interface {
	Append(ctx context.Context, queue, jobID string, event types.EventName, payload types.EventPayload)
}

// Broker submits and leases jobs on Redis.
// One in-flight copy exists per job id: resubmitting a live id is a no-op.
type Broker struct {
	client *goredis.Client
}

// NewBroker creates a broker over an existing Redis client.
func NewBroker(client *goredis.Client) *Broker {
	return &Broker{client: client}
}

func readyKey(queue string) string   { return "queue:ready:" + queue }
func delayedKey(queue string) string { return "queue:delayed:" + queue }
func liveKey(queue, jobID string) string {
	return "queue:live:" + queue + ":" + jobID
}

// Enqueue submits a job. Job ids must already be colon-free; a live
// submission with the same id is silently dropped.
func (b *Broker) Enqueue(ctx context.Context, queue, jobID, payload string) error {
	if strings.Contains(jobID, ":") {
		return fmt.Errorf("%w: %q", ErrReservedJobID, jobID)
	}

	ok, err := b.client.SetNX(ctx, liveKey(queue, jobID), "1", idempotencyTTL).Result()
	if err != nil {
		return fmt.Errorf("enqueue idempotency check: %w", err)
	}
	if !ok {
		// A prior submission is still live.
		return nil
	}

	body, err := json.Marshal(Job{Queue: queue, ID: jobID, Payload: payload, Attempt: 1})
	if err != nil {
		return fmt.Errorf("enqueue encode: %w", err)
	}
	if err := b.client.LPush(ctx, readyKey(queue), body).Err(); err != nil {
		return fmt.Errorf("enqueue push: %w", err)
	}
	return nil
}

// scheduleRetry places a failed job on the delayed set for a later attempt.
// The live key is kept so duplicate submissions stay suppressed while the
// job waits.
func (b *Broker) scheduleRetry(ctx context.Context, job Job, at time.Time) error {
	job.Attempt++
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("retry encode: %w", err)
	}
	if err := b.client.ZAdd(ctx, delayedKey(job.Queue), goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: body,
	}).Err(); err != nil {
		return fmt.Errorf("retry schedule: %w", err)
	}
	return nil
}

// promoteDue moves due delayed jobs back onto the ready list.
func (b *Broker) promoteDue(ctx context.Context, queue string) error {
	now := float64(time.Now().UnixMilli())
	members, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("promote query: %w", err)
	}
	for _, m := range members {
		removed, err := b.client.ZRem(ctx, delayedKey(queue), m).Result()
		if err != nil {
			return fmt.Errorf("promote remove: %w", err)
		}
		if removed == 0 {
			// Another worker promoted it first.
			continue
		}
		if err := b.client.LPush(ctx, readyKey(queue), m).Err(); err != nil {
			return fmt.Errorf("promote push: %w", err)
		}
	}
	return nil
}

// lease blocks for up to wait and returns the next ready job, or nil.
func (b *Broker) lease(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	res, err := b.client.BRPop(ctx, wait, readyKey(queue)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	// BRPop returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("lease decode: %w", err)
	}
	return &job, nil
}

// release clears the live key once the job reaches a terminal outcome.
func (b *Broker) release(ctx context.Context, queue, jobID string) error {
	return b.client.Del(ctx, liveKey(queue, jobID)).Err()
}
