package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/metrics"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// ErrJobTimeout marks a job that lost the race against its deadline.
var ErrJobTimeout = errors.New("job deadline exceeded")

// QueueConfig registers one named queue on the runner.
type QueueConfig struct {
	// Name is the queue name.
	Name string
	// Handler processes jobs from this queue.
	Handler Handler
	// Concurrency is the parallel worker ceiling (default 1).
	Concurrency int
	// Deadline overrides DefaultDeadline when positive.
	Deadline time.Duration
	// MaxAttempts overrides DefaultMaxAttempts when positive.
	MaxAttempts int
}

// Runner consumes registered queues until its context is cancelled.
type Runner struct {
	broker  *Broker
	events  EventAppender
	logger  *log.Logger
	metrics *metrics.Collector
	queues  []QueueConfig

	mu      sync.Mutex
	started bool
}

// NewRunner creates a queue runner. events and collector may be nil in
// tests; all uses are nil-safe.
func NewRunner(broker *Broker, events EventAppender, collector *metrics.Collector, logger *log.Logger) *Runner {
	return &Runner{
		broker:  broker,
		events:  events,
		logger:  logger,
		metrics: collector,
	}
}

// Register adds a queue. Must be called before Run.
func (r *Runner) Register(cfg QueueConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("cannot register queue after Run")
	}
	if cfg.Name == "" || cfg.Handler == nil {
		return errors.New("queue registration requires a name and a handler")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	r.queues = append(r.queues, cfg)
	return nil
}

// Run consumes all registered queues until ctx is cancelled.
// Each queue gets an independent promoter plus Concurrency workers.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	queues := make([]QueueConfig, len(r.queues))
	copy(queues, r.queues)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range queues {
		cfg := cfg
		g.Go(func() error { return r.promoteLoop(ctx, cfg.Name) })
		for i := 0; i < cfg.Concurrency; i++ {
			g.Go(func() error { return r.workerLoop(ctx, cfg) })
		}
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// promoteLoop periodically moves due retries back onto the ready list.
func (r *Runner) promoteLoop(ctx context.Context, queue string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.broker.promoteDue(ctx, queue); err != nil && ctx.Err() == nil {
				r.logger.Warn("retry promotion failed", map[string]any{
					"queue": queue,
					"error": err.Error(),
				})
			}
		}
	}
}

// workerLoop leases and executes jobs for one queue.
func (r *Runner) workerLoop(ctx context.Context, cfg QueueConfig) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := r.broker.lease(ctx, cfg.Name, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("lease failed", map[string]any{
				"queue": cfg.Name,
				"error": err.Error(),
			})
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		r.execute(ctx, cfg, *job)
	}
}

// execute runs one job attempt: deadline race, event trail, retry or
// terminal failure.
func (r *Runner) execute(ctx context.Context, cfg QueueConfig, job Job) {
	logger := r.logger.WithJob(log.JobContext{
		Queue:   cfg.Name,
		JobID:   job.ID,
		Attempt: job.Attempt,
	})

	r.appendEvent(ctx, cfg.Name, job.ID, types.EventWorkerStarted, types.WorkerPayload{Attempt: job.Attempt})
	r.metrics.IncJobStarted(cfg.Name)

	err := r.runWithDeadline(ctx, cfg, job)

	switch {
	case err == nil:
		r.appendEvent(ctx, cfg.Name, job.ID, types.EventWorkerCompleted, types.WorkerPayload{Attempt: job.Attempt})
		r.metrics.IncJobCompleted(cfg.Name)
		if relErr := r.broker.release(ctx, cfg.Name, job.ID); relErr != nil {
			logger.Warn("live key release failed", map[string]any{"error": relErr.Error()})
		}

	case errors.Is(err, ErrJobTimeout):
		// Deadline expiry is terminal for the attempt and, by policy, for
		// the job: a handler that ran for the full budget is not retried.
		logger.Error("job timed out", map[string]any{"deadline": cfg.Deadline.String()})
		r.appendEvent(ctx, cfg.Name, job.ID, types.EventTimeout, types.WorkerPayload{Attempt: job.Attempt, Error: err.Error()})
		r.metrics.IncJobTimeout(cfg.Name)
		if relErr := r.broker.release(ctx, cfg.Name, job.ID); relErr != nil {
			logger.Warn("live key release failed", map[string]any{"error": relErr.Error()})
		}

	case job.Attempt < cfg.MaxAttempts:
		delay := retryDelay(job.Attempt)
		logger.Warn("job failed, scheduling retry", map[string]any{
			"error": err.Error(),
			"delay": delay.String(),
		})
		r.appendEvent(ctx, cfg.Name, job.ID, types.EventWorkerFailed, types.WorkerPayload{Attempt: job.Attempt, Error: err.Error()})
		if schedErr := r.broker.scheduleRetry(ctx, job, time.Now().Add(delay)); schedErr != nil {
			logger.Error("retry scheduling failed", map[string]any{"error": schedErr.Error()})
		}

	default:
		logger.Error("job failed permanently", map[string]any{
			"error":    err.Error(),
			"attempts": job.Attempt,
		})
		r.appendEvent(ctx, cfg.Name, job.ID, types.EventWorkerFailed, types.WorkerPayload{Attempt: job.Attempt, Error: err.Error()})
		r.metrics.IncJobFailed(cfg.Name)
		if relErr := r.broker.release(ctx, cfg.Name, job.ID); relErr != nil {
			logger.Warn("live key release failed", map[string]any{"error": relErr.Error()})
		}
	}
}

// runWithDeadline races the handler against the queue's wall-clock budget.
// On expiry the handler's context is cancelled so outstanding I/O is
// abandoned, and the job fails with ErrJobTimeout.
func (r *Runner) runWithDeadline(ctx context.Context, cfg QueueConfig, job Job) error {
	runCtx, cancel := context.WithTimeout(ctx, cfg.Deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- cfg.Handler(runCtx, job)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrJobTimeout, cfg.Deadline)
		}
		return runCtx.Err()
	}
}

// retryDelay doubles the base after each attempt: 5s, 10s, 20s...
func retryDelay(attempt int) time.Duration {
	delay := DefaultRetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (r *Runner) appendEvent(ctx context.Context, queue, jobID string, name types.EventName, payload types.EventPayload) {
	if r.events == nil {
		return
	}
	r.events.Append(ctx, queue, jobID, name, payload)
}
