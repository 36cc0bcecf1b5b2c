// Package events implements the progress event bus: every event is
// appended to the durable job_events log, then fanned out to in-process
// live subscribers keyed by job id. Subscribers receive events in
// insertion order from the moment they subscribe; history before that is
// served separately by Recent.
package events

import (
	"context"
	"sync"

	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/metrics"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// DefaultSubscriberBuffer is the channel depth for live subscribers.
// A subscriber that falls this far behind starts losing events; the
// durable log remains complete.
const DefaultSubscriberBuffer = 64

// EventStore is the durable half of the bus.
type EventStore interface {
	AppendJobEvent(ctx context.Context, ev *types.JobEvent) error
	RecentJobEvents(ctx context.Context, jobID string, limit int) ([]types.JobEvent, error)
}

type subscriber struct {
	ch chan types.JobEvent
}

// Bus is the progress event bus. Safe for concurrent use.
type Bus struct {
	store   EventStore
	logger  *log.Logger
	metrics *metrics.Collector

	mu   sync.Mutex
	subs map[string][]*subscriber
}

// NewBus creates a bus over the given durable store.
func NewBus(store EventStore, collector *metrics.Collector, logger *log.Logger) *Bus {
	return &Bus{
		store:   store,
		logger:  logger,
		metrics: collector,
		subs:    make(map[string][]*subscriber),
	}
}

// Append encodes the payload, writes the durable log entry, then delivers
// to live subscribers of the job id. Durable write failures are logged,
// not propagated: progress reporting never fails the job itself.
func (b *Bus) Append(ctx context.Context, queue, jobID string, name types.EventName, payload types.EventPayload) {
	encoded := "{}"
	if payload != nil {
		var err error
		encoded, err = types.EncodePayload(payload)
		if err != nil {
			b.logger.Error("event payload encode failed", map[string]any{
				"queue":  queue,
				"job_id": jobID,
				"event":  string(name),
				"error":  err.Error(),
			})
			encoded = "{}"
		}
	}

	ev := types.JobEvent{
		Queue:   queue,
		JobID:   jobID,
		Event:   name,
		Payload: encoded,
	}
	if err := b.store.AppendJobEvent(ctx, &ev); err != nil {
		b.logger.Error("event append failed", map[string]any{
			"queue":  queue,
			"job_id": jobID,
			"event":  string(name),
			"error":  err.Error(),
		})
		return
	}
	b.metrics.IncEventAppended()

	b.mu.Lock()
	subs := b.subs[jobID]
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber; the durable log keeps the full sequence.
			b.logger.Warn("live subscriber buffer full, event dropped", map[string]any{
				"job_id": jobID,
				"event":  string(name),
			})
		}
	}
}

// Subscribe registers a live subscriber for one job id. Only events
// appended after Subscribe returns are delivered; there is no replay.
// The returned cancel function must be called exactly once.
func (b *Bus) Subscribe(jobID string) (<-chan types.JobEvent, func()) {
	sub := &subscriber{ch: make(chan types.JobEvent, DefaultSubscriberBuffer)}

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[jobID]
		for i, s := range list {
			if s == sub {
				b.subs[jobID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Recent returns the most recent durable events for a job id in insertion
// order, capped at limit. Late subscribers combine this with Subscribe.
func (b *Bus) Recent(ctx context.Context, jobID string, limit int) ([]types.JobEvent, error) {
	return b.store.RecentJobEvents(ctx, jobID, limit)
}
