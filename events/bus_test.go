package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

type stubEventStore struct {
	mu      sync.Mutex
	rows    []types.JobEvent
	nextID  int64
	failing bool
}

func (s *stubEventStore) AppendJobEvent(_ context.Context, ev *types.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("database unavailable")
	}
	s.nextID++
	ev.ID = s.nextID
	ev.CreatedAt = time.Now()
	s.rows = append(s.rows, *ev)
	return nil
}

func (s *stubEventStore) RecentJobEvents(_ context.Context, jobID string, limit int) ([]types.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.JobEvent
	for _, r := range s.rows {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func newTestBus(store *stubEventStore) *Bus {
	return NewBus(store, nil, log.NewProcessLogger())
}

func TestAppendPersistsAndDeliversInOrder(t *testing.T) {
	store := &stubEventStore{}
	bus := newTestBus(store)
	ctx := context.Background()

	ch, cancel := bus.Subscribe("verify__p1__a1")
	defer cancel()

	bus.Append(ctx, "verify", "verify__p1__a1", types.EventStarted, nil)
	bus.Append(ctx, "verify", "verify__p1__a1", types.EventProgress, types.PlanReadyPayload{
		Phase:      types.PhasePlanReady,
		Adapter:    "blueprint",
		TotalSteps: 4,
	})
	bus.Append(ctx, "verify", "verify__p1__a1", types.EventCompleted, nil)

	want := []types.EventName{types.EventStarted, types.EventProgress, types.EventCompleted}
	for i, name := range want {
		select {
		case ev := <-ch:
			if ev.Event != name {
				t.Fatalf("event %d: got %q, want %q", i, ev.Event, name)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}

	if len(store.rows) != 3 {
		t.Fatalf("expected 3 durable rows, got %d", len(store.rows))
	}
}

func TestSubscribeDoesNotReplayHistory(t *testing.T) {
	store := &stubEventStore{}
	bus := newTestBus(store)
	ctx := context.Background()

	bus.Append(ctx, "audit", "audit__p1__a1", types.EventStarted, nil)

	ch, cancel := bus.Subscribe("audit__p1__a1")
	defer cancel()

	bus.Append(ctx, "audit", "audit__p1__a1", types.EventCompleted, nil)

	select {
	case ev := <-ch:
		if ev.Event != types.EventCompleted {
			t.Fatalf("expected only post-subscription event, got %q", ev.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("post-subscription event never delivered")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra delivery: %q", ev.Event)
	default:
	}
}

func TestRecentServesDurableHistory(t *testing.T) {
	store := &stubEventStore{}
	bus := newTestBus(store)
	ctx := context.Background()

	bus.Append(ctx, "audit", "audit__p1__a1", types.EventStarted, nil)
	bus.Append(ctx, "audit", "audit__p1__a1", types.EventProgress, types.AgentPhasePayload{Phase: types.PhaseAgentDiscovery})
	bus.Append(ctx, "audit", "audit__p1__a2", types.EventStarted, nil)

	history, err := bus.Recent(ctx, "audit__p1__a1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 events for job, got %d", len(history))
	}
	if history[0].Event != types.EventStarted || history[1].Event != types.EventProgress {
		t.Fatalf("history out of order: %v, %v", history[0].Event, history[1].Event)
	}

	payload, err := types.DecodePayload(history[1].Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	agent, ok := payload.(types.AgentPhasePayload)
	if !ok {
		t.Fatalf("expected AgentPhasePayload, got %T", payload)
	}
	if agent.Phase != types.PhaseAgentDiscovery {
		t.Fatalf("unexpected phase %q", agent.Phase)
	}
}

func TestDurableFailureSkipsLiveDelivery(t *testing.T) {
	store := &stubEventStore{failing: true}
	bus := newTestBus(store)
	ctx := context.Background()

	ch, cancel := bus.Subscribe("verify__p1__a1")
	defer cancel()

	bus.Append(ctx, "verify", "verify__p1__a1", types.EventStarted, nil)

	select {
	case ev := <-ch:
		t.Fatalf("event delivered despite durable failure: %q", ev.Event)
	default:
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	store := &stubEventStore{}
	bus := newTestBus(store)
	ctx := context.Background()

	ch, cancel := bus.Subscribe("verify__p1__a1")
	cancel()

	bus.Append(ctx, "verify", "verify__p1__a1", types.EventStarted, nil)

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}
}
