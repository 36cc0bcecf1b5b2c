package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

type recordedEvent struct {
	Queue string
	JobID string
	Name  types.EventName
}

type stubAppender struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (a *stubAppender) Append(_ context.Context, queue, jobID string, name types.EventName, _ types.EventPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, recordedEvent{Queue: queue, JobID: jobID, Name: name})
}

func (a *stubAppender) names(jobID string) []types.EventName {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []types.EventName
	for _, ev := range a.events {
		if ev.JobID == jobID {
			out = append(out, ev.Name)
		}
	}
	return out
}

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBroker(client), mr
}

func TestEnqueueRejectsColonIDs(t *testing.T) {
	broker, _ := newTestBroker(t)

	err := broker.Enqueue(context.Background(), QueueVerify, "verify:project-1:audit-1", "{}")
	if !errors.Is(err, ErrReservedJobID) {
		t.Fatalf("expected ErrReservedJobID, got %v", err)
	}
}

func TestEnqueueIdempotentWhileLive(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, QueueVerify, "verify__p1__a1", "{}"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := broker.Enqueue(ctx, QueueVerify, "verify__p1__a1", "{}"); err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}

	ready, err := mr.List(readyKey(QueueVerify))
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready job, got %d", len(ready))
	}
}

func TestEnqueueAcceptedAgainAfterRelease(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()

	if err := broker.Enqueue(ctx, QueueVerify, "verify__p1__a1", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := broker.release(ctx, QueueVerify, "verify__p1__a1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := broker.Enqueue(ctx, QueueVerify, "verify__p1__a1", "{}"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	ready, err := mr.List(readyKey(QueueVerify))
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready jobs after release, got %d", len(ready))
	}
}

func TestScheduleRetryIncrementsAttemptAndPromotes(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	job := Job{Queue: QueueAudit, ID: "audit__p1__a1", Payload: "{}", Attempt: 1}
	if err := broker.scheduleRetry(ctx, job, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	// Not ready until promoted.
	got, err := broker.lease(ctx, QueueAudit, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("lease before promote: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no ready job before promotion, got %+v", got)
	}

	if err := broker.promoteDue(ctx, QueueAudit); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, err = broker.lease(ctx, QueueAudit, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("lease after promote: %v", err)
	}
	if got == nil {
		t.Fatal("expected promoted job")
	}
	if got.Attempt != 2 {
		t.Fatalf("expected attempt 2 after retry, got %d", got.Attempt)
	}
}

func TestPromoteLeavesFutureJobsDelayed(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()

	job := Job{Queue: QueueAudit, ID: "audit__p1__a2", Payload: "{}", Attempt: 1}
	if err := broker.scheduleRetry(ctx, job, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	if err := broker.promoteDue(ctx, QueueAudit); err != nil {
		t.Fatalf("promote: %v", err)
	}

	ready, _ := mr.List(readyKey(QueueAudit))
	if len(ready) != 0 {
		t.Fatalf("expected no promoted jobs, got %d", len(ready))
	}
}

func TestRunnerProcessesJob(t *testing.T) {
	broker, _ := newTestBroker(t)
	appender := &stubAppender{}
	runner := NewRunner(broker, appender, nil, log.NewProcessLogger())

	done := make(chan Job, 1)
	err := runner.Register(QueueConfig{
		Name: QueueIngest,
		Handler: func(_ context.Context, job Job) error {
			done <- job
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	if err := broker.Enqueue(ctx, QueueIngest, "ingest__u1", `{"upload_id":"u1"}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case job := <-done:
		if job.ID != "ingest__u1" {
			t.Fatalf("unexpected job id %q", job.ID)
		}
		if job.Payload != `{"upload_id":"u1"}` {
			t.Fatalf("unexpected payload %q", job.Payload)
		}
		if job.Attempt != 1 {
			t.Fatalf("expected attempt 1, got %d", job.Attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	waitFor(t, func() bool {
		names := appender.names("ingest__u1")
		return containsEvent(names, types.EventWorkerCompleted)
	})
	names := appender.names("ingest__u1")
	if !containsEvent(names, types.EventWorkerStarted) {
		t.Fatalf("missing worker-started event, got %v", names)
	}

	cancel()
	wg.Wait()
}

func TestRunnerRetriesUntilSuccess(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()
	appender := &stubAppender{}
	runner := NewRunner(broker, appender, nil, log.NewProcessLogger())

	var mu sync.Mutex
	var attempts []int
	err := runner.Register(QueueConfig{
		Name: QueueAudit,
		Handler: func(_ context.Context, job Job) error {
			mu.Lock()
			attempts = append(attempts, job.Attempt)
			mu.Unlock()
			if job.Attempt < 2 {
				return errors.New("transient failure")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Drive a single attempt cycle without waiting for real back-off:
	// execute the first attempt, backdate its retry, promote eagerly.
	job := Job{Queue: QueueAudit, ID: "audit__p1__a1", Payload: "{}", Attempt: 1}
	cfg := runner.queues[0]
	runner.execute(ctx, cfg, job)

	backdateDelayed(t, broker, QueueAudit)
	if err := broker.promoteDue(ctx, QueueAudit); err != nil {
		t.Fatalf("promote: %v", err)
	}
	next, err := broker.lease(ctx, QueueAudit, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if next == nil {
		t.Fatal("expected retried job on ready list")
	}
	runner.execute(ctx, cfg, *next)

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("expected attempts [1 2], got %v", attempts)
	}
	names := appender.names("audit__p1__a1")
	if !containsEvent(names, types.EventWorkerFailed) {
		t.Fatalf("missing worker-failed event, got %v", names)
	}
	if !containsEvent(names, types.EventWorkerCompleted) {
		t.Fatalf("missing worker-completed event, got %v", names)
	}
}

func TestRunnerFailsPermanentlyAfterAttemptBudget(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()
	appender := &stubAppender{}
	runner := NewRunner(broker, appender, nil, log.NewProcessLogger())

	if err := runner.Register(QueueConfig{
		Name: QueueVerify,
		Handler: func(context.Context, Job) error {
			return errors.New("persistent failure")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := runner.queues[0]

	if err := broker.Enqueue(ctx, QueueVerify, "verify__p1__a1", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Final attempt: the budget is spent, so no retry is scheduled and
	// the live key is released.
	job := Job{Queue: QueueVerify, ID: "verify__p1__a1", Payload: "{}", Attempt: DefaultMaxAttempts}
	runner.execute(ctx, cfg, job)

	if mr.Exists(liveKey(QueueVerify, "verify__p1__a1")) {
		t.Fatal("live key should be released after permanent failure")
	}
	delayed, _ := mr.ZMembers(delayedKey(QueueVerify))
	if len(delayed) != 0 {
		t.Fatalf("expected no scheduled retry, got %d", len(delayed))
	}
}

func TestRunnerTimesOutSlowHandler(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()
	appender := &stubAppender{}
	runner := NewRunner(broker, appender, nil, log.NewProcessLogger())

	if err := runner.Register(QueueConfig{
		Name:     QueuePdf,
		Deadline: 20 * time.Millisecond,
		Handler: func(hctx context.Context, _ Job) error {
			<-hctx.Done()
			return hctx.Err()
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := runner.queues[0]

	if err := broker.Enqueue(ctx, QueuePdf, "pdf__a1__client", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job := Job{Queue: QueuePdf, ID: "pdf__a1__client", Payload: "{}", Attempt: 1}
	runner.execute(ctx, cfg, job)

	names := appender.names("pdf__a1__client")
	if !containsEvent(names, types.EventTimeout) {
		t.Fatalf("missing timeout event, got %v", names)
	}
	if mr.Exists(liveKey(QueuePdf, "pdf__a1__client")) {
		t.Fatal("live key should be released after timeout")
	}
	delayed, _ := mr.ZMembers(delayedKey(QueuePdf))
	if len(delayed) != 0 {
		t.Fatalf("timeout must not schedule a retry, got %d delayed", len(delayed))
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.attempt); got != tc.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func containsEvent(names []types.EventName, want types.EventName) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// backdateDelayed rewrites every delayed-set score to the distant past so
// the next promoteDue picks the members up without sleeping.
func backdateDelayed(t *testing.T, broker *Broker, queue string) {
	t.Helper()
	ctx := context.Background()
	members, err := broker.client.ZRange(ctx, delayedKey(queue), 0, -1).Result()
	if err != nil {
		t.Fatalf("read delayed set: %v", err)
	}
	if len(members) == 0 {
		t.Fatal("expected a scheduled retry on the delayed set")
	}
	for _, m := range members {
		if err := broker.client.ZAdd(ctx, delayedKey(queue), goredis.Z{Score: 0, Member: m}).Err(); err != nil {
			t.Fatalf("backdate delayed member: %v", err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
