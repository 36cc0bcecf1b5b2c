package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/blob"
	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/retry"
)

type call struct {
	Model string
}

type stubCompleter struct {
	mu       sync.Mutex
	calls    []call
	response string
	// failures maps a model to how many leading calls fail for it.
	failures map[string]int
	failErr  error
}

func (s *stubCompleter) Complete(_ context.Context, model, _, _ string, _ int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{Model: model})
	if s.failures[model] > 0 {
		s.failures[model]--
		return "", s.failErr
	}
	return s.response, nil
}

func (s *stubCompleter) callsFor(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Model == model {
			n++
		}
	}
	return n
}

func newFastClient(completer Completer, objects blob.ObjectStore) *Client {
	c := NewClient(completer, objects, nil, log.NewProcessLogger())
	c.policy = retry.Policy{
		MaxAttempts: retriesPerModel,
		BaseDelay:   time.Millisecond,
		Backoff:     retry.BackoffExponential,
		IsRetryable: IsRetryable,
	}
	return c
}

func auditRequest() Request {
	return Request{
		AuditRunID:    "run-1",
		PrimaryModel:  "primary-model",
		FallbackModel: "fallback-model",
		System:        "You are a smart contract auditor.",
		Prompt:        "Audit this contract.",
	}
}

func TestGeneratePrimarySuccess(t *testing.T) {
	objects := blob.NewStubObjectStore()
	completer := &stubCompleter{response: `{"findings":[]}`}
	client := newFastClient(completer, objects)

	res, err := client.Generate(context.Background(), auditRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.ModelID != "primary-model" || res.UsedFallback {
		t.Fatalf("unexpected result %+v", res)
	}
	if !objects.Has("audits/run-1/prompt.txt") {
		t.Error("prompt artifact missing")
	}
	if !objects.Has("audits/run-1/model-result.json") {
		t.Error("result artifact missing")
	}
	if objects.Has("audits/run-1/primary-error.json") {
		t.Error("primary error artifact must not exist on success")
	}
}

func TestGenerateRetriesRetryableErrors(t *testing.T) {
	objects := blob.NewStubObjectStore()
	completer := &stubCompleter{
		response: `{"findings":[]}`,
		failures: map[string]int{"primary-model": 2},
		failErr:  errors.New("connection reset"),
	}
	client := newFastClient(completer, objects)

	res, err := client.Generate(context.Background(), auditRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.UsedFallback {
		t.Fatal("primary must win within its retry budget")
	}
	if got := completer.callsFor("primary-model"); got != 3 {
		t.Fatalf("expected 3 primary attempts, got %d", got)
	}
}

func TestGenerateFallsBackAfterPrimaryBudget(t *testing.T) {
	objects := blob.NewStubObjectStore()
	completer := &stubCompleter{
		response: `{"findings":[]}`,
		failures: map[string]int{"primary-model": 10},
		failErr:  errors.New("overloaded"),
	}
	client := newFastClient(completer, objects)

	res, err := client.Generate(context.Background(), auditRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.UsedFallback || res.ModelID != "fallback-model" {
		t.Fatalf("expected fallback result, got %+v", res)
	}
	if got := completer.callsFor("primary-model"); got != 3 {
		t.Fatalf("expected 3 primary attempts, got %d", got)
	}
	if got := completer.callsFor("fallback-model"); got != 1 {
		t.Fatalf("expected 1 fallback attempt, got %d", got)
	}
	if !objects.Has("audits/run-1/primary-error.json") {
		t.Error("primary error artifact missing after fallback")
	}
	if !objects.Has("audits/run-1/model-result.json") {
		t.Error("result artifact missing after fallback")
	}
}

func TestGenerateFailsWhenBothModelsFail(t *testing.T) {
	completer := &stubCompleter{
		failures: map[string]int{"primary-model": 10, "fallback-model": 10},
		failErr:  errors.New("overloaded"),
	}
	client := newFastClient(completer, blob.NewStubObjectStore())

	_, err := client.Generate(context.Background(), auditRequest())
	if err == nil {
		t.Fatal("expected error when both models fail")
	}
}

func TestGenerateNoFallbackConfigured(t *testing.T) {
	completer := &stubCompleter{
		failures: map[string]int{"primary-model": 10},
		failErr:  errors.New("overloaded"),
	}
	client := newFastClient(completer, blob.NewStubObjectStore())

	req := auditRequest()
	req.FallbackModel = ""
	_, err := client.Generate(context.Background(), req)
	if err == nil {
		t.Fatal("expected error without fallback")
	}
	if got := completer.callsFor("fallback-model"); got != 0 {
		t.Fatalf("no fallback calls expected, got %d", got)
	}
}

func TestArtifactFailureDoesNotFailGenerate(t *testing.T) {
	objects := blob.NewStubObjectStore()
	objects.PutErr = errors.New("storage unavailable")
	completer := &stubCompleter{response: `{"findings":[]}`}
	client := newFastClient(completer, objects)

	if _, err := client.Generate(context.Background(), auditRequest()); err != nil {
		t.Fatalf("artifact capture failure must not fail generation: %v", err)
	}
}
