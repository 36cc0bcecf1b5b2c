package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/metrics"
)

// timeout shaping constants for runner requests.
const (
	timeoutPadding  = 15 * time.Second
	timeoutFloor    = 120 * time.Second
	deadlineHeadway = 10 * time.Second
)

// UnavailableError marks a runner that could not be reached: network
// failure or client-side timeout. It is not retryable by the job runtime;
// the verify stage records it and finalizes verification as failed.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("sandbox runner unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// invalidActionRe matches the runner's rejection body for a step action
// it does not support.
var invalidActionRe = regexp.MustCompile(`invalid step action: (\S+)`)

// FilePayload is one file shipped to the runner.
type FilePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ExecuteRequest is the runner execution request.
type ExecuteRequest struct {
	WorkspaceID string        `json:"workspaceId"`
	Plan        Plan          `json:"plan"`
	Files       []FilePayload `json:"files"`
}

// ExecuteResult is the outcome of one (possibly resubmitted) execution.
type ExecuteResult struct {
	Results            []StepResult
	UnsupportedActions []string
}

// Client talks to the external sandbox runner.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
	metrics    *metrics.Collector
}

// NewClient creates a runner client. The http.Client's own Timeout is left
// unset; per-request timeouts are derived from the plan.
func NewClient(baseURL string, httpClient *http.Client, collector *metrics.Collector, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		metrics:    collector,
	}
}

// requestTimeout shapes the client-side timeout for one submission:
// the sum of step budgets plus padding, floored, and capped below the
// job's own deadline so the job can still record the failure.
func requestTimeout(ctx context.Context, steps []Step) time.Duration {
	var sum time.Duration
	for _, s := range steps {
		sum += time.Duration(s.TimeoutMs) * time.Millisecond
	}
	timeout := sum + timeoutPadding
	if timeout < timeoutFloor {
		timeout = timeoutFloor
	}
	if deadline, ok := ctx.Deadline(); ok {
		budget := time.Until(deadline) - deadlineHeadway
		if budget > 0 && timeout > budget {
			timeout = budget
		}
	}
	return timeout
}

// Execute submits the plan and files to the runner and streams progress
// through onEvent. When the runner rejects a step action as invalid, the
// client strips every step with that action and resubmits; all stripped
// actions are reported in the result. A plan whose actions are all
// unsupported returns an empty result without a final submission.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, onEvent ProgressFunc) (*ExecuteResult, error) {
	plan := req.Plan
	var unsupported []string

	for {
		if len(plan.Steps) == 0 {
			return &ExecuteResult{UnsupportedActions: unsupported}, nil
		}

		results, rejected, err := c.submit(ctx, ExecuteRequest{
			WorkspaceID: req.WorkspaceID,
			Plan:        plan,
			Files:       req.Files,
		}, onEvent)
		if err != nil {
			return nil, err
		}
		if rejected == "" {
			return &ExecuteResult{Results: results, UnsupportedActions: unsupported}, nil
		}

		if !planHasAction(plan, rejected) {
			return nil, fmt.Errorf("runner rejected action %q not present in plan", rejected)
		}
		c.logger.Warn("runner rejected step action, resubmitting without it", map[string]any{
			"action": rejected,
		})
		c.metrics.IncSandboxDegraded()
		unsupported = append(unsupported, rejected)
		plan = stripAction(plan, rejected)
	}
}

// submit performs one POST /execute. It returns either step results, or
// the rejected action name on an invalid-step-action 400, or an error.
func (c *Client) submit(ctx context.Context, req ExecuteRequest, onEvent ProgressFunc) ([]StepResult, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("encode execute request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout(ctx, req.Plan.Steps))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if strings.Contains(resp.Header.Get("Content-Type"), "application/x-ndjson") {
			results, err := decodeStream(resp.Body, onEvent)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return nil, "", &UnavailableError{Err: err}
				}
				return nil, "", err
			}
			return results, "", nil
		}
		var out struct {
			Results []StepResult `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, "", fmt.Errorf("decode execute response: %w", err)
		}
		return out.Results, "", nil

	case resp.StatusCode == http.StatusBadRequest:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if m := invalidActionRe.FindSubmatch(raw); m != nil {
			return nil, string(m[1]), nil
		}
		return nil, "", fmt.Errorf("runner rejected request: %s", strings.TrimSpace(string(raw)))

	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, "", fmt.Errorf("runner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

func planHasAction(p Plan, action string) bool {
	for _, s := range p.Steps {
		if s.Action == action {
			return true
		}
	}
	return false
}

func stripAction(p Plan, action string) Plan {
	kept := make([]Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.Action != action {
			kept = append(kept, s)
		}
	}
	p.Steps = kept
	return p
}
