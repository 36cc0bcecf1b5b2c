package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxEventLine bounds a single NDJSON event line; step stdout/stderr are
// carried inline by the runner.
const maxEventLine = 4 * 1024 * 1024

// StepResult is the runner's record of one executed step.
type StepResult struct {
	StepID     string `json:"stepId"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// StreamEvent is one NDJSON event from the runner:
// started, step-started, step-finished, completed, error.
type StreamEvent struct {
	Event   string       `json:"event"`
	StepID  string       `json:"stepId,omitempty"`
	Action  string       `json:"action,omitempty"`
	Result  *StepResult  `json:"result,omitempty"`
	Results []StepResult `json:"results,omitempty"` // on completed
	Message string       `json:"message,omitempty"` // on error
}

// ProgressFunc receives every stream event as it arrives.
type ProgressFunc func(ev StreamEvent)

// decodeStream consumes an NDJSON event stream, delivering each event to
// onEvent, and returns the step results carried by the terminal
// `completed` event. A terminal `error` event or a stream that ends
// without one fails the call.
func decodeStream(r io.Reader, onEvent ProgressFunc) ([]StepResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("malformed stream event: %w", err)
		}
		if onEvent != nil {
			onEvent(ev)
		}
		switch ev.Event {
		case "completed":
			return ev.Results, nil
		case "error":
			return nil, fmt.Errorf("runner reported error: %s", ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("event stream read: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a completed event")
}
