package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName identifies the kind of a JobEvent.
type EventName string

// Event names appended by stage handlers.
const (
	EventStarted     EventName = "started"
	EventProgress    EventName = "progress"
	EventSandboxStep EventName = "sandbox-step"
	EventCompleted   EventName = "completed"
	EventFailed      EventName = "failed"
)

// Event names appended by the queue runtime itself.
const (
	EventWorkerStarted   EventName = "worker-started"
	EventWorkerCompleted EventName = "worker-completed"
	EventWorkerFailed    EventName = "worker-failed"
	EventTimeout         EventName = "timeout"
)

// JobEvent is one append-only entry in the durable event log.
// It serves both history and live streaming to subscribers.
type JobEvent struct {
	ID        int64     `db:"id"`
	Queue     string    `db:"queue"`
	JobID     string    `db:"job_id"`
	Event     EventName `db:"event"`
	Payload   string    `db:"payload"` // JSON at the wire format
	CreatedAt time.Time `db:"created_at"`
}

// VerifyPhase is the phase carried by verify-queue progress payloads.
type VerifyPhase string

// Verify phases.
const (
	PhasePlanReady        VerifyPhase = "plan-ready"
	PhaseSecurityScan     VerifyPhase = "security-scan"
	PhaseSandboxRunning   VerifyPhase = "sandbox-running"
	PhaseSandboxCompleted VerifyPhase = "sandbox-completed"
	PhaseSandboxFailed    VerifyPhase = "sandbox-failed"
	PhaseSandboxSkipped   VerifyPhase = "sandbox-skipped"
)

// AuditPhase is the phase carried by audit-queue progress payloads.
type AuditPhase string

// Audit phases.
const (
	PhaseAgentDiscovery    AuditPhase = "agent-discovery"
	PhaseAgentValidation   AuditPhase = "agent-validation"
	PhaseAgentSynthesis    AuditPhase = "agent-synthesis"
	PhaseReportQualityGate AuditPhase = "report-quality-gate"
)

// EventPayload is a tagged variant encoded to JSON at the bus boundary.
// Freeform JSON exists only on the wire; in-process code passes one of
// the concrete payload types below.
type EventPayload interface {
	payloadKind() string
}

// PlanReadyPayload announces the sandbox plan for a verify job.
type PlanReadyPayload struct {
	Kind       string      `json:"kind"`
	Phase      VerifyPhase `json:"phase"`
	Adapter    string      `json:"adapter"`
	TotalSteps int         `json:"total_steps"`
	StepIDs    []string    `json:"step_ids"`
}

func (PlanReadyPayload) payloadKind() string { return "plan-ready" }

// SandboxStepPayload reports one step status change plus a snapshot of
// all step statuses.
type SandboxStepPayload struct {
	Kind         string                `json:"kind"`
	Phase        VerifyPhase           `json:"phase"`
	Adapter      string                `json:"adapter"`
	TotalSteps   int                   `json:"total_steps"`
	CurrentStep  string                `json:"current_step"`
	StepStatuses map[string]StepStatus `json:"step_statuses"`
}

func (SandboxStepPayload) payloadKind() string { return "sandbox-step" }

// SecurityScanPayload reports security-scan progress inside verify.
type SecurityScanPayload struct {
	Kind    string      `json:"kind"`
	Phase   VerifyPhase `json:"phase"`
	Scanner string      `json:"scanner"`
	Summary string      `json:"summary"`
}

func (SecurityScanPayload) payloadKind() string { return "security-scan" }

// AgentPhasePayload reports audit-stage agent progress.
type AgentPhasePayload struct {
	Kind    string     `json:"kind"`
	Phase   AuditPhase `json:"phase"`
	ModelID string     `json:"model_id,omitempty"`
	Detail  string     `json:"detail,omitempty"`
}

func (AgentPhasePayload) payloadKind() string { return "agent-phase" }

// FailurePayload carries the error recorded on failed events.
type FailurePayload struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Timeout bool   `json:"timeout,omitempty"`
}

func (FailurePayload) payloadKind() string { return "failure" }

// WorkerPayload is the opaque payload of queue-runtime events.
type WorkerPayload struct {
	Kind    string `json:"kind"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

func (WorkerPayload) payloadKind() string { return "worker" }

// EncodePayload encodes a tagged payload to its JSON wire form,
// stamping the kind tag from the variant itself.
func EncodePayload(p EventPayload) (string, error) {
	switch v := p.(type) {
	case PlanReadyPayload:
		v.Kind = v.payloadKind()
		p = v
	case SandboxStepPayload:
		v.Kind = v.payloadKind()
		p = v
	case SecurityScanPayload:
		v.Kind = v.payloadKind()
		p = v
	case AgentPhasePayload:
		v.Kind = v.payloadKind()
		p = v
	case FailurePayload:
		v.Kind = v.payloadKind()
		p = v
	case WorkerPayload:
		v.Kind = v.payloadKind()
		p = v
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode event payload: %w", err)
	}
	return string(b), nil
}

// DecodePayload decodes a JSON wire payload back into its tagged variant.
// Unknown kinds return an error; callers treat the payload as opaque then.
func DecodePayload(raw string) (EventPayload, error) {
	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(raw), &tag); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	switch tag.Kind {
	case "plan-ready":
		var p PlanReadyPayload
		err := json.Unmarshal([]byte(raw), &p)
		return p, err
	case "sandbox-step":
		var p SandboxStepPayload
		err := json.Unmarshal([]byte(raw), &p)
		return p, err
	case "security-scan":
		var p SecurityScanPayload
		err := json.Unmarshal([]byte(raw), &p)
		return p, err
	case "agent-phase":
		var p AgentPhasePayload
		err := json.Unmarshal([]byte(raw), &p)
		return p, err
	case "failure":
		var p FailurePayload
		err := json.Unmarshal([]byte(raw), &p)
		return p, err
	case "worker":
		var p WorkerPayload
		err := json.Unmarshal([]byte(raw), &p)
		return p, err
	default:
		return nil, fmt.Errorf("decode event payload: unknown kind %q", tag.Kind)
	}
}
