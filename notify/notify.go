// Package notify defines the completion notifier boundary.
//
// Notifiers deliver audit-run completion notifications to downstream
// systems. The pipeline owns notifier lifecycle; deployments provide
// configuration only.
package notify

import (
	"context"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// ContractVersion identifies the notification payload shape.
const ContractVersion = "1.0"

// AuditCompletedEvent is the payload published when an audit run reaches
// a terminal state.
type AuditCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "audit_completed"
	AuditRunID      string `json:"audit_run_id"`
	ProjectID       string `json:"project_id"`
	RevisionID      string `json:"revision_id"`
	Status          string `json:"status"` // completed, failed, cancelled
	Profile         string `json:"profile"`
	EngineVersion   string `json:"engine_version"`
	FindingCount    int    `json:"finding_count"`
	FailureReason   string `json:"failure_reason,omitempty"`
	Timestamp       string `json:"timestamp"` // ISO 8601
}

// NewAuditCompletedEvent builds the notification payload for a terminal run.
func NewAuditCompletedEvent(run *types.AuditRun, findingCount int, timestamp string) *AuditCompletedEvent {
	ev := &AuditCompletedEvent{
		ContractVersion: ContractVersion,
		EventType:       "audit_completed",
		AuditRunID:      run.ID,
		ProjectID:       run.ProjectID,
		RevisionID:      run.RevisionID,
		Status:          string(run.Status),
		Profile:         string(run.Profile),
		EngineVersion:   run.EngineVersion,
		FindingCount:    findingCount,
		Timestamp:       timestamp,
	}
	if run.FailureReason != nil {
		ev.FailureReason = *run.FailureReason
	}
	return ev
}

// Notifier delivers audit completion events to a downstream system.
type Notifier interface {
	// Publish sends a completion event. Must respect context cancellation
	// and deadlines.
	Publish(ctx context.Context, event *AuditCompletedEvent) error

	// Close releases notifier resources.
	Close() error
}
