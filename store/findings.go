package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// GetFindingByFingerprint returns the finding for (project, fingerprint).
func (s *Store) GetFindingByFingerprint(ctx context.Context, projectID, fingerprint string) (*types.Finding, error) {
	var f types.Finding
	const q = `SELECT * FROM findings WHERE project_id = $1 AND fingerprint = $2`
	err := s.db.GetContext(ctx, &f, q, projectID, fingerprint)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &f, nil
}

// InsertFinding inserts a new finding row opened at the given revision.
// A lost race on (project, fingerprint) is resolved by re-reading the winner.
func (s *Store) InsertFinding(ctx context.Context, f *types.Finding) (*types.Finding, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO findings (id, project_id, fingerprint, title, current_status, first_seen_revision, last_seen_revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, q, f.ID, f.ProjectID, f.Fingerprint, f.Title, f.CurrentStatus, f.FirstSeenRevision, f.LastSeenRevision)
	if err == nil {
		return f, nil
	}
	if isUniqueViolation(err, "findings_project_fingerprint_key") {
		return s.GetFindingByFingerprint(ctx, f.ProjectID, f.Fingerprint)
	}
	return nil, fmt.Errorf("insert finding: %w", err)
}

// UpdateFindingStatus sets a finding's current status and last-seen revision.
func (s *Store) UpdateFindingStatus(ctx context.Context, findingID string, status types.FindingStatus, lastSeenRevision string) error {
	const q = `
		UPDATE findings SET current_status = $2,
		                    last_seen_revision = COALESCE(NULLIF($3, ''), last_seen_revision),
		                    updated_at = now()
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, findingID, status, lastSeenRevision); err != nil {
		return fmt.Errorf("update finding status: %w", err)
	}
	return nil
}

// UpsertFindingInstance records a finding inside one audit run, overwriting
// severity and payload on re-execution. Keyed on (finding, auditRun).
func (s *Store) UpsertFindingInstance(ctx context.Context, inst *types.FindingInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO finding_instances (id, finding_id, audit_run_id, severity, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (finding_id, audit_run_id)
		DO UPDATE SET severity = EXCLUDED.severity, payload = EXCLUDED.payload`
	if _, err := s.db.ExecContext(ctx, q, inst.ID, inst.FindingID, inst.AuditRunID, inst.Severity, inst.Payload); err != nil {
		return fmt.Errorf("upsert finding instance: %w", err)
	}
	return nil
}

// ListFindingInstancesByRun returns the instances recorded for a run.
func (s *Store) ListFindingInstancesByRun(ctx context.Context, auditRunID string) ([]types.FindingInstance, error) {
	var out []types.FindingInstance
	const q = `SELECT * FROM finding_instances WHERE audit_run_id = $1 ORDER BY created_at, id`
	if err := s.db.SelectContext(ctx, &out, q, auditRunID); err != nil {
		return nil, fmt.Errorf("list finding instances: %w", err)
	}
	return out, nil
}

// GetFinding returns a finding by id.
func (s *Store) GetFinding(ctx context.Context, id string) (*types.Finding, error) {
	var f types.Finding
	err := s.db.GetContext(ctx, &f, `SELECT * FROM findings WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &f, nil
}

// InsertFindingTransition records a labeled change between two runs.
// Duplicate inserts from retried handlers are ignored.
func (s *Store) InsertFindingTransition(ctx context.Context, tr *types.FindingTransition) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO finding_transitions (id, finding_id, from_audit_run_id, to_audit_run_id, transition)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (finding_id, from_audit_run_id, to_audit_run_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, tr.ID, tr.FindingID, tr.FromAuditRunID, tr.ToAuditRunID, tr.Transition); err != nil {
		return fmt.Errorf("insert finding transition: %w", err)
	}
	return nil
}
