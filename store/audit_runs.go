package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// CreateAuditRun inserts a queued audit run.
// A violation of the single-active index fails with ConflictError carrying
// the existing active run's id.
func (s *Store) CreateAuditRun(ctx context.Context, run *types.AuditRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = types.AuditQueued
	const q = `
		INSERT INTO audit_runs (id, project_id, revision_id, status, profile, engine_version,
		                        report_schema_version, requested_by, primary_model_id, fallback_model_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, q, run.ID, run.ProjectID, run.RevisionID, run.Status, run.Profile,
		run.EngineVersion, run.ReportSchemaVersion, run.RequestedBy, run.PrimaryModelID, run.FallbackModelID)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err, "audit_runs_single_active_key") {
		existing, readErr := s.GetActiveAuditRun(ctx, run.ProjectID)
		if readErr != nil {
			return fmt.Errorf("active run conflict re-read failed: %w", readErr)
		}
		return &ConflictError{Constraint: "audit_runs_single_active_key", ExistingID: existing.ID}
	}
	return fmt.Errorf("create audit run: %w", err)
}

// GetAuditRun returns an audit run by id.
func (s *Store) GetAuditRun(ctx context.Context, id string) (*types.AuditRun, error) {
	var run types.AuditRun
	err := s.db.GetContext(ctx, &run, `SELECT * FROM audit_runs WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &run, nil
}

// GetActiveAuditRun returns the queued or running run for a project.
func (s *Store) GetActiveAuditRun(ctx context.Context, projectID string) (*types.AuditRun, error) {
	var run types.AuditRun
	const q = `
		SELECT * FROM audit_runs
		WHERE project_id = $1 AND status IN ('queued', 'running')`
	err := s.db.GetContext(ctx, &run, q, projectID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &run, nil
}

// GetPreviousCompletedRun returns the most recent completed run for the
// project that finished before the given run was created, or ErrNotFound.
func (s *Store) GetPreviousCompletedRun(ctx context.Context, projectID, beforeRunID string) (*types.AuditRun, error) {
	var run types.AuditRun
	const q = `
		SELECT * FROM audit_runs
		WHERE project_id = $1
		  AND status = 'completed'
		  AND id <> $2
		  AND (created_at, id) < (SELECT created_at, id FROM audit_runs WHERE id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	err := s.db.GetContext(ctx, &run, q, projectID, beforeRunID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &run, nil
}

// MarkAuditRunRunning moves a queued run to running and stamps startedAt.
// Returns ErrNotFound if the run is not in the queued state (already
// started or terminal), so retried handlers short-circuit.
func (s *Store) MarkAuditRunRunning(ctx context.Context, id string) error {
	const q = `
		UPDATE audit_runs SET status = 'running', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status IN ('queued', 'running')`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAuditRunCompleted moves a running run to completed with its report.
func (s *Store) MarkAuditRunCompleted(ctx context.Context, id, reportJSON string) error {
	const q = `
		UPDATE audit_runs SET status = 'completed', report_json = $2, finished_at = now()
		WHERE id = $1 AND status = 'running'`
	res, err := s.db.ExecContext(ctx, q, id, reportJSON)
	if err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAuditRunFailed moves a non-terminal run to failed with a reason.
// Marking an already-terminal run is a no-op, so retries stay safe.
func (s *Store) MarkAuditRunFailed(ctx context.Context, id, reason string) error {
	const q = `
		UPDATE audit_runs SET status = 'failed', failure_reason = $2, finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`
	if _, err := s.db.ExecContext(ctx, q, id, reason); err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	return nil
}

// MarkAuditRunCancelled moves a non-terminal run to cancelled.
// Only the admin/retention surface calls this; the pipeline never does.
func (s *Store) MarkAuditRunCancelled(ctx context.Context, id string) error {
	const q = `
		UPDATE audit_runs SET status = 'cancelled', finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("mark run cancelled: %w", err)
	}
	return nil
}

// ListCompletedRunsSince returns completed runs created at or after the
// cutoff, oldest first. Used by the comparison surface.
func (s *Store) ListCompletedRunsSince(ctx context.Context, projectID string, cutoff time.Time) ([]types.AuditRun, error) {
	var runs []types.AuditRun
	const q = `
		SELECT * FROM audit_runs
		WHERE project_id = $1 AND status = 'completed' AND created_at >= $2
		ORDER BY created_at, id`
	if err := s.db.SelectContext(ctx, &runs, q, projectID, cutoff); err != nil {
		return nil, fmt.Errorf("list completed runs: %w", err)
	}
	return runs, nil
}
