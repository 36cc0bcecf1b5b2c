package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// InsertVerificationStep appends a verification step record.
// Writes are append-only; duplicates from retried handlers are tolerated
// by consumers (latest wins on created_at ordering).
func (s *Store) InsertVerificationStep(ctx context.Context, step *types.VerificationStep) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO verification_steps (id, audit_run_id, step_type, status, stdout_key, stderr_key, summary, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.db.ExecContext(ctx, q, step.ID, step.AuditRunID, step.StepType, step.Status,
		step.StdoutKey, step.StderrKey, step.Summary, step.DurationMs); err != nil {
		return fmt.Errorf("insert verification step: %w", err)
	}
	return nil
}

// ListVerificationSteps returns all step records for a run, newest last.
func (s *Store) ListVerificationSteps(ctx context.Context, auditRunID string) ([]types.VerificationStep, error) {
	var steps []types.VerificationStep
	const q = `SELECT * FROM verification_steps WHERE audit_run_id = $1 ORDER BY created_at, id`
	if err := s.db.SelectContext(ctx, &steps, q, auditRunID); err != nil {
		return nil, fmt.Errorf("list verification steps: %w", err)
	}
	return steps, nil
}

// UpsertPdfExport inserts or refreshes the (auditRun, variant) export row.
func (s *Store) UpsertPdfExport(ctx context.Context, exp *types.PdfExport) error {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO pdf_exports (id, audit_run_id, variant, status, storage_key, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (audit_run_id, variant)
		DO UPDATE SET status = EXCLUDED.status,
		              storage_key = EXCLUDED.storage_key,
		              generated_at = EXCLUDED.generated_at`
	if _, err := s.db.ExecContext(ctx, q, exp.ID, exp.AuditRunID, exp.Variant, exp.Status, exp.StorageKey, exp.GeneratedAt); err != nil {
		return fmt.Errorf("upsert pdf export: %w", err)
	}
	return nil
}

// ListExpiredPdfExports returns completed exports generated before cutoff.
func (s *Store) ListExpiredPdfExports(ctx context.Context, cutoff time.Time) ([]types.PdfExport, error) {
	var out []types.PdfExport
	const q = `
		SELECT * FROM pdf_exports
		WHERE status = 'completed' AND generated_at < $1`
	if err := s.db.SelectContext(ctx, &out, q, cutoff); err != nil {
		return nil, fmt.Errorf("list expired pdf exports: %w", err)
	}
	return out, nil
}

// DeletePdfExport removes an export row after its object is deleted.
func (s *Store) DeletePdfExport(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pdf_exports WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete pdf export: %w", err)
	}
	return nil
}

// GetUpload returns an upload by id.
func (s *Store) GetUpload(ctx context.Context, id string) (*types.Upload, error) {
	var u types.Upload
	err := s.db.GetContext(ctx, &u, `SELECT * FROM uploads WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &u, nil
}

// SetUploadStatus transitions an upload's processing status.
func (s *Store) SetUploadStatus(ctx context.Context, id string, status types.UploadStatus) error {
	const q = `UPDATE uploads SET status = $2, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id, status); err != nil {
		return fmt.Errorf("set upload status: %w", err)
	}
	return nil
}

// ListStaleUploads returns uploads stuck in a non-processed state since
// before cutoff. Retention deletes their objects and rows.
func (s *Store) ListStaleUploads(ctx context.Context, cutoff time.Time) ([]types.Upload, error) {
	var out []types.Upload
	const q = `
		SELECT * FROM uploads
		WHERE status <> 'processed' AND updated_at < $1`
	if err := s.db.SelectContext(ctx, &out, q, cutoff); err != nil {
		return nil, fmt.Errorf("list stale uploads: %w", err)
	}
	return out, nil
}

// DeleteUpload removes an upload row after its object is deleted.
func (s *Store) DeleteUpload(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}
