package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// GetWorkingCopy returns a working copy by id.
func (s *Store) GetWorkingCopy(ctx context.Context, id string) (*types.WorkingCopy, error) {
	var wc types.WorkingCopy
	err := s.db.GetContext(ctx, &wc, `SELECT * FROM working_copies WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &wc, nil
}

// GetActiveWorkingCopy returns the active working copy for (owner, base
// revision), or ErrNotFound.
func (s *Store) GetActiveWorkingCopy(ctx context.Context, ownerID, baseRevisionID string) (*types.WorkingCopy, error) {
	var wc types.WorkingCopy
	const q = `
		SELECT * FROM working_copies
		WHERE owner_id = $1 AND base_revision_id = $2 AND status = 'active'`
	err := s.db.GetContext(ctx, &wc, q, ownerID, baseRevisionID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &wc, nil
}

// ListWorkingCopyFiles returns the inline files of a working copy ordered
// by path.
func (s *Store) ListWorkingCopyFiles(ctx context.Context, workingCopyID string) ([]types.WorkingCopyFile, error) {
	var files []types.WorkingCopyFile
	const q = `SELECT * FROM working_copy_files WHERE working_copy_id = $1 ORDER BY path`
	if err := s.db.SelectContext(ctx, &files, q, workingCopyID); err != nil {
		return nil, fmt.Errorf("list working copy files: %w", err)
	}
	return files, nil
}

// InsertWorkingCopyWithFiles inserts a working copy plus its files in one
// transaction. A lost race on the active-uniqueness index is resolved by
// re-reading the existing row, returned via ConflictError.ExistingID.
func (s *Store) InsertWorkingCopyWithFiles(ctx context.Context, wc *types.WorkingCopy, files []types.WorkingCopyFile) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		const q = `
			INSERT INTO working_copies (id, project_id, base_revision_id, owner_id, status)
			VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.ExecContext(ctx, q, wc.ID, wc.ProjectID, wc.BaseRevisionID, wc.OwnerID, wc.Status); err != nil {
			return err
		}
		for i := range files {
			f := &files[i]
			if f.ID == "" {
				f.ID = uuid.NewString()
			}
			f.WorkingCopyID = wc.ID
			const fq = `
				INSERT INTO working_copy_files (id, working_copy_id, path, content, language, is_test_file)
				VALUES ($1, $2, $3, $4, $5, $6)`
			if _, err := tx.ExecContext(ctx, fq, f.ID, f.WorkingCopyID, f.Path, f.Content, f.Language, f.IsTestFile); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if isUniqueViolation(err, "working_copies_active_key") {
		existing, readErr := s.GetActiveWorkingCopy(ctx, wc.OwnerID, wc.BaseRevisionID)
		if readErr != nil {
			return fmt.Errorf("working copy conflict re-read failed: %w", readErr)
		}
		return &ConflictError{Constraint: "working_copies_active_key", ExistingID: existing.ID}
	}
	return fmt.Errorf("insert working copy: %w", err)
}

// UpsertWorkingCopyFile inserts or updates one inline file in a working copy.
func (s *Store) UpsertWorkingCopyFile(ctx context.Context, f *types.WorkingCopyFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO working_copy_files (id, working_copy_id, path, content, language, is_test_file)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (working_copy_id, path)
		DO UPDATE SET content = EXCLUDED.content,
		              language = EXCLUDED.language,
		              is_test_file = EXCLUDED.is_test_file,
		              updated_at = now()`
	if _, err := s.db.ExecContext(ctx, q, f.ID, f.WorkingCopyID, f.Path, f.Content, f.Language, f.IsTestFile); err != nil {
		return fmt.Errorf("upsert working copy file: %w", err)
	}
	return nil
}

// ArchiveWorkingCopy marks a working copy archived.
func (s *Store) ArchiveWorkingCopy(ctx context.Context, id string) error {
	const q = `UPDATE working_copies SET status = 'archived', updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("archive working copy: %w", err)
	}
	return nil
}

// SnapshotParams configures a working-copy snapshot.
type SnapshotParams struct {
	Project         *types.Project
	WorkingCopy     *types.WorkingCopy
	Files           []types.WorkingCopyFile
	BlobIDsByPath   map[string]string // blobs already ensured through the content store
	RequestedBy     string
	Profile         types.AuditProfile
	PrimaryModelID  string
	FallbackModelID string
}

// SnapshotWorkingCopy creates, in a single transaction, a new revision
// (source working-copy, parent = base revision), revision files pointing at
// already-stored blobs, and a queued audit run. A violation of the
// single-active index fails with ConflictError carrying the existing run id.
func (s *Store) SnapshotWorkingCopy(ctx context.Context, p SnapshotParams) (*types.Revision, *types.AuditRun, error) {
	rev := &types.Revision{
		ID:               uuid.NewString(),
		ProjectID:        p.Project.ID,
		ParentRevisionID: &p.WorkingCopy.BaseRevisionID,
		Source:           types.RevisionSourceWorkingCopy,
		IsImmutable:      true,
		Description:      "working copy snapshot",
	}
	run := &types.AuditRun{
		ID:                  uuid.NewString(),
		ProjectID:           p.Project.ID,
		RevisionID:          rev.ID,
		Status:              types.AuditQueued,
		Profile:             p.Profile,
		EngineVersion:       types.EngineVersion,
		ReportSchemaVersion: types.ReportSchemaVersion,
		RequestedBy:         p.RequestedBy,
		PrimaryModelID:      p.PrimaryModelID,
		FallbackModelID:     p.FallbackModelID,
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		const rq = `
			INSERT INTO revisions (id, project_id, parent_revision_id, source, is_immutable, description)
			VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := tx.ExecContext(ctx, rq, rev.ID, rev.ProjectID, rev.ParentRevisionID, rev.Source, rev.IsImmutable, rev.Description); err != nil {
			return err
		}

		for _, f := range p.Files {
			blobID, ok := p.BlobIDsByPath[f.Path]
			if !ok {
				return fmt.Errorf("no blob for working copy file %q", f.Path)
			}
			const fq = `
				INSERT INTO revision_files (id, revision_id, path, blob_id, language, is_test_file)
				VALUES ($1, $2, $3, $4, $5, $6)`
			if _, err := tx.ExecContext(ctx, fq, uuid.NewString(), rev.ID, f.Path, blobID, f.Language, f.IsTestFile); err != nil {
				return err
			}
		}

		const aq = `
			INSERT INTO audit_runs (id, project_id, revision_id, status, profile, engine_version,
			                        report_schema_version, requested_by, primary_model_id, fallback_model_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		_, err := tx.ExecContext(ctx, aq, run.ID, run.ProjectID, run.RevisionID, run.Status, run.Profile,
			run.EngineVersion, run.ReportSchemaVersion, run.RequestedBy, run.PrimaryModelID, run.FallbackModelID)
		return err
	})
	if err == nil {
		return rev, run, nil
	}
	if isUniqueViolation(err, "audit_runs_single_active_key") {
		existing, readErr := s.GetActiveAuditRun(ctx, p.Project.ID)
		if readErr != nil {
			return nil, nil, fmt.Errorf("active run conflict re-read failed: %w", readErr)
		}
		return nil, nil, &ConflictError{Constraint: "audit_runs_single_active_key", ExistingID: existing.ID}
	}
	return nil, nil, fmt.Errorf("snapshot working copy: %w", err)
}
