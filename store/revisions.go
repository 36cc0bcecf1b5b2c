package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// CreateRevision inserts a new immutable revision.
func (s *Store) CreateRevision(ctx context.Context, projectID string, parent *string, source types.RevisionSource, description string) (*types.Revision, error) {
	r := &types.Revision{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		ParentRevisionID: parent,
		Source:           source,
		IsImmutable:      true,
		Description:      description,
	}
	const q = `
		INSERT INTO revisions (id, project_id, parent_revision_id, source, is_immutable, description)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.ExecContext(ctx, q, r.ID, r.ProjectID, r.ParentRevisionID, r.Source, r.IsImmutable, r.Description); err != nil {
		return nil, fmt.Errorf("create revision: %w", err)
	}
	return r, nil
}

// GetRevision returns a revision by id.
func (s *Store) GetRevision(ctx context.Context, id string) (*types.Revision, error) {
	var r types.Revision
	err := s.db.GetContext(ctx, &r, `SELECT * FROM revisions WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &r, nil
}

// UpsertRevisionFile inserts or updates the (revision, path) row.
// The path must already be normalized by the caller.
func (s *Store) UpsertRevisionFile(ctx context.Context, f *types.RevisionFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO revision_files (id, revision_id, path, blob_id, language, is_test_file)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (revision_id, path)
		DO UPDATE SET blob_id = EXCLUDED.blob_id,
		              language = EXCLUDED.language,
		              is_test_file = EXCLUDED.is_test_file`
	if _, err := s.db.ExecContext(ctx, q, f.ID, f.RevisionID, f.Path, f.BlobID, f.Language, f.IsTestFile); err != nil {
		return fmt.Errorf("upsert revision file: %w", err)
	}
	return nil
}

// ClearRevisionFiles deletes all revision-file rows for a revision.
// Blobs are kept: they may be shared with other revisions.
func (s *Store) ClearRevisionFiles(ctx context.Context, revisionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM revision_files WHERE revision_id = $1`, revisionID); err != nil {
		return fmt.Errorf("clear revision files: %w", err)
	}
	return nil
}

// ListRevisionFiles returns all files of a revision ordered by path.
func (s *Store) ListRevisionFiles(ctx context.Context, revisionID string) ([]types.RevisionFile, error) {
	var files []types.RevisionFile
	const q = `SELECT * FROM revision_files WHERE revision_id = $1 ORDER BY path`
	if err := s.db.SelectContext(ctx, &files, q, revisionID); err != nil {
		return nil, fmt.Errorf("list revision files: %w", err)
	}
	return files, nil
}
