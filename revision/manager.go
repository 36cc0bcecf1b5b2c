// Package revision implements the revision model: immutable file-set
// snapshots, mutable per-user working copies, and the snapshot operation
// that turns a working copy into a new revision plus a queued audit run.
package revision

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/1lastphoenix/ton-ai-audit-sub002/store"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// BlobStore is the content-addressed storage surface the manager needs.
type BlobStore interface {
	PutBlob(ctx context.Context, data []byte, mimeType string) (*types.FileBlob, error)
	GetBlobBytes(ctx context.Context, storageKey string) ([]byte, error)
}

// MetadataStore is the relational surface the manager needs.
// *store.Store satisfies it.
type MetadataStore interface {
	GetRevision(ctx context.Context, id string) (*types.Revision, error)
	UpsertRevisionFile(ctx context.Context, f *types.RevisionFile) error
	ClearRevisionFiles(ctx context.Context, revisionID string) error
	ListRevisionFiles(ctx context.Context, revisionID string) ([]types.RevisionFile, error)
	GetBlob(ctx context.Context, id string) (*types.FileBlob, error)

	GetWorkingCopy(ctx context.Context, id string) (*types.WorkingCopy, error)
	GetActiveWorkingCopy(ctx context.Context, ownerID, baseRevisionID string) (*types.WorkingCopy, error)
	ListWorkingCopyFiles(ctx context.Context, workingCopyID string) ([]types.WorkingCopyFile, error)
	InsertWorkingCopyWithFiles(ctx context.Context, wc *types.WorkingCopy, files []types.WorkingCopyFile) error

	SnapshotWorkingCopy(ctx context.Context, p store.SnapshotParams) (*types.Revision, *types.AuditRun, error)
}

// Manager coordinates revisions, working copies, and snapshots.
type Manager struct {
	blobs BlobStore
	meta  MetadataStore
}

// NewManager creates a revision manager.
func NewManager(blobs BlobStore, meta MetadataStore) *Manager {
	return &Manager{blobs: blobs, meta: meta}
}

// FileInput is one file to attach to a revision.
type FileInput struct {
	Path       string
	Content    []byte
	Language   string
	IsTestFile bool
}

// UpsertFile normalizes the path, ensures a content-addressed blob for the
// bytes, and upserts the (revision, path) row pointing at it. Re-upserting
// identical content re-uses the existing blob.
func (m *Manager) UpsertFile(ctx context.Context, revisionID string, in FileInput) (*types.RevisionFile, error) {
	path, err := types.NormalizePath(in.Path)
	if err != nil {
		return nil, fmt.Errorf("upsert revision file %q: %w", in.Path, err)
	}

	row, err := m.blobs.PutBlob(ctx, in.Content, "text/plain")
	if err != nil {
		return nil, fmt.Errorf("upsert revision file %q: %w", path, err)
	}

	rf := &types.RevisionFile{
		RevisionID: revisionID,
		Path:       path,
		BlobID:     row.ID,
		Language:   in.Language,
		IsTestFile: in.IsTestFile,
	}
	if err := m.meta.UpsertRevisionFile(ctx, rf); err != nil {
		return nil, err
	}
	return rf, nil
}

// ClearFiles removes all file rows of a revision. Blobs survive: they are
// shared content-addressed storage and are never deleted here.
func (m *Manager) ClearFiles(ctx context.Context, revisionID string) error {
	return m.meta.ClearRevisionFiles(ctx, revisionID)
}

// CreateWorkingCopy creates an active working copy for (owner, base
// revision), materializing the base revision's files inline from blob
// storage. If an active copy already exists it is returned as-is, so the
// operation is safe to repeat.
func (m *Manager) CreateWorkingCopy(ctx context.Context, projectID, baseRevisionID, ownerID string) (*types.WorkingCopy, error) {
	if existing, err := m.meta.GetActiveWorkingCopy(ctx, ownerID, baseRevisionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("active working copy lookup: %w", err)
	}

	if _, err := m.meta.GetRevision(ctx, baseRevisionID); err != nil {
		return nil, fmt.Errorf("base revision lookup: %w", err)
	}

	revFiles, err := m.meta.ListRevisionFiles(ctx, baseRevisionID)
	if err != nil {
		return nil, err
	}
	files := make([]types.WorkingCopyFile, 0, len(revFiles))
	for _, rf := range revFiles {
		blobRow, err := m.meta.GetBlob(ctx, rf.BlobID)
		if err != nil {
			return nil, fmt.Errorf("blob row for %q: %w", rf.Path, err)
		}
		data, err := m.blobs.GetBlobBytes(ctx, blobRow.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("blob bytes for %q: %w", rf.Path, err)
		}
		files = append(files, types.WorkingCopyFile{
			Path:       rf.Path,
			Content:    string(data),
			Language:   rf.Language,
			IsTestFile: rf.IsTestFile,
		})
	}

	wc := &types.WorkingCopy{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		BaseRevisionID: baseRevisionID,
		OwnerID:        ownerID,
		Status:         types.WorkingCopyActive,
	}
	err = m.meta.InsertWorkingCopyWithFiles(ctx, wc, files)
	if err == nil {
		return wc, nil
	}

	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		// Lost the active-uniqueness race; the winner is authoritative.
		return m.meta.GetWorkingCopy(ctx, conflict.ExistingID)
	}
	return nil, err
}

// SnapshotRequest parametrizes a working-copy snapshot.
type SnapshotRequest struct {
	Project         *types.Project
	WorkingCopyID   string
	RequestedBy     string
	Profile         types.AuditProfile
	PrimaryModelID  string
	FallbackModelID string
}

// Snapshot freezes a working copy into a new immutable revision and queues
// an audit run against it, in one transaction. Blobs for the inline file
// contents are ensured first, outside the transaction: blob writes are
// idempotent by digest, so a retried snapshot re-uses them. A project with
// an active run fails with store.ConflictError carrying the run id.
func (m *Manager) Snapshot(ctx context.Context, req SnapshotRequest) (*types.Revision, *types.AuditRun, error) {
	wc, err := m.meta.GetWorkingCopy(ctx, req.WorkingCopyID)
	if err != nil {
		return nil, nil, fmt.Errorf("working copy lookup: %w", err)
	}
	if wc.Status != types.WorkingCopyActive {
		return nil, nil, fmt.Errorf("working copy %s is %s, not active", wc.ID, wc.Status)
	}

	files, err := m.meta.ListWorkingCopyFiles(ctx, wc.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("working copy %s has no files", wc.ID)
	}

	blobIDs := make(map[string]string, len(files))
	for _, f := range files {
		row, err := m.blobs.PutBlob(ctx, []byte(f.Content), "text/plain")
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot blob for %q: %w", f.Path, err)
		}
		blobIDs[f.Path] = row.ID
	}

	return m.meta.SnapshotWorkingCopy(ctx, store.SnapshotParams{
		Project:         req.Project,
		WorkingCopy:     wc,
		Files:           files,
		BlobIDsByPath:   blobIDs,
		RequestedBy:     req.RequestedBy,
		Profile:         req.Profile,
		PrimaryModelID:  req.PrimaryModelID,
		FallbackModelID: req.FallbackModelID,
	})
}
