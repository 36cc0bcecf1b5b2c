package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/1lastphoenix/ton-ai-audit-sub002/blob"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// InsertBlob inserts a blob metadata row.
// A lost digest-unique race surfaces blob.ErrDigestConflict so the content
// store can re-read the winner.
func (s *Store) InsertBlob(ctx context.Context, b *types.FileBlob) error {
	const q = `
		INSERT INTO file_blobs (id, digest, size_bytes, storage_key, mime_type)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, q, b.ID, b.Digest, b.SizeBytes, b.StorageKey, b.MimeType)
	if err != nil {
		if isUniqueViolation(err, "file_blobs_digest_key") {
			return blob.ErrDigestConflict
		}
		return fmt.Errorf("insert blob: %w", err)
	}
	return nil
}

// GetBlobByDigest returns the blob row for a digest.
func (s *Store) GetBlobByDigest(ctx context.Context, digest string) (*types.FileBlob, error) {
	var row types.FileBlob
	err := s.db.GetContext(ctx, &row, `SELECT * FROM file_blobs WHERE digest = $1`, digest)
	if err != nil {
		if errors.Is(mapNotFound(err), ErrNotFound) {
			return nil, blob.ErrBlobRowNotFound
		}
		return nil, fmt.Errorf("get blob by digest: %w", err)
	}
	return &row, nil
}

// GetBlob returns a blob row by id.
func (s *Store) GetBlob(ctx context.Context, id string) (*types.FileBlob, error) {
	var row types.FileBlob
	err := s.db.GetContext(ctx, &row, `SELECT * FROM file_blobs WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &row, nil
}
