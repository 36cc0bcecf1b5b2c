package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/1lastphoenix/ton-ai-audit-sub002/retry"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// MetadataRepo is the relational surface the content store needs:
// blob rows unique on digest, with conflict signalled as ErrDigestConflict.
type MetadataRepo interface {
	// InsertBlob inserts a blob row. Returns ErrDigestConflict when another
	// writer won the digest-unique race.
	InsertBlob(ctx context.Context, b *types.FileBlob) error
	// GetBlobByDigest returns the blob row for a digest, or ErrBlobRowNotFound.
	GetBlobByDigest(ctx context.Context, digest string) (*types.FileBlob, error)
}

// ErrDigestConflict signals a lost digest-unique insert race.
// The content store recovers by re-reading the winning row.
var ErrDigestConflict = errors.New("blob digest conflict")

// ErrBlobRowNotFound signals a missing blob metadata row.
var ErrBlobRowNotFound = errors.New("blob row not found")

// Digest computes the hex-encoded sha256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GeneralKey builds the object-store key for a general blob.
func GeneralKey(digest string) string {
	return fmt.Sprintf("blobs/%s-%s.txt", digest, uuid.NewString())
}

// RevisionFileKey builds the object-store key for a revision file blob.
func RevisionFileKey(revisionID string) string {
	return fmt.Sprintf("revisions/%s/files/%s", revisionID, uuid.NewString())
}

// ContentStore is the content-addressed blob store.
// Bytes are de-duplicated by sha256 digest; uploads retry transient
// storage errors with linear back-off.
type ContentStore struct {
	objects ObjectStore
	meta    MetadataRepo
	policy  retry.Policy
}

// NewContentStore creates a content store over the given object store and
// metadata repository.
func NewContentStore(objects ObjectStore, meta MetadataRepo) *ContentStore {
	return &ContentStore{
		objects: objects,
		meta:    meta,
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Backoff:     retry.BackoffLinear,
			IsRetryable: IsTransient,
		},
	}
}

// PutBlob stores data, de-duplicating by digest.
// If a blob with the digest already exists its row is returned unchanged;
// otherwise the bytes are uploaded under a fresh key and a row inserted.
// A lost insert race is resolved by re-reading the winning row.
func (s *ContentStore) PutBlob(ctx context.Context, data []byte, mimeType string) (*types.FileBlob, error) {
	digest := Digest(data)

	existing, err := s.meta.GetBlobByDigest(ctx, digest)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrBlobRowNotFound) {
		return nil, fmt.Errorf("blob lookup failed: %w", err)
	}

	key := GeneralKey(digest)
	if err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.objects.Put(ctx, key, data)
	}); err != nil {
		return nil, fmt.Errorf("blob upload failed: %w", err)
	}

	row := &types.FileBlob{
		ID:         uuid.NewString(),
		Digest:     digest,
		SizeBytes:  int64(len(data)),
		StorageKey: key,
		MimeType:   mimeType,
	}
	if err := s.meta.InsertBlob(ctx, row); err != nil {
		if errors.Is(err, ErrDigestConflict) {
			// Another writer won the digest race; their row is authoritative.
			// The freshly uploaded object becomes unreferenced and is left
			// for retention.
			return s.meta.GetBlobByDigest(ctx, digest)
		}
		return nil, fmt.Errorf("blob row insert failed: %w", err)
	}
	return row, nil
}

// GetBlobBytes reads the bytes stored under storageKey.
// Transient storage errors are retried; a missing key surfaces ErrNotFound.
func (s *ContentStore) GetBlobBytes(ctx context.Context, storageKey string) ([]byte, error) {
	var data []byte
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var getErr error
		data, getErr = s.objects.Get(ctx, storageKey)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
