// Package retention implements the periodic sweeper: expired PDF exports,
// stale uploads, and aged job events are deleted once they pass the
// retention cutoff. Objects are always deleted before their rows, so an
// interrupted sweep leaves rows behind for the next pass instead of
// orphaned objects.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/blob"
	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// Store is the relational surface the sweeper needs. *store.Store
// satisfies it.
type Store interface {
	ListExpiredPdfExports(ctx context.Context, cutoff time.Time) ([]types.PdfExport, error)
	DeletePdfExport(ctx context.Context, id string) error
	ListStaleUploads(ctx context.Context, cutoff time.Time) ([]types.Upload, error)
	DeleteUpload(ctx context.Context, id string) error
	TrimJobEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deletes expired artifacts on a schedule.
type Sweeper struct {
	store         Store
	objects       blob.ObjectStore
	logger        *log.Logger
	retentionDays int
}

// NewSweeper creates a retention sweeper keeping artifacts for
// retentionDays.
func NewSweeper(s Store, objects blob.ObjectStore, retentionDays int, logger *log.Logger) *Sweeper {
	return &Sweeper{store: s, objects: objects, logger: logger, retentionDays: retentionDays}
}

// JobID returns the idempotent cleanup job id for a day. The queue's
// idempotency key makes one sweep per day regardless of scheduler retries.
func JobID(day time.Time) string {
	return types.ToSafeJobID("cleanup:retention:" + day.UTC().Format("2006-01-02"))
}

// Result counts what one sweep removed.
type Result struct {
	PdfExports    int
	Uploads       int
	TrimmedEvents int64
}

// Sweep removes everything older than now − retentionDays. Each item is
// independent: a failed deletion is logged and skipped, and the item is
// retried on the next sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	cutoff := now.AddDate(0, 0, -s.retentionDays)
	var res Result

	exports, err := s.store.ListExpiredPdfExports(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list expired pdf exports: %w", err)
	}
	for _, exp := range exports {
		if exp.StorageKey != nil {
			if err := s.deleteObject(ctx, *exp.StorageKey); err != nil {
				s.logger.Warn("pdf export object deletion failed, keeping row", map[string]any{
					"export_id": exp.ID,
					"key":       *exp.StorageKey,
					"error":     err.Error(),
				})
				continue
			}
		}
		if err := s.store.DeletePdfExport(ctx, exp.ID); err != nil {
			s.logger.Warn("pdf export row deletion failed", map[string]any{
				"export_id": exp.ID,
				"error":     err.Error(),
			})
			continue
		}
		res.PdfExports++
	}

	uploads, err := s.store.ListStaleUploads(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list stale uploads: %w", err)
	}
	for _, up := range uploads {
		if up.StorageKey != "" {
			if err := s.deleteObject(ctx, up.StorageKey); err != nil {
				s.logger.Warn("upload object deletion failed, keeping row", map[string]any{
					"upload_id": up.ID,
					"key":       up.StorageKey,
					"error":     err.Error(),
				})
				continue
			}
		}
		if err := s.store.DeleteUpload(ctx, up.ID); err != nil {
			s.logger.Warn("upload row deletion failed", map[string]any{
				"upload_id": up.ID,
				"error":     err.Error(),
			})
			continue
		}
		res.Uploads++
	}

	trimmed, err := s.store.TrimJobEvents(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("trim job events: %w", err)
	}
	res.TrimmedEvents = trimmed

	s.logger.Info("retention sweep finished", map[string]any{
		"cutoff":         cutoff.Format(time.RFC3339),
		"pdf_exports":    res.PdfExports,
		"uploads":        res.Uploads,
		"trimmed_events": res.TrimmedEvents,
	})
	return res, nil
}

// deleteObject removes an object; a key that is already gone counts as
// deleted so interrupted sweeps stay idempotent.
func (s *Sweeper) deleteObject(ctx context.Context, key string) error {
	err := s.objects.Delete(ctx, key)
	if err == nil || errors.Is(err, blob.ErrNotFound) {
		return nil
	}
	return err
}
