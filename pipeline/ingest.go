package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/1lastphoenix/ton-ai-audit-sub002/archive"
	"github.com/1lastphoenix/ton-ai-audit-sub002/queue"
	"github.com/1lastphoenix/ton-ai-audit-sub002/revision"
	"github.com/1lastphoenix/ton-ai-audit-sub002/store"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// ingestFile is one decoded upload entry, keyed by normalized path.
type ingestFile struct {
	Path    string
	Content []byte
}

// IngestHandler processes the ingest stage: decode the upload, validate
// its entries, attach the accepted files to the run's revision, move the
// project to ready, and enqueue verify. On failure the upload is marked
// failed and the project is restored to ready rather than deleted.
func (p *Pipeline) IngestHandler(ctx context.Context, job queue.Job) error {
	pay, err := decodeStagePayload(job.Payload)
	if err != nil {
		return err
	}
	run, err := p.loadRun(ctx, queue.QueueIngest, job.ID, pay)
	if err != nil || run == nil {
		return err
	}

	p.appendEvent(ctx, queue.QueueIngest, job.ID, types.EventStarted, nil)

	if err := p.runIngest(ctx, pay, run); err != nil {
		// Runs on a detached context for the same reason as the fail
		// epilogue: a deadline-cancelled handler must still stamp the
		// upload and restore the project.
		ctx := context.WithoutCancel(ctx)
		if statusErr := p.deps.Store.SetUploadStatus(ctx, pay.UploadID, types.UploadFailed); statusErr != nil {
			p.deps.Logger.Warn("upload failure stamp failed", map[string]any{
				"upload_id": pay.UploadID,
				"error":     statusErr.Error(),
			})
		}
		if store.ProjectPolicyRestoreReadyOnIngestFailure {
			if stateErr := p.deps.Store.SetProjectState(ctx, pay.ProjectID, types.ProjectReady); stateErr != nil {
				p.deps.Logger.Warn("project restore failed", map[string]any{
					"project_id": pay.ProjectID,
					"error":      stateErr.Error(),
				})
			}
		}
		return p.fail(ctx, queue.QueueIngest, job.ID, run, err)
	}

	if err := p.enqueueStage(ctx, queue.QueueVerify, StagePayload{
		ProjectID:  pay.ProjectID,
		AuditRunID: pay.AuditRunID,
	}); err != nil {
		return p.fail(ctx, queue.QueueIngest, job.ID, run, err)
	}
	p.appendEvent(ctx, queue.QueueIngest, job.ID, types.EventCompleted, nil)
	return nil
}

func (p *Pipeline) runIngest(ctx context.Context, pay StagePayload, run *types.AuditRun) error {
	upload, err := p.deps.Store.GetUpload(ctx, pay.UploadID)
	if err != nil {
		return fmt.Errorf("upload lookup: %w", err)
	}
	if err := p.deps.Store.SetUploadStatus(ctx, upload.ID, types.UploadProcessing); err != nil {
		return err
	}

	raw, err := p.deps.Objects.Get(ctx, upload.StorageKey)
	if err != nil {
		return fmt.Errorf("upload payload read: %w", err)
	}

	files, err := decodeUpload(upload, raw, p.deps.Limits.MaxBytes)
	if err != nil {
		return err
	}

	entries := make([]archive.Entry, 0, len(files))
	contents := make(map[string][]byte, len(files))
	for _, f := range files {
		entries = append(entries, archive.Entry{Path: f.Path, UncompressedSize: int64(len(f.Content))})
		contents[f.Path] = f.Content
	}

	validated, err := archive.Validate(entries, p.deps.Limits)
	if err != nil {
		return err
	}
	if len(validated) == 0 {
		return fmt.Errorf("upload %s has no ingestible files", upload.ID)
	}

	for _, v := range validated {
		if _, err := p.deps.Revisions.UpsertFile(ctx, run.RevisionID, revision.FileInput{
			Path:       v.Path,
			Content:    contents[v.Path],
			Language:   v.Language,
			IsTestFile: v.IsTestFile,
		}); err != nil {
			return err
		}
	}

	if err := p.deps.Store.SetUploadStatus(ctx, upload.ID, types.UploadProcessed); err != nil {
		return err
	}
	if err := p.deps.Store.SetProjectState(ctx, pay.ProjectID, types.ProjectReady); err != nil {
		return err
	}

	p.deps.Logger.Info("upload ingested", map[string]any{
		"project_id":   pay.ProjectID,
		"audit_run_id": run.ID,
		"upload_id":    upload.ID,
		"files":        len(validated),
	})
	return nil
}

// decodeUpload expands an upload payload into path-addressed files with
// normalized paths. Unsafe paths are fatal here, before validation.
func decodeUpload(upload *types.Upload, raw []byte, maxBytes int64) ([]ingestFile, error) {
	switch upload.Kind {
	case types.UploadSingle:
		path, err := types.NormalizePath(upload.Name)
		if err != nil {
			return nil, err
		}
		return []ingestFile{{Path: path, Content: raw}}, nil

	case types.UploadFileSet:
		var set struct {
			Files []struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			} `json:"files"`
		}
		if err := json.Unmarshal(raw, &set); err != nil {
			return nil, fmt.Errorf("decode file-set upload: %w", err)
		}
		out := make([]ingestFile, 0, len(set.Files))
		for _, f := range set.Files {
			path, err := types.NormalizePath(f.Path)
			if err != nil {
				return nil, err
			}
			out = append(out, ingestFile{Path: path, Content: []byte(f.Content)})
		}
		return out, nil

	case types.UploadZip:
		return decodeZip(raw, maxBytes)

	default:
		return nil, fmt.Errorf("unknown upload kind %q", upload.Kind)
	}
}

func decodeZip(raw []byte, maxBytes int64) ([]ingestFile, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	var out []ingestFile
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		path, err := types.NormalizePath(f.Name)
		if err != nil {
			return nil, err
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %q: %w", f.Name, err)
		}
		// Expansion is bounded while reading; declared sizes are not trusted.
		data, err := io.ReadAll(io.LimitReader(rc, maxBytes-total+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read zip entry %q: %w", f.Name, err)
		}
		total += int64(len(data))
		if total > maxBytes {
			return nil, fmt.Errorf("archive uncompressed size exceeds %d bytes", maxBytes)
		}
		out = append(out, ingestFile{Path: path, Content: data})
	}
	return out, nil
}
