package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/queue"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// DefaultPdfVariant is the export variant when the submission names none.
const DefaultPdfVariant = "final"

// PdfHandler processes the pdf stage: drive the renderer over the
// completed run's report, store the bytes, and record the export row.
// PDF failures never touch the audit run itself.
func (p *Pipeline) PdfHandler(ctx context.Context, job queue.Job) error {
	pay, err := decodeStagePayload(job.Payload)
	if err != nil {
		return err
	}
	variant := pay.Variant
	if variant == "" {
		variant = DefaultPdfVariant
	}

	if p.deps.Renderer == nil {
		return errors.New("no pdf renderer configured")
	}

	run, err := p.deps.Store.GetAuditRun(ctx, pay.AuditRunID)
	if err != nil {
		return fmt.Errorf("audit run lookup: %w", err)
	}
	if run.Status != types.AuditCompleted || run.ReportJSON == nil {
		return fmt.Errorf("audit run %s has no report to export", run.ID)
	}

	p.appendEvent(ctx, queue.QueuePdf, job.ID, types.EventStarted, nil)

	if err := p.deps.Store.UpsertPdfExport(ctx, &types.PdfExport{
		AuditRunID: run.ID,
		Variant:    variant,
		Status:     types.ExportRunning,
	}); err != nil {
		return err
	}

	data, err := p.deps.Renderer.Render(ctx, run, *run.ReportJSON)
	if err != nil {
		if upErr := p.deps.Store.UpsertPdfExport(ctx, &types.PdfExport{
			AuditRunID: run.ID,
			Variant:    variant,
			Status:     types.ExportFailed,
		}); upErr != nil {
			p.deps.Logger.Warn("export failure stamp failed", map[string]any{
				"audit_run_id": run.ID,
				"error":        upErr.Error(),
			})
		}
		p.appendEvent(ctx, queue.QueuePdf, job.ID, types.EventFailed, types.FailurePayload{
			Stage:   queue.QueuePdf,
			Message: err.Error(),
		})
		return fmt.Errorf("render pdf: %w", err)
	}

	key := fmt.Sprintf("pdf/%s/%s/%d.pdf", run.ID, variant, time.Now().UnixMilli())
	if err := p.deps.Objects.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store pdf: %w", err)
	}

	now := time.Now().UTC()
	if err := p.deps.Store.UpsertPdfExport(ctx, &types.PdfExport{
		AuditRunID:  run.ID,
		Variant:     variant,
		Status:      types.ExportCompleted,
		StorageKey:  &key,
		GeneratedAt: &now,
	}); err != nil {
		return err
	}

	p.appendEvent(ctx, queue.QueuePdf, job.ID, types.EventCompleted, nil)
	return nil
}
