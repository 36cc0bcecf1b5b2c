// Package pipeline implements the stage orchestrator: ingest, verify,
// audit, finding-lifecycle, and pdf handlers chained over the job queue,
// each consulting and updating the audit run state machine at its
// boundaries.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/archive"
	"github.com/1lastphoenix/ton-ai-audit-sub002/blob"
	"github.com/1lastphoenix/ton-ai-audit-sub002/findings"
	"github.com/1lastphoenix/ton-ai-audit-sub002/llm"
	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/metrics"
	"github.com/1lastphoenix/ton-ai-audit-sub002/notify"
	"github.com/1lastphoenix/ton-ai-audit-sub002/queue"
	"github.com/1lastphoenix/ton-ai-audit-sub002/revision"
	"github.com/1lastphoenix/ton-ai-audit-sub002/sandbox"
	"github.com/1lastphoenix/ton-ai-audit-sub002/store"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// Default ingestion limits when the deployment does not override them.
const (
	DefaultMaxFiles = 2000
	DefaultMaxBytes = 50 << 20
)

// Store is the relational surface the orchestrator needs.
// *store.Store satisfies it.
type Store interface {
	GetProject(ctx context.Context, id string) (*types.Project, error)
	SetProjectState(ctx context.Context, id string, state types.ProjectState) error

	GetUpload(ctx context.Context, id string) (*types.Upload, error)
	SetUploadStatus(ctx context.Context, id string, status types.UploadStatus) error

	GetRevision(ctx context.Context, id string) (*types.Revision, error)
	ListRevisionFiles(ctx context.Context, revisionID string) ([]types.RevisionFile, error)
	GetBlob(ctx context.Context, id string) (*types.FileBlob, error)

	GetAuditRun(ctx context.Context, id string) (*types.AuditRun, error)
	MarkAuditRunRunning(ctx context.Context, id string) error
	MarkAuditRunCompleted(ctx context.Context, id, reportJSON string) error
	MarkAuditRunFailed(ctx context.Context, id, reason string) error
	GetPreviousCompletedRun(ctx context.Context, projectID, beforeRunID string) (*types.AuditRun, error)

	InsertVerificationStep(ctx context.Context, step *types.VerificationStep) error
	UpsertPdfExport(ctx context.Context, exp *types.PdfExport) error
	ListFindingInstancesByRun(ctx context.Context, auditRunID string) ([]types.FindingInstance, error)
}

// Blobs is the content-addressed storage surface for revision file bytes.
type Blobs interface {
	GetBlobBytes(ctx context.Context, storageKey string) ([]byte, error)
}

// RevisionWriter attaches ingested files to a revision.
// *revision.Manager satisfies it.
type RevisionWriter interface {
	UpsertFile(ctx context.Context, revisionID string, in revision.FileInput) (*types.RevisionFile, error)
}

// Enqueuer submits next-stage jobs. *queue.Broker satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobID, payload string) error
}

// SandboxRunner executes a verification plan. *sandbox.Client satisfies it.
type SandboxRunner interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest, onEvent sandbox.ProgressFunc) (*sandbox.ExecuteResult, error)
}

// ReportGenerator produces the audit report. *llm.Client satisfies it.
type ReportGenerator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// FindingRecorder records finding instances and applies lifecycle
// transitions. *findings.Engine satisfies it.
type FindingRecorder interface {
	RecordInstances(ctx context.Context, run *types.AuditRun, reported []findings.ReportedFinding) ([]string, error)
	ApplyLifecycle(ctx context.Context, previousRun, currentRun *types.AuditRun) error
}

// Renderer turns a report into PDF bytes. Rendering itself is external;
// the pdf stage only drives this collaborator and stores its output.
type Renderer interface {
	Render(ctx context.Context, run *types.AuditRun, reportJSON string) ([]byte, error)
}

// Deps is the explicit dependency bundle every stage handler closes over.
// A single process-wide bootstrap builds and owns it; tests construct one
// with fakes.
type Deps struct {
	Store     Store
	Blobs     Blobs
	Objects   blob.ObjectStore
	Revisions RevisionWriter
	Broker    Enqueuer
	Events    queue.EventAppender
	Sandbox   SandboxRunner
	LLM       ReportGenerator
	Findings  FindingRecorder
	Renderer  Renderer
	Notifiers []notify.Notifier
	Metrics   *metrics.Collector
	Logger    *log.Logger
	Limits    archive.Limits

	// QueueConcurrency overrides the per-stage worker ceiling by queue
	// name. Unlisted queues keep their defaults.
	QueueConcurrency map[string]int

	// LLMMaxTokens bounds model responses; zero uses the client default.
	LLMMaxTokens int
}

// Pipeline owns the stage handlers.
type Pipeline struct {
	deps Deps
}

// New creates a pipeline over the dependency bundle.
func New(deps Deps) *Pipeline {
	if deps.Limits.MaxFiles <= 0 {
		deps.Limits.MaxFiles = DefaultMaxFiles
	}
	if deps.Limits.MaxBytes <= 0 {
		deps.Limits.MaxBytes = DefaultMaxBytes
	}
	return &Pipeline{deps: deps}
}

// Register wires the five stage queues onto the runner.
func (p *Pipeline) Register(r *queue.Runner) error {
	stages := []queue.QueueConfig{
		{Name: queue.QueueIngest, Handler: p.IngestHandler, Concurrency: 2, Deadline: 10 * time.Minute},
		{Name: queue.QueueVerify, Handler: p.VerifyHandler, Concurrency: 2},
		{Name: queue.QueueAudit, Handler: p.AuditHandler, Concurrency: 2},
		{Name: queue.QueueFindingLifecycle, Handler: p.LifecycleHandler, Concurrency: 2, Deadline: 5 * time.Minute},
		{Name: queue.QueuePdf, Handler: p.PdfHandler, Deadline: 10 * time.Minute},
	}
	for _, cfg := range stages {
		if n := p.deps.QueueConcurrency[cfg.Name]; n > 0 {
			cfg.Concurrency = n
		}
		if err := r.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDocsQueues wires the docs queues onto the runner with handlers
// supplied by the external crawler and indexer. The runtime treats them as
// ordinary queues.
func RegisterDocsQueues(r *queue.Runner, crawl, index queue.Handler) error {
	if err := r.Register(queue.QueueConfig{Name: queue.QueueDocsCrawl, Handler: crawl}); err != nil {
		return err
	}
	return r.Register(queue.QueueConfig{Name: queue.QueueDocsIndex, Handler: index})
}

// StagePayload is the JSON payload carried by every stage job.
type StagePayload struct {
	ProjectID  string `json:"projectId"`
	AuditRunID string `json:"auditRunId"`
	UploadID   string `json:"uploadId,omitempty"`
	Variant    string `json:"variant,omitempty"`
}

// EncodeStagePayload encodes a stage payload for queue submission.
func EncodeStagePayload(p StagePayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode stage payload: %w", err)
	}
	return string(b), nil
}

func decodeStagePayload(raw string) (StagePayload, error) {
	var p StagePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("decode stage payload: %w", err)
	}
	if p.ProjectID == "" || p.AuditRunID == "" {
		return p, errors.New("stage payload missing project or audit run id")
	}
	return p, nil
}

// EnqueueIngest submits the ingest stage for an upload. Ingest and pdf are
// the externally submittable stages; the rest are enqueued internally.
func (p *Pipeline) EnqueueIngest(ctx context.Context, projectID, auditRunID, uploadID string) error {
	return p.enqueueStage(ctx, queue.QueueIngest, StagePayload{
		ProjectID:  projectID,
		AuditRunID: auditRunID,
		UploadID:   uploadID,
	})
}

// EnqueuePdf submits a pdf export for a completed run.
func (p *Pipeline) EnqueuePdf(ctx context.Context, projectID, auditRunID, variant string) error {
	return p.enqueueStage(ctx, queue.QueuePdf, StagePayload{
		ProjectID:  projectID,
		AuditRunID: auditRunID,
		Variant:    variant,
	})
}

func (p *Pipeline) enqueueStage(ctx context.Context, stage string, pay StagePayload) error {
	body, err := EncodeStagePayload(pay)
	if err != nil {
		return err
	}
	jobID := types.ToSafeJobID(types.StageJobID(stage, pay.ProjectID, pay.AuditRunID))
	if err := p.deps.Broker.Enqueue(ctx, stage, jobID, body); err != nil {
		return fmt.Errorf("enqueue %s stage: %w", stage, err)
	}
	return nil
}

// loadRun loads the run and moves it to running. A nil run with a nil
// error means the run is already past this stage (terminal or raced); the
// handler short-circuits successfully.
func (p *Pipeline) loadRun(ctx context.Context, queueName, jobID string, pay StagePayload) (*types.AuditRun, error) {
	run, err := p.deps.Store.GetAuditRun(ctx, pay.AuditRunID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, p.fail(ctx, queueName, jobID, nil, fmt.Errorf("audit run %s not found", pay.AuditRunID))
	}
	if err != nil {
		return nil, err
	}

	err = p.deps.Store.MarkAuditRunRunning(ctx, run.ID)
	if errors.Is(err, store.ErrNotFound) {
		p.deps.Logger.Info("run already terminal, skipping stage", map[string]any{
			"queue":        queueName,
			"audit_run_id": run.ID,
			"status":       string(run.Status),
		})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Status = types.AuditRunning
	return run, nil
}

// fail is the stage failure epilogue: the run is stamped failed with the
// cause and finishedAt, a failed event is appended, and completion
// notifiers fire. The pipeline never skips ahead past a failed stage.
//
// The epilogue writes run on a detached context: when the job deadline
// cancelled the handler context, the run must still reach failed, or it
// would hold the single-active slot forever.
func (p *Pipeline) fail(ctx context.Context, queueName, jobID string, run *types.AuditRun, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if run != nil {
		if err := p.deps.Store.MarkAuditRunFailed(ctx, run.ID, cause.Error()); err != nil {
			p.deps.Logger.Error("failure stamp failed", map[string]any{
				"audit_run_id": run.ID,
				"error":        err.Error(),
			})
		}
		p.deps.Metrics.IncAuditRunFinished(string(types.AuditFailed))

		failed := *run
		failed.Status = types.AuditFailed
		p.notifyCompletion(ctx, &failed, 0, cause.Error())
	}
	p.appendEvent(ctx, queueName, jobID, types.EventFailed, types.FailurePayload{
		Stage:   queueName,
		Message: cause.Error(),
	})
	return cause
}

// notifyCompletion fans a terminal-state event out to every configured
// notifier. Delivery is best effort.
func (p *Pipeline) notifyCompletion(ctx context.Context, run *types.AuditRun, findingCount int, failureReason string) {
	if len(p.deps.Notifiers) == 0 {
		return
	}
	event := notify.NewAuditCompletedEvent(run, findingCount, time.Now().UTC().Format(time.RFC3339))
	event.FailureReason = failureReason
	for _, n := range p.deps.Notifiers {
		if err := n.Publish(ctx, event); err != nil {
			p.deps.Logger.Warn("completion notification failed", map[string]any{
				"audit_run_id": run.ID,
				"error":        err.Error(),
			})
		}
	}
}

func (p *Pipeline) appendEvent(ctx context.Context, queueName, jobID string, name types.EventName, payload types.EventPayload) {
	if p.deps.Events == nil {
		return
	}
	p.deps.Events.Append(ctx, queueName, jobID, name, payload)
}

// revisionContent is one revision file with its materialized bytes.
type revisionContent struct {
	File    types.RevisionFile
	Content []byte
}

// loadRevisionContents materializes every file of a revision from blob
// storage. An empty file set is fatal for the calling stage.
func (p *Pipeline) loadRevisionContents(ctx context.Context, revisionID string) ([]revisionContent, error) {
	files, err := p.deps.Store.ListRevisionFiles(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("revision %s has no files", revisionID)
	}

	out := make([]revisionContent, 0, len(files))
	for _, rf := range files {
		row, err := p.deps.Store.GetBlob(ctx, rf.BlobID)
		if err != nil {
			return nil, fmt.Errorf("blob row for %q: %w", rf.Path, err)
		}
		data, err := p.deps.Blobs.GetBlobBytes(ctx, row.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("blob bytes for %q: %w", rf.Path, err)
		}
		out = append(out, revisionContent{File: rf, Content: data})
	}
	return out, nil
}
