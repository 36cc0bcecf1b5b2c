package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/blob"
	"github.com/1lastphoenix/ton-ai-audit-sub002/findings"
	"github.com/1lastphoenix/ton-ai-audit-sub002/llm"
	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/notify"
	"github.com/1lastphoenix/ton-ai-audit-sub002/queue"
	"github.com/1lastphoenix/ton-ai-audit-sub002/revision"
	"github.com/1lastphoenix/ton-ai-audit-sub002/sandbox"
	"github.com/1lastphoenix/ton-ai-audit-sub002/store"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

type stubStore struct {
	mu sync.Mutex

	projects      map[string]*types.Project
	uploads       map[string]*types.Upload
	revisionFiles map[string][]types.RevisionFile
	blobs         map[string]*types.FileBlob
	runs          map[string]*types.AuditRun
	instances     map[string][]types.FindingInstance

	steps   []types.VerificationStep
	exports []types.PdfExport

	uploadErr error
	stepErr   error
}

func newStubStore() *stubStore {
	return &stubStore{
		projects:      map[string]*types.Project{},
		uploads:       map[string]*types.Upload{},
		revisionFiles: map[string][]types.RevisionFile{},
		blobs:         map[string]*types.FileBlob{},
		runs:          map[string]*types.AuditRun{},
		instances:     map[string][]types.FindingInstance{},
	}
}

func (s *stubStore) GetProject(_ context.Context, id string) (*types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubStore) SetProjectState(_ context.Context, id string, state types.ProjectState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.LifecycleState = state
	return nil
}

func (s *stubStore) GetUpload(_ context.Context, id string) (*types.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return nil, s.uploadErr
	}
	u, ok := s.uploads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *stubStore) SetUploadStatus(_ context.Context, id string, status types.UploadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.uploads[id]; ok {
		u.Status = status
	}
	return nil
}

func (s *stubStore) GetRevision(_ context.Context, id string) (*types.Revision, error) {
	return &types.Revision{ID: id}, nil
}

func (s *stubStore) ListRevisionFiles(_ context.Context, revisionID string) ([]types.RevisionFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.RevisionFile(nil), s.revisionFiles[revisionID]...), nil
}

func (s *stubStore) GetBlob(_ context.Context, id string) (*types.FileBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *stubStore) GetAuditRun(_ context.Context, id string) (*types.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *stubStore) MarkAuditRunRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || !r.Status.IsActive() {
		return store.ErrNotFound
	}
	r.Status = types.AuditRunning
	return nil
}

func (s *stubStore) MarkAuditRunCompleted(_ context.Context, id, reportJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status != types.AuditRunning {
		return store.ErrNotFound
	}
	now := time.Now()
	r.Status = types.AuditCompleted
	r.ReportJSON = &reportJSON
	r.FinishedAt = &now
	return nil
}

func (s *stubStore) MarkAuditRunFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || !r.Status.IsActive() {
		return nil
	}
	now := time.Now()
	r.Status = types.AuditFailed
	r.FailureReason = &reason
	r.FinishedAt = &now
	return nil
}

func (s *stubStore) GetPreviousCompletedRun(_ context.Context, projectID, beforeRunID string) (*types.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[beforeRunID]
	if !ok {
		return nil, store.ErrNotFound
	}
	var best *types.AuditRun
	for _, r := range s.runs {
		if r.ProjectID != projectID || r.ID == beforeRunID || r.Status != types.AuditCompleted {
			continue
		}
		if r.CreatedAt.After(cur.CreatedAt) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *stubStore) InsertVerificationStep(_ context.Context, step *types.VerificationStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stepErr != nil {
		return s.stepErr
	}
	s.steps = append(s.steps, *step)
	return nil
}

func (s *stubStore) UpsertPdfExport(_ context.Context, exp *types.PdfExport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.exports {
		if e.AuditRunID == exp.AuditRunID && e.Variant == exp.Variant {
			s.exports[i] = *exp
			return nil
		}
	}
	s.exports = append(s.exports, *exp)
	return nil
}

func (s *stubStore) ListFindingInstancesByRun(_ context.Context, auditRunID string) ([]types.FindingInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.FindingInstance(nil), s.instances[auditRunID]...), nil
}

func (s *stubStore) runStatus(id string) types.AuditStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id].Status
}

type stubBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *stubBlobs) GetBlobBytes(_ context.Context, storageKey string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[storageKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

type upsertedFile struct {
	RevisionID string
	Input      revision.FileInput
}

type stubRevisions struct {
	mu    sync.Mutex
	files []upsertedFile
	err   error
}

func (r *stubRevisions) UpsertFile(_ context.Context, revisionID string, in revision.FileInput) (*types.RevisionFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.files = append(r.files, upsertedFile{RevisionID: revisionID, Input: in})
	return &types.RevisionFile{RevisionID: revisionID, Path: in.Path}, nil
}

type enqueued struct {
	Queue   string
	JobID   string
	Payload string
}

type stubEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (e *stubEnqueuer) Enqueue(_ context.Context, queueName, jobID, payload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, enqueued{Queue: queueName, JobID: jobID, Payload: payload})
	return nil
}

func (e *stubEnqueuer) byQueue(queueName string) []enqueued {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []enqueued
	for _, j := range e.jobs {
		if j.Queue == queueName {
			out = append(out, j)
		}
	}
	return out
}

type appendedEvent struct {
	Queue   string
	JobID   string
	Name    types.EventName
	Payload types.EventPayload
}

type stubEvents struct {
	mu     sync.Mutex
	events []appendedEvent
}

func (s *stubEvents) Append(_ context.Context, queueName, jobID string, name types.EventName, payload types.EventPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, appendedEvent{Queue: queueName, JobID: jobID, Name: name, Payload: payload})
}

func (s *stubEvents) names() []types.EventName {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EventName, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Name)
	}
	return out
}

func (s *stubEvents) has(name types.EventName) bool {
	for _, n := range s.names() {
		if n == name {
			return true
		}
	}
	return false
}

type stubSandbox struct {
	mu     sync.Mutex
	result *sandbox.ExecuteResult
	err    error
	req    *sandbox.ExecuteRequest
	stream []sandbox.StreamEvent
}

func (s *stubSandbox) Execute(_ context.Context, req sandbox.ExecuteRequest, onEvent sandbox.ProgressFunc) (*sandbox.ExecuteResult, error) {
	s.mu.Lock()
	s.req = &req
	stream := s.stream
	s.mu.Unlock()
	for _, ev := range stream {
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubLLM struct {
	mu     sync.Mutex
	result *llm.Result
	err    error
	req    *llm.Request
}

func (s *stubLLM) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req = &req
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubFindings struct {
	mu        sync.Mutex
	recorded  []findings.ReportedFinding
	recordRun *types.AuditRun
	applyPrev *types.AuditRun
	applyCur  *types.AuditRun
	applied   bool
	recordErr error
	applyErr  error
}

func (s *stubFindings) RecordInstances(_ context.Context, run *types.AuditRun, reported []findings.ReportedFinding) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	s.recordRun = run
	s.recorded = append(s.recorded, reported...)
	ids := make([]string, len(reported))
	return ids, nil
}

func (s *stubFindings) ApplyLifecycle(_ context.Context, previousRun, currentRun *types.AuditRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = true
	s.applyPrev = previousRun
	s.applyCur = currentRun
	return nil
}

type stubRenderer struct {
	data []byte
	err  error
}

func (s *stubRenderer) Render(_ context.Context, _ *types.AuditRun, _ string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type stubNotifier struct {
	mu     sync.Mutex
	events []*notify.AuditCompletedEvent
}

func (s *stubNotifier) Publish(_ context.Context, event *notify.AuditCompletedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubNotifier) Close() error { return nil }

// fixture bundles the pipeline with every stub for assertions.
type fixture struct {
	pipeline  *Pipeline
	store     *stubStore
	blobs     *stubBlobs
	objects   *blob.StubObjectStore
	revisions *stubRevisions
	broker    *stubEnqueuer
	events    *stubEvents
	sandbox   *stubSandbox
	llm       *stubLLM
	findings  *stubFindings
	renderer  *stubRenderer
	notifier  *stubNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newStubStore(),
		blobs:     &stubBlobs{objects: map[string][]byte{}},
		objects:   blob.NewStubObjectStore(),
		revisions: &stubRevisions{},
		broker:    &stubEnqueuer{},
		events:    &stubEvents{},
		sandbox:   &stubSandbox{},
		llm:       &stubLLM{},
		findings:  &stubFindings{},
		renderer:  &stubRenderer{data: []byte("%PDF-1.7")},
		notifier:  &stubNotifier{},
	}
	f.pipeline = New(Deps{
		Store:     f.store,
		Blobs:     f.blobs,
		Objects:   f.objects,
		Revisions: f.revisions,
		Broker:    f.broker,
		Events:    f.events,
		Sandbox:   f.sandbox,
		LLM:       f.llm,
		Findings:  f.findings,
		Renderer:  f.renderer,
		Notifiers: []notify.Notifier{f.notifier},
		Logger:    log.NewProcessLogger(),
	})
	return f
}

// withStore rebuilds the pipeline around a replacement store, keeping
// every other collaborator.
func (f *fixture) withStore(s Store) {
	f.pipeline = New(Deps{
		Store:     s,
		Blobs:     f.blobs,
		Objects:   f.objects,
		Revisions: f.revisions,
		Broker:    f.broker,
		Events:    f.events,
		Sandbox:   f.sandbox,
		LLM:       f.llm,
		Findings:  f.findings,
		Renderer:  f.renderer,
		Notifiers: []notify.Notifier{f.notifier},
		Logger:    log.NewProcessLogger(),
	})
}

// seedRun installs a queued run plus its project.
func (f *fixture) seedRun(id, projectID, revisionID string) *types.AuditRun {
	run := &types.AuditRun{
		ID:                  id,
		ProjectID:           projectID,
		RevisionID:          revisionID,
		Status:              types.AuditQueued,
		Profile:             types.ProfileDeep,
		ReportSchemaVersion: "1.0",
		PrimaryModelID:      "primary-model",
		FallbackModelID:     "fallback-model",
		CreatedAt:           time.Now(),
	}
	f.store.runs[id] = run
	f.store.projects[projectID] = &types.Project{
		ID:             projectID,
		LifecycleState: types.ProjectInitializing,
	}
	return run
}

// seedRevisionFile attaches a file with content to a revision.
func (f *fixture) seedRevisionFile(revisionID, path, language, content string) {
	blobID := "blob-" + revisionID + "-" + path
	key := "objects/" + blobID
	f.store.blobs[blobID] = &types.FileBlob{ID: blobID, StorageKey: key}
	f.blobs.objects[key] = []byte(content)
	f.store.revisionFiles[revisionID] = append(f.store.revisionFiles[revisionID], types.RevisionFile{
		RevisionID: revisionID,
		Path:       path,
		BlobID:     blobID,
		Language:   language,
	})
}

func stageJob(t *testing.T, stage string, pay StagePayload) queue.Job {
	t.Helper()
	body, err := EncodeStagePayload(pay)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return queue.Job{
		Queue:   stage,
		ID:      types.ToSafeJobID(types.StageJobID(stage, pay.ProjectID, pay.AuditRunID)),
		Payload: body,
		Attempt: 1,
	}
}
