package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/1lastphoenix/ton-ai-audit-sub002/queue"
	"github.com/1lastphoenix/ton-ai-audit-sub002/sandbox"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// VerifyHandler processes the verify stage: plan the sandbox run, execute
// it with live step events, persist step records and output artifacts, and
// enqueue audit. A sandbox that cannot be reached finalizes verification
// as failed without failing the audit run.
func (p *Pipeline) VerifyHandler(ctx context.Context, job queue.Job) error {
	pay, err := decodeStagePayload(job.Payload)
	if err != nil {
		return err
	}
	run, err := p.loadRun(ctx, queue.QueueVerify, job.ID, pay)
	if err != nil || run == nil {
		return err
	}

	p.appendEvent(ctx, queue.QueueVerify, job.ID, types.EventStarted, nil)

	if err := p.runVerify(ctx, job, run); err != nil {
		return p.fail(ctx, queue.QueueVerify, job.ID, run, err)
	}

	if err := p.enqueueStage(ctx, queue.QueueAudit, StagePayload{
		ProjectID:  pay.ProjectID,
		AuditRunID: pay.AuditRunID,
	}); err != nil {
		return p.fail(ctx, queue.QueueVerify, job.ID, run, err)
	}
	p.appendEvent(ctx, queue.QueueVerify, job.ID, types.EventCompleted, nil)
	return nil
}

func (p *Pipeline) runVerify(ctx context.Context, job queue.Job, run *types.AuditRun) error {
	contents, err := p.loadRevisionContents(ctx, run.RevisionID)
	if err != nil {
		return err
	}

	planFiles := make([]sandbox.PlanFile, 0, len(contents))
	payloads := make([]sandbox.FilePayload, 0, len(contents))
	for _, rc := range contents {
		planFiles = append(planFiles, sandbox.PlanFile{
			Path:     rc.File.Path,
			Language: rc.File.Language,
			Content:  rc.Content,
		})
		payloads = append(payloads, sandbox.FilePayload{
			Path:    rc.File.Path,
			Content: string(rc.Content),
		})
	}

	plan := sandbox.BuildPlan(planFiles, run.Profile)
	stepIDs := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		stepIDs = append(stepIDs, s.ID)
	}
	p.appendEvent(ctx, queue.QueueVerify, job.ID, types.EventProgress, types.PlanReadyPayload{
		Phase:      types.PhasePlanReady,
		Adapter:    plan.Adapter,
		TotalSteps: len(plan.Steps),
		StepIDs:    stepIDs,
	})

	if len(plan.Steps) == 0 {
		return p.skipSandbox(ctx, job.ID, run, plan)
	}

	tracker := newStepTracker(plan)
	onEvent := func(ev sandbox.StreamEvent) {
		payload, ok := tracker.apply(ev)
		if !ok {
			return
		}
		p.appendEvent(ctx, queue.QueueVerify, job.ID, types.EventSandboxStep, payload)
	}

	p.appendEvent(ctx, queue.QueueVerify, job.ID, types.EventProgress, tracker.snapshot(types.PhaseSandboxRunning, ""))

	result, err := p.deps.Sandbox.Execute(ctx, sandbox.ExecuteRequest{
		WorkspaceID: types.ToSafeJobID(run.ProjectID + ":" + run.RevisionID),
		Plan:        plan,
		Files:       payloads,
	}, onEvent)

	var unavailable *sandbox.UnavailableError
	if errors.As(err, &unavailable) {
		p.deps.Logger.Warn("sandbox runner unavailable, finalizing verification as failed", map[string]any{
			"audit_run_id": run.ID,
			"error":        err.Error(),
		})
		p.appendEvent(ctx, queue.QueueVerify, job.ID, types.EventProgress, tracker.snapshot(types.PhaseSandboxFailed, ""))
		return p.deps.Store.InsertVerificationStep(ctx, &types.VerificationStep{
			AuditRunID: run.ID,
			StepType:   "sandbox",
			Status:     types.StepFailed,
			Summary:    err.Error(),
		})
	}
	if err != nil {
		return err
	}

	if err := p.persistStepResults(ctx, run, result); err != nil {
		return err
	}
	p.appendEvent(ctx, queue.QueueVerify, job.ID, types.EventProgress, tracker.snapshot(types.PhaseSandboxCompleted, ""))
	return nil
}

// skipSandbox records the unsupported-project outcome and lets the audit
// proceed: an unplannable file set is not a pipeline failure.
func (p *Pipeline) skipSandbox(ctx context.Context, jobID string, run *types.AuditRun, plan sandbox.Plan) error {
	if err := p.deps.Store.InsertVerificationStep(ctx, &types.VerificationStep{
		AuditRunID: run.ID,
		StepType:   "sandbox",
		Status:     types.StepSkipped,
		Summary:    strings.Join(plan.UnsupportedReasons, "; "),
	}); err != nil {
		return err
	}
	p.appendEvent(ctx, queue.QueueVerify, jobID, types.EventProgress, types.SandboxStepPayload{
		Phase:        types.PhaseSandboxSkipped,
		Adapter:      plan.Adapter,
		StepStatuses: map[string]types.StepStatus{},
	})
	return nil
}

// persistStepResults stores step outputs as artifacts and appends one
// verification record per executed step plus one skipped record per
// runner-unsupported action.
func (p *Pipeline) persistStepResults(ctx context.Context, run *types.AuditRun, result *sandbox.ExecuteResult) error {
	for _, sr := range result.Results {
		var stdoutKey, stderrKey *string
		if sr.Stdout != "" {
			key := verificationKey(run.ID, sr.StepID, "stdout")
			if err := p.deps.Objects.Put(ctx, key, []byte(sr.Stdout)); err != nil {
				return fmt.Errorf("stdout artifact for %s: %w", sr.StepID, err)
			}
			stdoutKey = &key
		}
		if sr.Stderr != "" {
			key := verificationKey(run.ID, sr.StepID, "stderr")
			if err := p.deps.Objects.Put(ctx, key, []byte(sr.Stderr)); err != nil {
				return fmt.Errorf("stderr artifact for %s: %w", sr.StepID, err)
			}
			stderrKey = &key
		}

		if err := p.deps.Store.InsertVerificationStep(ctx, &types.VerificationStep{
			AuditRunID: run.ID,
			StepType:   sr.Action,
			Status:     stepStatus(sr),
			StdoutKey:  stdoutKey,
			StderrKey:  stderrKey,
			Summary:    fmt.Sprintf("exit %d", sr.ExitCode),
			DurationMs: sr.DurationMs,
		}); err != nil {
			return err
		}
	}

	for _, action := range result.UnsupportedActions {
		if err := p.deps.Store.InsertVerificationStep(ctx, &types.VerificationStep{
			AuditRunID: run.ID,
			StepType:   action,
			Status:     types.StepSkipped,
			Summary:    "unsupported by runner",
		}); err != nil {
			return err
		}
	}
	return nil
}

func stepStatus(sr sandbox.StepResult) types.StepStatus {
	switch sr.Status {
	case "completed", "succeeded":
		return types.StepCompleted
	case "skipped":
		return types.StepSkipped
	default:
		return types.StepFailed
	}
}

func verificationKey(auditRunID, stepID, name string) string {
	return fmt.Sprintf("verification/%s/%s/%s", auditRunID, stepID, name)
}

// stepTracker maintains the step-status snapshot carried by sandbox-step
// events.
type stepTracker struct {
	mu       sync.Mutex
	adapter  string
	total    int
	statuses map[string]types.StepStatus
}

func newStepTracker(plan sandbox.Plan) *stepTracker {
	statuses := make(map[string]types.StepStatus, len(plan.Steps))
	for _, s := range plan.Steps {
		statuses[s.ID] = types.StepPending
	}
	return &stepTracker{adapter: plan.Adapter, total: len(plan.Steps), statuses: statuses}
}

// apply folds one stream event into the snapshot. Events that carry no
// step identity (started, completed, error) produce no payload.
func (t *stepTracker) apply(ev sandbox.StreamEvent) (types.SandboxStepPayload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Event {
	case "step-started":
		t.statuses[ev.StepID] = types.StepRunning
	case "step-finished":
		if ev.Result != nil {
			t.statuses[ev.StepID] = stepStatus(*ev.Result)
		} else {
			t.statuses[ev.StepID] = types.StepCompleted
		}
	default:
		return types.SandboxStepPayload{}, false
	}
	return t.snapshotLocked(types.PhaseSandboxRunning, ev.StepID), true
}

func (t *stepTracker) snapshot(phase types.VerifyPhase, current string) types.SandboxStepPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(phase, current)
}

func (t *stepTracker) snapshotLocked(phase types.VerifyPhase, current string) types.SandboxStepPayload {
	statuses := make(map[string]types.StepStatus, len(t.statuses))
	for id, st := range t.statuses {
		statuses[id] = st
	}
	return types.SandboxStepPayload{
		Phase:        phase,
		Adapter:      t.adapter,
		TotalSteps:   t.total,
		CurrentStep:  current,
		StepStatuses: statuses,
	}
}
