package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/1lastphoenix/ton-ai-audit-sub002/queue"
	"github.com/1lastphoenix/ton-ai-audit-sub002/store"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// LifecycleHandler processes the finding-lifecycle stage for a completed
// run: it applies transitions against the previous completed audit and
// fires completion notifiers. The run is already terminal here, so the
// handler does not touch the state machine.
func (p *Pipeline) LifecycleHandler(ctx context.Context, job queue.Job) error {
	pay, err := decodeStagePayload(job.Payload)
	if err != nil {
		return err
	}

	run, err := p.deps.Store.GetAuditRun(ctx, pay.AuditRunID)
	if errors.Is(err, store.ErrNotFound) {
		return p.fail(ctx, queue.QueueFindingLifecycle, job.ID, nil, fmt.Errorf("audit run %s not found", pay.AuditRunID))
	}
	if err != nil {
		return err
	}
	if run.Status != types.AuditCompleted {
		return p.fail(ctx, queue.QueueFindingLifecycle, job.ID, nil, fmt.Errorf("audit run %s is %s, not completed", run.ID, run.Status))
	}

	p.appendEvent(ctx, queue.QueueFindingLifecycle, job.ID, types.EventStarted, nil)

	previous, err := p.deps.Store.GetPreviousCompletedRun(ctx, run.ProjectID, run.ID)
	if errors.Is(err, store.ErrNotFound) {
		previous = nil
	} else if err != nil {
		return err
	}

	if err := p.deps.Findings.ApplyLifecycle(ctx, previous, run); err != nil {
		p.appendEvent(ctx, queue.QueueFindingLifecycle, job.ID, types.EventFailed, types.FailurePayload{
			Stage:   queue.QueueFindingLifecycle,
			Message: err.Error(),
		})
		return err
	}

	instances, err := p.deps.Store.ListFindingInstancesByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	p.notifyCompletion(ctx, run, len(instances), "")

	p.appendEvent(ctx, queue.QueueFindingLifecycle, job.ID, types.EventCompleted, nil)
	return nil
}
