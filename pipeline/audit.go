package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/1lastphoenix/ton-ai-audit-sub002/llm"
	"github.com/1lastphoenix/ton-ai-audit-sub002/queue"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

const auditSystemPrompt = `You are a TON smart contract security auditor. ` +
	`Analyze the provided contract sources and respond with a single JSON ` +
	`document matching the requested schema: schemaVersion, summary, and a ` +
	`findings array where each finding has title, severity (info, low, ` +
	`medium, high, critical), category, path, startLine, endLine, and ` +
	`description. Report only findings supported by the code.`

// AuditHandler processes the audit stage: assemble the prompt from the
// revision's files, call the model, gate the report, record finding
// instances, complete the run, and enqueue finding-lifecycle.
func (p *Pipeline) AuditHandler(ctx context.Context, job queue.Job) error {
	pay, err := decodeStagePayload(job.Payload)
	if err != nil {
		return err
	}
	run, err := p.loadRun(ctx, queue.QueueAudit, job.ID, pay)
	if err != nil || run == nil {
		return err
	}

	p.appendEvent(ctx, queue.QueueAudit, job.ID, types.EventStarted, nil)

	if err := p.runAudit(ctx, job, run); err != nil {
		return p.fail(ctx, queue.QueueAudit, job.ID, run, err)
	}

	if err := p.enqueueStage(ctx, queue.QueueFindingLifecycle, StagePayload{
		ProjectID:  pay.ProjectID,
		AuditRunID: pay.AuditRunID,
	}); err != nil {
		// The run is already completed; the lifecycle job is retried by
		// resubmission rather than by failing the run.
		p.deps.Logger.Error("finding-lifecycle enqueue failed", map[string]any{
			"audit_run_id": run.ID,
			"error":        err.Error(),
		})
		return err
	}
	p.appendEvent(ctx, queue.QueueAudit, job.ID, types.EventCompleted, nil)
	return nil
}

func (p *Pipeline) runAudit(ctx context.Context, job queue.Job, run *types.AuditRun) error {
	p.appendEvent(ctx, queue.QueueAudit, job.ID, types.EventProgress, types.AgentPhasePayload{
		Phase: types.PhaseAgentDiscovery,
	})

	contents, err := p.loadRevisionContents(ctx, run.RevisionID)
	if err != nil {
		return err
	}
	prompt := buildAuditPrompt(run, contents)

	p.appendEvent(ctx, queue.QueueAudit, job.ID, types.EventProgress, types.AgentPhasePayload{
		Phase:  types.PhaseAgentValidation,
		Detail: fmt.Sprintf("%d files in context", len(contents)),
	})
	p.appendEvent(ctx, queue.QueueAudit, job.ID, types.EventProgress, types.AgentPhasePayload{
		Phase:   types.PhaseAgentSynthesis,
		ModelID: run.PrimaryModelID,
	})

	res, err := p.deps.LLM.Generate(ctx, llm.Request{
		AuditRunID:    run.ID,
		PrimaryModel:  run.PrimaryModelID,
		FallbackModel: run.FallbackModelID,
		System:        auditSystemPrompt,
		Prompt:        prompt,
		MaxTokens:     p.deps.LLMMaxTokens,
	})
	if err != nil {
		return fmt.Errorf("audit completion: %w", err)
	}

	p.appendEvent(ctx, queue.QueueAudit, job.ID, types.EventProgress, types.AgentPhasePayload{
		Phase:   types.PhaseReportQualityGate,
		ModelID: res.ModelID,
	})

	report, err := ParseReport(res.Raw)
	if err != nil {
		return err
	}
	if err := report.QualityGate(run.ReportSchemaVersion); err != nil {
		return fmt.Errorf("report quality gate: %w", err)
	}

	reported, err := report.ReportedFindings()
	if err != nil {
		return err
	}
	if _, err := p.deps.Findings.RecordInstances(ctx, run, reported); err != nil {
		return err
	}

	if err := p.deps.Store.MarkAuditRunCompleted(ctx, run.ID, res.Raw); err != nil {
		return err
	}
	run.Status = types.AuditCompleted
	p.deps.Metrics.IncAuditRunFinished(string(types.AuditCompleted))

	p.deps.Logger.Info("audit completed", map[string]any{
		"project_id":   run.ProjectID,
		"audit_run_id": run.ID,
		"model_id":     res.ModelID,
		"fallback":     res.UsedFallback,
		"findings":     len(reported),
	})
	return nil
}

// buildAuditPrompt lays the revision out as one document: a file manifest
// followed by each file's contents in a fenced block.
func buildAuditPrompt(run *types.AuditRun, contents []revisionContent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Audit profile: %s\nReport schema version: %s\n\nFiles:\n", run.Profile, run.ReportSchemaVersion)
	for _, rc := range contents {
		fmt.Fprintf(&sb, "- %s (%s)\n", rc.File.Path, rc.File.Language)
	}
	sb.WriteString("\n")
	for _, rc := range contents {
		fmt.Fprintf(&sb, "--- %s ---\n%s\n\n", rc.File.Path, rc.Content)
	}
	return sb.String()
}
