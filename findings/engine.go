// Package findings implements the finding lifecycle engine: stable
// fingerprint identity, per-run instance recording, and transition
// computation between consecutive audits.
package findings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/metrics"
	"github.com/1lastphoenix/ton-ai-audit-sub002/store"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// Fingerprint derives the stable per-project identity of a finding from
// its title, location, and severity. Two reports with the same fields
// collapse onto one Finding row.
func Fingerprint(title, path string, startLine, endLine int, severity types.Severity) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%s", title, path, startLine, endLine, severity)))
	return hex.EncodeToString(sum[:])
}

// ReportedFinding is one finding as reported by the audit stage.
type ReportedFinding struct {
	Title     string
	Path      string
	StartLine int
	EndLine   int
	Severity  types.Severity
	Payload   string // full finding JSON as reported
}

// Fingerprint returns the stable identity of the reported finding.
func (r ReportedFinding) Fingerprint() string {
	return Fingerprint(r.Title, r.Path, r.StartLine, r.EndLine, r.Severity)
}

// Store is the relational surface the engine needs. *store.Store
// satisfies it.
type Store interface {
	GetFindingByFingerprint(ctx context.Context, projectID, fingerprint string) (*types.Finding, error)
	InsertFinding(ctx context.Context, f *types.Finding) (*types.Finding, error)
	UpdateFindingStatus(ctx context.Context, findingID string, status types.FindingStatus, lastSeenRevision string) error
	UpsertFindingInstance(ctx context.Context, inst *types.FindingInstance) error
	ListFindingInstancesByRun(ctx context.Context, auditRunID string) ([]types.FindingInstance, error)
	GetFinding(ctx context.Context, id string) (*types.Finding, error)
	InsertFindingTransition(ctx context.Context, tr *types.FindingTransition) error
}

// Engine records finding instances and applies lifecycle transitions.
type Engine struct {
	store   Store
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewEngine creates a finding lifecycle engine.
func NewEngine(s Store, collector *metrics.Collector, logger *log.Logger) *Engine {
	return &Engine{store: s, logger: logger, metrics: collector}
}

// RecordInstances ensures a Finding row per reported fingerprint and
// upserts one FindingInstance per (finding, run). Re-execution overwrites
// severity and payload without duplicating rows.
func (e *Engine) RecordInstances(ctx context.Context, run *types.AuditRun, reported []ReportedFinding) ([]string, error) {
	findingIDs := make([]string, 0, len(reported))
	for _, rf := range reported {
		fp := rf.Fingerprint()
		finding, err := e.store.GetFindingByFingerprint(ctx, run.ProjectID, fp)
		if errors.Is(err, store.ErrNotFound) {
			finding, err = e.store.InsertFinding(ctx, &types.Finding{
				ProjectID:         run.ProjectID,
				Fingerprint:       fp,
				Title:             rf.Title,
				CurrentStatus:     types.FindingOpened,
				FirstSeenRevision: run.RevisionID,
				LastSeenRevision:  run.RevisionID,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("finding identity for %q: %w", rf.Title, err)
		}

		if err := e.store.UpsertFindingInstance(ctx, &types.FindingInstance{
			FindingID:  finding.ID,
			AuditRunID: run.ID,
			Severity:   rf.Severity,
			Payload:    rf.Payload,
		}); err != nil {
			return nil, err
		}
		findingIDs = append(findingIDs, finding.ID)
	}
	return findingIDs, nil
}

// ComputeTransitions labels each finding's change between two audits.
//
//	previous absent,  current present, no prior status  -> opened
//	previous present, current absent                    -> resolved
//	previous absent,  current present, prior resolved   -> regressed
//	previous present, current present                   -> unchanged
func ComputeTransitions(previous, current []string, previousStatuses map[string]types.FindingStatus) map[string]types.TransitionKind {
	prevSet := make(map[string]struct{}, len(previous))
	for _, id := range previous {
		prevSet[id] = struct{}{}
	}
	curSet := make(map[string]struct{}, len(current))
	for _, id := range current {
		curSet[id] = struct{}{}
	}

	out := make(map[string]types.TransitionKind)
	for id := range curSet {
		if _, inPrev := prevSet[id]; inPrev {
			out[id] = types.TransitionUnchanged
			continue
		}
		if previousStatuses[id] == types.FindingResolved {
			out[id] = types.TransitionRegressed
			continue
		}
		out[id] = types.TransitionOpened
	}
	for id := range prevSet {
		if _, inCur := curSet[id]; !inCur {
			out[id] = types.TransitionResolved
		}
	}
	return out
}

// StatusForTransition maps a transition to the finding's new current
// status: resolved transitions close the finding, everything else keeps
// or reopens it.
func StatusForTransition(kind types.TransitionKind) types.FindingStatus {
	if kind == types.TransitionResolved {
		return types.FindingResolved
	}
	return types.FindingOpened
}

// ApplyLifecycle computes transitions from previousRun (nil for a first
// audit) to currentRun, inserts FindingTransition rows when a previous run
// exists, and updates every touched finding's current status. Present
// findings also advance last-seen to the current revision.
func (e *Engine) ApplyLifecycle(ctx context.Context, previousRun, currentRun *types.AuditRun) error {
	current, err := e.store.ListFindingInstancesByRun(ctx, currentRun.ID)
	if err != nil {
		return err
	}
	currentIDs := make([]string, 0, len(current))
	for _, inst := range current {
		currentIDs = append(currentIDs, inst.FindingID)
	}

	var previousIDs []string
	if previousRun != nil {
		prev, err := e.store.ListFindingInstancesByRun(ctx, previousRun.ID)
		if err != nil {
			return err
		}
		for _, inst := range prev {
			previousIDs = append(previousIDs, inst.FindingID)
		}
	}

	statuses := make(map[string]types.FindingStatus)
	for _, id := range currentIDs {
		f, err := e.store.GetFinding(ctx, id)
		if err != nil {
			return fmt.Errorf("finding %s lookup: %w", id, err)
		}
		statuses[id] = f.CurrentStatus
	}

	transitions := ComputeTransitions(previousIDs, currentIDs, statuses)
	for findingID, kind := range transitions {
		if previousRun != nil {
			if err := e.store.InsertFindingTransition(ctx, &types.FindingTransition{
				FindingID:      findingID,
				FromAuditRunID: previousRun.ID,
				ToAuditRunID:   currentRun.ID,
				Transition:     kind,
			}); err != nil {
				return err
			}
		}

		lastSeen := ""
		if kind != types.TransitionResolved {
			lastSeen = currentRun.RevisionID
		}
		if err := e.store.UpdateFindingStatus(ctx, findingID, StatusForTransition(kind), lastSeen); err != nil {
			return err
		}
		e.metrics.IncFindingTransition(string(kind))
	}

	e.logger.Info("finding lifecycle applied", map[string]any{
		"audit_run_id": currentRun.ID,
		"transitions":  len(transitions),
	})
	return nil
}
