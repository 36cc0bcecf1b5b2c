package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/1lastphoenix/ton-ai-audit-sub002/store"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// Comparison statuses.
const (
	ComparisonOK           = "ok"
	ComparisonNotCompleted = "not-completed"
)

// FileDiff holds the path-level difference between two revisions.
// Unchanged means the same blob backs the path in both revisions.
type FileDiff struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Changed   []string `json:"changed"`
	Unchanged []string `json:"unchanged"`
}

// FindingBuckets groups finding ids by how they moved between two runs.
type FindingBuckets struct {
	NewlyDetected        []string `json:"newlyDetected"`
	Resolved             []string `json:"resolved"`
	Persisting           []string `json:"persisting"`
	SeverityChangedCount int      `json:"severityChangedCount"`
}

// Comparison is the derived difference between two audit runs, always
// oriented older to newer.
type Comparison struct {
	FromAuditRunID string         `json:"fromAuditRunId"`
	ToAuditRunID   string         `json:"toAuditRunId"`
	Status         string         `json:"status"`
	Files          FileDiff       `json:"files"`
	Findings       FindingBuckets `json:"findings"`
}

// AuditDiff compares a run against the project's previous completed run.
// A first audit diffs against nothing: every file is added and every
// finding newly detected.
func (p *Pipeline) AuditDiff(ctx context.Context, projectID, auditRunID string) (*Comparison, error) {
	run, err := p.loadProjectRun(ctx, projectID, auditRunID)
	if err != nil {
		return nil, err
	}
	if run.Status != types.AuditCompleted {
		return &Comparison{ToAuditRunID: run.ID, Status: ComparisonNotCompleted}, nil
	}

	previous, err := p.deps.Store.GetPreviousCompletedRun(ctx, projectID, run.ID)
	if errors.Is(err, store.ErrNotFound) {
		previous = nil
	} else if err != nil {
		return nil, err
	}
	return p.compare(ctx, previous, run)
}

// AuditComparison compares two completed runs of a project. Direction is
// normalized older to newer by (createdAt, id); either run being
// non-completed yields a not-completed comparison without buckets.
func (p *Pipeline) AuditComparison(ctx context.Context, projectID, fromID, toID string) (*Comparison, error) {
	from, err := p.loadProjectRun(ctx, projectID, fromID)
	if err != nil {
		return nil, err
	}
	to, err := p.loadProjectRun(ctx, projectID, toID)
	if err != nil {
		return nil, err
	}

	if to.CreatedAt.Before(from.CreatedAt) ||
		(to.CreatedAt.Equal(from.CreatedAt) && to.ID < from.ID) {
		from, to = to, from
	}

	if from.Status != types.AuditCompleted || to.Status != types.AuditCompleted {
		return &Comparison{
			FromAuditRunID: from.ID,
			ToAuditRunID:   to.ID,
			Status:         ComparisonNotCompleted,
		}, nil
	}
	return p.compare(ctx, from, to)
}

func (p *Pipeline) loadProjectRun(ctx context.Context, projectID, auditRunID string) (*types.AuditRun, error) {
	run, err := p.deps.Store.GetAuditRun(ctx, auditRunID)
	if err != nil {
		return nil, err
	}
	if run.ProjectID != projectID {
		return nil, fmt.Errorf("audit run %s does not belong to project %s", auditRunID, projectID)
	}
	return run, nil
}

// compare derives the file and finding difference from older (nil for a
// first audit) to newer.
func (p *Pipeline) compare(ctx context.Context, older, newer *types.AuditRun) (*Comparison, error) {
	out := &Comparison{ToAuditRunID: newer.ID, Status: ComparisonOK}

	newerFiles, err := p.deps.Store.ListRevisionFiles(ctx, newer.RevisionID)
	if err != nil {
		return nil, err
	}
	var olderFiles []types.RevisionFile
	if older != nil {
		out.FromAuditRunID = older.ID
		if olderFiles, err = p.deps.Store.ListRevisionFiles(ctx, older.RevisionID); err != nil {
			return nil, err
		}
	}
	out.Files = diffFiles(olderFiles, newerFiles)

	newerSeverity, err := p.severityByFinding(ctx, newer.ID)
	if err != nil {
		return nil, err
	}
	olderSeverity := map[string]types.Severity{}
	if older != nil {
		if olderSeverity, err = p.severityByFinding(ctx, older.ID); err != nil {
			return nil, err
		}
	}
	out.Findings = bucketFindings(olderSeverity, newerSeverity)
	return out, nil
}

func (p *Pipeline) severityByFinding(ctx context.Context, auditRunID string) (map[string]types.Severity, error) {
	instances, err := p.deps.Store.ListFindingInstancesByRun(ctx, auditRunID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Severity, len(instances))
	for _, inst := range instances {
		out[inst.FindingID] = inst.Severity
	}
	return out, nil
}

func diffFiles(older, newer []types.RevisionFile) FileDiff {
	oldByPath := make(map[string]string, len(older))
	for _, f := range older {
		oldByPath[f.Path] = f.BlobID
	}

	var d FileDiff
	seen := make(map[string]bool, len(newer))
	for _, f := range newer {
		seen[f.Path] = true
		oldBlob, existed := oldByPath[f.Path]
		switch {
		case !existed:
			d.Added = append(d.Added, f.Path)
		case oldBlob == f.BlobID:
			d.Unchanged = append(d.Unchanged, f.Path)
		default:
			d.Changed = append(d.Changed, f.Path)
		}
	}
	for _, f := range older {
		if !seen[f.Path] {
			d.Removed = append(d.Removed, f.Path)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	sort.Strings(d.Unchanged)
	return d
}

func bucketFindings(older, newer map[string]types.Severity) FindingBuckets {
	var b FindingBuckets
	for id, sev := range newer {
		oldSev, existed := older[id]
		if !existed {
			b.NewlyDetected = append(b.NewlyDetected, id)
			continue
		}
		b.Persisting = append(b.Persisting, id)
		if oldSev != sev {
			b.SeverityChangedCount++
		}
	}
	for id := range older {
		if _, still := newer[id]; !still {
			b.Resolved = append(b.Resolved, id)
		}
	}

	sort.Strings(b.NewlyDetected)
	sort.Strings(b.Resolved)
	sort.Strings(b.Persisting)
	return b
}
