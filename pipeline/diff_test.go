package pipeline

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

func seedComparableRuns(f *fixture) {
	base := time.Now().Add(-2 * time.Hour)
	completedRun(f, "run-a", "p1", "rev-a", base)
	completedRun(f, "run-b", "p1", "rev-b", base.Add(time.Hour))

	f.store.revisionFiles["rev-a"] = []types.RevisionFile{
		{Path: "contracts/counter.tact", BlobID: "blob-1"},
		{Path: "contracts/vault.tact", BlobID: "blob-2"},
		{Path: "legacy.fc", BlobID: "blob-3"},
	}
	f.store.revisionFiles["rev-b"] = []types.RevisionFile{
		{Path: "contracts/counter.tact", BlobID: "blob-1"},
		{Path: "contracts/vault.tact", BlobID: "blob-9"},
		{Path: "contracts/escrow.tact", BlobID: "blob-4"},
	}

	f.store.instances["run-a"] = []types.FindingInstance{
		{FindingID: "f-resolved", Severity: types.SeverityHigh},
		{FindingID: "f-kept", Severity: types.SeverityLow},
	}
	f.store.instances["run-b"] = []types.FindingInstance{
		{FindingID: "f-kept", Severity: types.SeverityMedium},
		{FindingID: "f-new", Severity: types.SeverityCritical},
	}
}

func TestAuditComparisonBuckets(t *testing.T) {
	f := newFixture(t)
	seedComparableRuns(f)

	cmp, err := f.pipeline.AuditComparison(context.Background(), "p1", "run-a", "run-b")
	if err != nil {
		t.Fatalf("comparison: %v", err)
	}
	if cmp.Status != ComparisonOK {
		t.Fatalf("status: %s", cmp.Status)
	}
	if cmp.FromAuditRunID != "run-a" || cmp.ToAuditRunID != "run-b" {
		t.Fatalf("direction: %s -> %s", cmp.FromAuditRunID, cmp.ToAuditRunID)
	}

	wantFiles := FileDiff{
		Added:     []string{"contracts/escrow.tact"},
		Removed:   []string{"legacy.fc"},
		Changed:   []string{"contracts/vault.tact"},
		Unchanged: []string{"contracts/counter.tact"},
	}
	if !reflect.DeepEqual(cmp.Files, wantFiles) {
		t.Fatalf("files: %+v", cmp.Files)
	}

	wantFindings := FindingBuckets{
		NewlyDetected:        []string{"f-new"},
		Resolved:             []string{"f-resolved"},
		Persisting:           []string{"f-kept"},
		SeverityChangedCount: 1,
	}
	if !reflect.DeepEqual(cmp.Findings, wantFindings) {
		t.Fatalf("findings: %+v", cmp.Findings)
	}
}

func TestAuditComparisonNormalizesDirection(t *testing.T) {
	f := newFixture(t)
	seedComparableRuns(f)

	cmp, err := f.pipeline.AuditComparison(context.Background(), "p1", "run-b", "run-a")
	if err != nil {
		t.Fatalf("comparison: %v", err)
	}
	if cmp.FromAuditRunID != "run-a" || cmp.ToAuditRunID != "run-b" {
		t.Fatalf("direction must normalize to older->newer, got %s -> %s", cmp.FromAuditRunID, cmp.ToAuditRunID)
	}
}

func TestAuditComparisonNotCompleted(t *testing.T) {
	f := newFixture(t)
	seedComparableRuns(f)
	f.store.runs["run-b"].Status = types.AuditRunning

	cmp, err := f.pipeline.AuditComparison(context.Background(), "p1", "run-a", "run-b")
	if err != nil {
		t.Fatalf("comparison: %v", err)
	}
	if cmp.Status != ComparisonNotCompleted {
		t.Fatalf("status: %s", cmp.Status)
	}
	if len(cmp.Files.Added)+len(cmp.Findings.NewlyDetected) != 0 {
		t.Fatal("not-completed comparison must carry no buckets")
	}
}

func TestAuditDiffFirstAudit(t *testing.T) {
	f := newFixture(t)
	completedRun(f, "run-1", "p1", "rev-1", time.Now())
	f.store.revisionFiles["rev-1"] = []types.RevisionFile{
		{Path: "contracts/counter.tact", BlobID: "blob-1"},
	}
	f.store.instances["run-1"] = []types.FindingInstance{
		{FindingID: "f1", Severity: types.SeverityHigh},
	}

	cmp, err := f.pipeline.AuditDiff(context.Background(), "p1", "run-1")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if cmp.FromAuditRunID != "" {
		t.Fatalf("first audit has no previous run, got %q", cmp.FromAuditRunID)
	}
	if !reflect.DeepEqual(cmp.Files.Added, []string{"contracts/counter.tact"}) {
		t.Fatalf("added files: %+v", cmp.Files.Added)
	}
	if !reflect.DeepEqual(cmp.Findings.NewlyDetected, []string{"f1"}) {
		t.Fatalf("newly detected: %+v", cmp.Findings.NewlyDetected)
	}
}

func TestAuditDiffAgainstPrevious(t *testing.T) {
	f := newFixture(t)
	seedComparableRuns(f)

	cmp, err := f.pipeline.AuditDiff(context.Background(), "p1", "run-b")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if cmp.FromAuditRunID != "run-a" || cmp.ToAuditRunID != "run-b" {
		t.Fatalf("diff pair: %s -> %s", cmp.FromAuditRunID, cmp.ToAuditRunID)
	}
}

func TestAuditDiffWrongProject(t *testing.T) {
	f := newFixture(t)
	seedComparableRuns(f)

	if _, err := f.pipeline.AuditDiff(context.Background(), "p2", "run-b"); err == nil {
		t.Fatal("cross-project diff must be rejected")
	}
}
