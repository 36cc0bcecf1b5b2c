package findings

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/store"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

type stubFindingStore struct {
	findings    map[string]*types.Finding // by id
	byFp        map[string]string         // project|fingerprint -> id
	instances   map[string]*types.FindingInstance
	transitions []types.FindingTransition
	statuses    map[string]types.FindingStatus
	lastSeen    map[string]string
}

func newStubFindingStore() *stubFindingStore {
	return &stubFindingStore{
		findings:  map[string]*types.Finding{},
		byFp:      map[string]string{},
		instances: map[string]*types.FindingInstance{},
		statuses:  map[string]types.FindingStatus{},
		lastSeen:  map[string]string{},
	}
}

func (s *stubFindingStore) GetFindingByFingerprint(_ context.Context, projectID, fingerprint string) (*types.Finding, error) {
	if id, ok := s.byFp[projectID+"|"+fingerprint]; ok {
		return s.findings[id], nil
	}
	return nil, store.ErrNotFound
}

func (s *stubFindingStore) InsertFinding(_ context.Context, f *types.Finding) (*types.Finding, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	s.findings[f.ID] = f
	s.byFp[f.ProjectID+"|"+f.Fingerprint] = f.ID
	s.statuses[f.ID] = f.CurrentStatus
	return f, nil
}

func (s *stubFindingStore) UpdateFindingStatus(_ context.Context, findingID string, status types.FindingStatus, lastSeenRevision string) error {
	s.statuses[findingID] = status
	if f, ok := s.findings[findingID]; ok {
		f.CurrentStatus = status
	}
	if lastSeenRevision != "" {
		s.lastSeen[findingID] = lastSeenRevision
	}
	return nil
}

func (s *stubFindingStore) UpsertFindingInstance(_ context.Context, inst *types.FindingInstance) error {
	key := inst.FindingID + "|" + inst.AuditRunID
	if existing, ok := s.instances[key]; ok {
		existing.Severity = inst.Severity
		existing.Payload = inst.Payload
		return nil
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	copied := *inst
	s.instances[key] = &copied
	return nil
}

func (s *stubFindingStore) ListFindingInstancesByRun(_ context.Context, auditRunID string) ([]types.FindingInstance, error) {
	var out []types.FindingInstance
	for _, inst := range s.instances {
		if inst.AuditRunID == auditRunID {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (s *stubFindingStore) GetFinding(_ context.Context, id string) (*types.Finding, error) {
	if f, ok := s.findings[id]; ok {
		return f, nil
	}
	return nil, store.ErrNotFound
}

func (s *stubFindingStore) InsertFindingTransition(_ context.Context, tr *types.FindingTransition) error {
	for _, existing := range s.transitions {
		if existing.FindingID == tr.FindingID &&
			existing.FromAuditRunID == tr.FromAuditRunID &&
			existing.ToAuditRunID == tr.ToAuditRunID {
			return nil
		}
	}
	s.transitions = append(s.transitions, *tr)
	return nil
}

func newTestEngine(s *stubFindingStore) *Engine {
	return NewEngine(s, nil, log.NewProcessLogger())
}

func TestFingerprintIsStableAndSensitive(t *testing.T) {
	a := Fingerprint("Reentrancy", "contracts/wallet.tact", 10, 24, types.SeverityHigh)
	b := Fingerprint("Reentrancy", "contracts/wallet.tact", 10, 24, types.SeverityHigh)
	if a != b {
		t.Fatal("same inputs must produce the same fingerprint")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(a))
	}

	c := Fingerprint("Reentrancy", "contracts/wallet.tact", 10, 24, types.SeverityCritical)
	if a == c {
		t.Fatal("severity must participate in the fingerprint")
	}
	d := Fingerprint("Reentrancy", "contracts/wallet.tact", 11, 24, types.SeverityHigh)
	if a == d {
		t.Fatal("location must participate in the fingerprint")
	}
}

func TestComputeTransitionsTable(t *testing.T) {
	cases := []struct {
		name     string
		previous []string
		current  []string
		statuses map[string]types.FindingStatus
		want     map[string]types.TransitionKind
	}{
		{
			name:    "new finding opens",
			current: []string{"f1"},
			want:    map[string]types.TransitionKind{"f1": types.TransitionOpened},
		},
		{
			name:     "disappeared finding resolves",
			previous: []string{"f1"},
			statuses: map[string]types.FindingStatus{"f1": types.FindingOpened},
			want:     map[string]types.TransitionKind{"f1": types.TransitionResolved},
		},
		{
			name:     "previously resolved finding regresses",
			current:  []string{"f1"},
			statuses: map[string]types.FindingStatus{"f1": types.FindingResolved},
			want:     map[string]types.TransitionKind{"f1": types.TransitionRegressed},
		},
		{
			name:     "persisting finding unchanged",
			previous: []string{"f1"},
			current:  []string{"f1"},
			statuses: map[string]types.FindingStatus{"f1": types.FindingOpened},
			want:     map[string]types.TransitionKind{"f1": types.TransitionUnchanged},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeTransitions(tc.previous, tc.current, tc.statuses)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d transitions, want %d", len(got), len(tc.want))
			}
			for id, kind := range tc.want {
				if got[id] != kind {
					t.Errorf("finding %s: got %q, want %q", id, got[id], kind)
				}
			}
		})
	}
}

func TestRecordInstancesIsIdempotent(t *testing.T) {
	s := newStubFindingStore()
	engine := newTestEngine(s)
	ctx := context.Background()
	run := &types.AuditRun{ID: "run-1", ProjectID: "p1", RevisionID: "rev-1"}

	reported := []ReportedFinding{
		{Title: "Reentrancy", Path: "contracts/wallet.tact", StartLine: 10, EndLine: 24, Severity: types.SeverityHigh, Payload: `{"title":"Reentrancy"}`},
	}

	first, err := engine.RecordInstances(ctx, run, reported)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	second, err := engine.RecordInstances(ctx, run, reported)
	if err != nil {
		t.Fatalf("re-record: %v", err)
	}
	if first[0] != second[0] {
		t.Fatalf("re-execution created a new finding: %q vs %q", first[0], second[0])
	}
	if len(s.instances) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(s.instances))
	}
	if len(s.findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(s.findings))
	}
}

// Mirrors consecutive audits with previous findings {A(medium), B(high)}
// and current findings {B(critical), C(low)}: A resolves, B persists with
// a severity change, C opens.
func TestApplyLifecycleAcrossTwoAudits(t *testing.T) {
	s := newStubFindingStore()
	engine := newTestEngine(s)
	ctx := context.Background()

	prevRun := &types.AuditRun{ID: "run-1", ProjectID: "p1", RevisionID: "rev-1"}
	curRun := &types.AuditRun{ID: "run-2", ProjectID: "p1", RevisionID: "rev-2"}

	findingA := ReportedFinding{Title: "A", Path: "contracts/a.tact", StartLine: 1, EndLine: 2, Severity: types.SeverityMedium}
	findingB := ReportedFinding{Title: "B", Path: "contracts/b.tact", StartLine: 3, EndLine: 4, Severity: types.SeverityHigh}
	findingBCur := findingB
	findingC := ReportedFinding{Title: "C", Path: "contracts/c.tact", StartLine: 5, EndLine: 6, Severity: types.SeverityLow}

	prevIDs, err := engine.RecordInstances(ctx, prevRun, []ReportedFinding{findingA, findingB})
	if err != nil {
		t.Fatalf("record previous: %v", err)
	}
	curIDs, err := engine.RecordInstances(ctx, curRun, []ReportedFinding{findingBCur, findingC})
	if err != nil {
		t.Fatalf("record current: %v", err)
	}
	// Escalate B's severity on the current instance.
	if err := s.UpsertFindingInstance(ctx, &types.FindingInstance{
		FindingID: curIDs[0], AuditRunID: curRun.ID, Severity: types.SeverityCritical,
	}); err != nil {
		t.Fatalf("escalate severity: %v", err)
	}

	if err := engine.ApplyLifecycle(ctx, prevRun, curRun); err != nil {
		t.Fatalf("apply lifecycle: %v", err)
	}

	idA, idB, idC := prevIDs[0], prevIDs[1], curIDs[1]
	byFinding := map[string]types.TransitionKind{}
	for _, tr := range s.transitions {
		byFinding[tr.FindingID] = tr.Transition
	}
	if byFinding[idA] != types.TransitionResolved {
		t.Errorf("A: got %q, want resolved", byFinding[idA])
	}
	if byFinding[idB] != types.TransitionUnchanged {
		t.Errorf("B: got %q, want unchanged", byFinding[idB])
	}
	if byFinding[idC] != types.TransitionOpened {
		t.Errorf("C: got %q, want opened", byFinding[idC])
	}

	if s.statuses[idA] != types.FindingResolved {
		t.Errorf("A status: got %q, want resolved", s.statuses[idA])
	}
	if s.statuses[idB] != types.FindingOpened {
		t.Errorf("B status: got %q, want opened", s.statuses[idB])
	}
	if s.lastSeen[idB] != "rev-2" {
		t.Errorf("B last seen: got %q, want rev-2", s.lastSeen[idB])
	}
	if s.lastSeen[idA] == "rev-2" {
		t.Error("resolved finding must not advance last seen")
	}
}

func TestApplyLifecycleFirstAuditSkipsTransitionRows(t *testing.T) {
	s := newStubFindingStore()
	engine := newTestEngine(s)
	ctx := context.Background()

	run := &types.AuditRun{ID: "run-1", ProjectID: "p1", RevisionID: "rev-1"}
	if _, err := engine.RecordInstances(ctx, run, []ReportedFinding{
		{Title: "A", Path: "contracts/a.tact", StartLine: 1, EndLine: 2, Severity: types.SeverityMedium},
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := engine.ApplyLifecycle(ctx, nil, run); err != nil {
		t.Fatalf("apply lifecycle: %v", err)
	}
	if len(s.transitions) != 0 {
		t.Fatalf("first audit must not write transition rows, got %d", len(s.transitions))
	}
	for id, status := range s.statuses {
		if status != types.FindingOpened {
			t.Errorf("finding %s: got %q, want opened", id, status)
		}
	}
}
