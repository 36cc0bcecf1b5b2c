package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/1lastphoenix/ton-ai-audit-sub002/findings"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// Report is the JSON document the audit model returns.
type Report struct {
	SchemaVersion string          `json:"schemaVersion"`
	Summary       string          `json:"summary"`
	Findings      []ReportFinding `json:"findings"`
}

// ReportFinding is one finding inside the report.
type ReportFinding struct {
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Path        string `json:"path"`
	StartLine   int    `json:"startLine"`
	EndLine     int    `json:"endLine"`
	Description string `json:"description"`
}

var knownSeverities = map[types.Severity]bool{
	types.SeverityInfo:     true,
	types.SeverityLow:      true,
	types.SeverityMedium:   true,
	types.SeverityHigh:     true,
	types.SeverityCritical: true,
}

// ParseReport decodes the raw model output into a Report. Models sometimes
// wrap the document in a markdown code fence; the fence is stripped first.
func ParseReport(raw string) (*Report, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var r Report
	if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// QualityGate checks the report against the run's contract: a matching
// schema version and every finding mapped onto the severity taxonomy with
// a non-empty title. A gate failure is fatal for the audit stage.
func (r *Report) QualityGate(wantSchemaVersion string) error {
	if r.SchemaVersion != wantSchemaVersion {
		return fmt.Errorf("report schema version %q does not match expected %q", r.SchemaVersion, wantSchemaVersion)
	}
	for i, f := range r.Findings {
		if strings.TrimSpace(f.Title) == "" {
			return fmt.Errorf("finding %d has an empty title", i)
		}
		if !knownSeverities[types.Severity(f.Severity)] {
			return fmt.Errorf("finding %q has unknown severity %q", f.Title, f.Severity)
		}
	}
	return nil
}

// ReportedFindings converts the report findings into lifecycle-engine
// inputs, each carrying its full JSON as the instance payload.
func (r *Report) ReportedFindings() ([]findings.ReportedFinding, error) {
	out := make([]findings.ReportedFinding, 0, len(r.Findings))
	for _, f := range r.Findings {
		payload, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("encode finding payload: %w", err)
		}
		out = append(out, findings.ReportedFinding{
			Title:     f.Title,
			Path:      f.Path,
			StartLine: f.StartLine,
			EndLine:   f.EndLine,
			Severity:  types.Severity(f.Severity),
			Payload:   string(payload),
		})
	}
	return out, nil
}
