// Package sandbox plans and executes verification runs against the
// external contract runner: a deterministic planner that maps a file set
// to an ordered step list, and a streaming HTTP client with graceful
// degradation for unsupported step actions.
package sandbox

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// BootstrapMode selects how the runner prepares the workspace.
type BootstrapMode string

// Bootstrap modes.
const (
	BootstrapNone      BootstrapMode = "none"
	BootstrapCreateTon BootstrapMode = "create-ton"
)

// Step timeouts in milliseconds.
const (
	buildTimeoutMs     = 8 * 60 * 1000
	bootstrapTimeoutMs = 3 * 60 * 1000
	scanTimeoutMs      = 2 * 60 * 1000
	optionalTimeoutMs  = 90 * 1000
)

// Step actions.
const (
	ActionBlueprintBuild      = "blueprint-build"
	ActionBlueprintTest       = "blueprint-test"
	ActionBootstrapCreateTon  = "bootstrap-create-ton"
	ActionSecuritySurfaceScan = "security-surface-scan"
	ActionSecurityRulesScan   = "security-rules-scan"
)

// Step is one planned runner action. ID equals Action: actions appear at
// most once in a plan.
type Step struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Optional  bool   `json:"optional"`
	TimeoutMs int    `json:"timeoutMs"`
}

// Plan is the deterministic output of the planner for one file set and
// profile.
type Plan struct {
	Adapter            string        `json:"adapter"`
	Languages          []string      `json:"languages"`
	BootstrapMode      BootstrapMode `json:"bootstrapMode"`
	SeedTemplate       string        `json:"seedTemplate,omitempty"`
	Steps              []Step        `json:"steps"`
	UnsupportedReasons []string      `json:"unsupportedReasons,omitempty"`
}

// PlanFile is one input file for planning. Content is only inspected for
// package.json; other files contribute path and language.
type PlanFile struct {
	Path     string
	Language string
	Content  []byte
}

var seedTemplates = map[string]string{
	"tact": "tact-counter",
	"func": "func-counter",
	"tolk": "tolk-counter",
}

// checkActions maps a contract language to its runner check action.
var checkActions = map[string]string{
	"tact": "tact-check",
	"func": "func-check",
	"tolk": "tolk-check",
}

// BuildPlan maps a file set and profile to a runner plan. The same inputs
// always yield the same plan: languages are sorted and step order is fixed
// per adapter.
func BuildPlan(files []PlanFile, profile types.AuditProfile) Plan {
	fast := profile == types.ProfileFast
	languages := presentLanguages(files)

	if usesBlueprint(files) {
		return Plan{
			Adapter:       "blueprint",
			Languages:     languages,
			BootstrapMode: BootstrapNone,
			Steps: []Step{
				{ID: ActionBlueprintBuild, Action: ActionBlueprintBuild, TimeoutMs: buildTimeoutMs},
				{ID: ActionBlueprintTest, Action: ActionBlueprintTest, Optional: fast, TimeoutMs: buildTimeoutMs},
				{ID: ActionSecuritySurfaceScan, Action: ActionSecuritySurfaceScan, TimeoutMs: scanTimeoutMs},
				{ID: ActionSecurityRulesScan, Action: ActionSecurityRulesScan, Optional: fast, TimeoutMs: scanTimeoutMs},
			},
		}
	}

	switch len(languages) {
	case 0:
		return Plan{
			Adapter:            "none",
			BootstrapMode:      BootstrapNone,
			UnsupportedReasons: []string{"no supported contract language detected"},
		}
	case 1:
		lang := languages[0]
		blueprintStep := Step{ID: ActionBlueprintBuild, Action: ActionBlueprintBuild, TimeoutMs: buildTimeoutMs}
		if lang != "tact" {
			blueprintStep.Optional = true
			blueprintStep.TimeoutMs = optionalTimeoutMs
		}
		return Plan{
			Adapter:       lang,
			Languages:     languages,
			BootstrapMode: BootstrapCreateTon,
			SeedTemplate:  seedTemplates[dominantLanguage(files)],
			Steps: []Step{
				{ID: ActionBootstrapCreateTon, Action: ActionBootstrapCreateTon, TimeoutMs: bootstrapTimeoutMs},
				{ID: checkActions[lang], Action: checkActions[lang], TimeoutMs: buildTimeoutMs},
				blueprintStep,
				{ID: ActionSecuritySurfaceScan, Action: ActionSecuritySurfaceScan, TimeoutMs: scanTimeoutMs},
				{ID: ActionSecurityRulesScan, Action: ActionSecurityRulesScan, TimeoutMs: scanTimeoutMs},
			},
		}
	default:
		steps := []Step{
			{ID: ActionBootstrapCreateTon, Action: ActionBootstrapCreateTon, TimeoutMs: bootstrapTimeoutMs},
		}
		for _, lang := range languages {
			steps = append(steps, Step{ID: checkActions[lang], Action: checkActions[lang], TimeoutMs: buildTimeoutMs})
		}
		steps = append(steps,
			Step{ID: ActionBlueprintBuild, Action: ActionBlueprintBuild, Optional: true, TimeoutMs: optionalTimeoutMs},
			Step{ID: ActionSecuritySurfaceScan, Action: ActionSecuritySurfaceScan, TimeoutMs: scanTimeoutMs},
			Step{ID: ActionSecurityRulesScan, Action: ActionSecurityRulesScan, TimeoutMs: scanTimeoutMs},
		)
		return Plan{
			Adapter:       "mixed",
			Languages:     languages,
			BootstrapMode: BootstrapCreateTon,
			SeedTemplate:  seedTemplates[dominantLanguage(files)],
			Steps:         steps,
		}
	}
}

// presentLanguages returns the sorted set of contract languages in the
// file set.
func presentLanguages(files []PlanFile) []string {
	seen := map[string]struct{}{}
	for _, f := range files {
		if _, known := checkActions[f.Language]; known {
			seen[f.Language] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// dominantLanguage returns the contract language with the most files,
// alphabetical on ties.
func dominantLanguage(files []PlanFile) string {
	counts := map[string]int{}
	for _, f := range files {
		if _, known := checkActions[f.Language]; known {
			counts[f.Language]++
		}
	}
	best, bestCount := "", -1
	for lang, n := range counts {
		if n > bestCount || (n == bestCount && lang < best) {
			best, bestCount = lang, n
		}
	}
	return best
}

// usesBlueprint reports whether the project is Blueprint-based: a
// blueprint.config file at any depth, or a package.json with a Blueprint
// dependency or script.
func usesBlueprint(files []PlanFile) bool {
	for _, f := range files {
		base := f.Path
		if i := strings.LastIndex(base, "/"); i >= 0 {
			base = base[i+1:]
		}
		if strings.HasPrefix(base, "blueprint.config.") {
			return true
		}
		if base == "package.json" && packageJSONUsesBlueprint(f.Content) {
			return true
		}
	}
	return false
}

func packageJSONUsesBlueprint(content []byte) bool {
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
		Scripts         map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(content, &pkg); err != nil {
		return false
	}
	for name := range pkg.Dependencies {
		if strings.Contains(name, "blueprint") {
			return true
		}
	}
	for name := range pkg.DevDependencies {
		if strings.Contains(name, "blueprint") {
			return true
		}
	}
	for _, cmd := range pkg.Scripts {
		if strings.Contains(cmd, "blueprint") {
			return true
		}
	}
	return false
}
