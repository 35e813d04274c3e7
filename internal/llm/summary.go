package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

const summaryFileLimit = 10

// ChangeSummary describes the changed files for a prompt, at most ten of
// them.
func ChangeSummary(cc *pipeline.CombinedChanges) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total files changed: %d (+%d -%d)\n", cc.Summary.TotalFiles, cc.Summary.TotalAdditions, cc.Summary.TotalDeletions)
	for i, f := range cc.Files {
		if i == summaryFileLimit {
			fmt.Fprintf(&b, "... and %d more files\n", len(cc.Files)-summaryFileLimit)
			break
		}
		lang := f.Language
		if lang == "" {
			lang = "unknown"
		}
		fmt.Fprintf(&b, "- %s (%s, %s) +%d -%d\n", f.Path, f.ChangeType, lang, f.Additions, f.Deletions)
		if len(f.ChangedFunctions) > 0 {
			fmt.Fprintf(&b, "  functions: %s\n", strings.Join(f.ChangedFunctions, ", "))
		}
		if len(f.ChangedClasses) > 0 {
			fmt.Fprintf(&b, "  types: %s\n", strings.Join(f.ChangedClasses, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// CommitSubjects lists the commits as "- shorthash subject" lines.
func CommitSubjects(cc *pipeline.CombinedChanges) string {
	lines := make([]string, 0, len(cc.Commits))
	for _, c := range cc.Commits {
		lines = append(lines, fmt.Sprintf("- %s %s", c.ShortHash, c.Subject))
	}
	return strings.Join(lines, "\n")
}

// TestSummary counts tests by type and lists their names.
func TestSummary(tests []TestCase) string {
	if len(tests) == 0 {
		return "No automated tests were generated."
	}
	var b strings.Builder
	counts := CountByType(tests)
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(&b, "%d tests:", len(tests))
	for _, k := range kinds {
		fmt.Fprintf(&b, " %s=%d", k, counts[k])
	}
	b.WriteString("\n")
	for _, t := range tests {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ScenarioSummary lists scenario ids with their features.
func ScenarioSummary(scenarios []TestScenario) string {
	if len(scenarios) == 0 {
		return "No test scenarios were generated."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d scenarios:\n", len(scenarios))
	for _, s := range scenarios {
		fmt.Fprintf(&b, "- %s [%s] %s: %s (%d steps)\n", s.ScenarioID, s.Priority, s.Feature, s.Description, len(s.TestSteps))
	}
	return strings.TrimRight(b.String(), "\n")
}

// CountByType groups tests by TestType.
func CountByType(tests []TestCase) map[string]int {
	out := map[string]int{}
	for _, t := range tests {
		out[t.TestType]++
	}
	return out
}

// CountByPriority groups scenarios by Priority.
func CountByPriority(scenarios []TestScenario) map[string]int {
	out := map[string]int{}
	for _, s := range scenarios {
		p := s.Priority
		if p == "" {
			p = "Medium"
		}
		out[p]++
	}
	return out
}

var frameworkHints = map[string]string{
	"python":     "Use pytest with fixtures and plain assert statements.",
	"java":       "Use JUnit 5 with @Test annotations and Assertions.",
	"javascript": "Use Jest with describe/it blocks.",
	"typescript": "Use Jest with describe/it blocks and typed fixtures.",
	"go":         "Use the standard testing package with table-driven tests.",
	"rust":       "Use a #[cfg(test)] module with #[test] functions.",
}

// FrameworkHint suggests a test framework for lang, or "".
func FrameworkHint(lang string) string {
	return frameworkHints[lang]
}
