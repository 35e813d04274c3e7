package report

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// WriteMarkdown renders a as a Markdown document.
func WriteMarkdown(w io.Writer, a *Aggregate) error {
	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) { fmt.Fprintf(bw, format, args...) }

	p("# Test generation report\n\n")
	p("- Run: `%s`\n", a.RunID)
	p("- Pipeline: %s\n", a.Pipeline)
	p("- Status: **%s**\n", a.Status)
	if a.FailureReason != "" {
		p("- Failure: %s\n", a.FailureReason)
	}
	if a.CommitRange != "" {
		p("- Commit range: `%s`\n", a.CommitRange)
	}
	p("- Progress: %d/%d stages (%.0f%%)\n", a.Progress.Completed, a.Progress.Total, a.Progress.Percentage)
	p("- Generated: %s\n", a.GeneratedAt.Format(time.RFC3339))

	p("\n## Stages\n\n| Stage | Status | Duration | Attempts |\n|---|---|---|---|\n")
	for _, s := range a.Stages {
		p("| %s | %s | %s | %d |\n", s.Name, s.Status, s.Duration.Round(time.Millisecond), s.Attempts)
	}
	for _, s := range a.Stages {
		for _, e := range s.Errors {
			p("\n> **%s error:** %s\n", s.Name, e)
		}
		for _, wn := range s.Warnings {
			p("\n> %s warning: %s\n", s.Name, wn)
		}
	}

	if len(a.Commits) > 0 || len(a.Files) > 0 {
		p("\n## Changes\n\n")
		for _, c := range a.Commits {
			p("- `%s` %s (%s)\n", c.ShortHash, c.Subject, c.Author)
		}
		p("\n%d files, +%d -%d", a.Summary.TotalFiles, a.Summary.TotalAdditions, a.Summary.TotalDeletions)
		if len(a.Languages) > 0 {
			p(" in %s", strings.Join(a.Languages, ", "))
		}
		p("\n\n| File | Change | Language | + | - |\n|---|---|---|---|---|\n")
		for _, f := range a.Files {
			p("| %s | %s | %s | %d | %d |\n", f.Path, f.ChangeType, f.Language, f.Additions, f.Deletions)
		}
	}

	if a.Strategy != nil {
		p("\n## Strategy\n\n")
		p("Strategies: %s\n", strings.Join(a.Strategy.Strategies, ", "))
		if len(a.Strategy.EstimatedEffort) > 0 {
			p("\nEstimated effort: %s\n", joinSorted(a.Strategy.EstimatedEffort))
		}
		if a.Strategy.Rationale != "" {
			p("\n%s\n", a.Strategy.Rationale)
		}
	}

	if len(a.Tests) > 0 {
		p("\n## Generated tests (%d)\n", len(a.Tests))
		for _, t := range a.Tests {
			p("\n### %s\n\n", t.Name)
			p("- Type: %s\n- File: %s\n- Priority: %d\n", t.TestType, t.FilePath, t.Priority)
			if t.Description != "" {
				p("\n%s\n", t.Description)
			}
			if t.Code != "" {
				p("\n```%s\n%s\n```\n", t.Language, strings.TrimRight(t.Code, "\n"))
			}
		}
	}

	if len(a.Scenarios) > 0 {
		p("\n## Test scenarios (%d)\n", len(a.Scenarios))
		for _, s := range a.Scenarios {
			p("\n### %s: %s\n\n", s.ScenarioID, s.Feature)
			p("Priority: %s. Type: %s.\n", s.Priority, s.TestType)
			if s.Description != "" {
				p("\n%s\n", s.Description)
			}
			if len(s.Preconditions) > 0 {
				p("\nPreconditions:\n")
				for _, pc := range s.Preconditions {
					p("- %s\n", pc)
				}
			}
			if len(s.TestSteps) > 0 {
				p("\n| Step | Action | Expected |\n|---|---|---|\n")
				for i, st := range s.TestSteps {
					n := st.Step
					if n == "" {
						n = fmt.Sprint(i + 1)
					}
					p("| %s | %s | %s |\n", n, cell(st.Action), cell(st.Expected))
				}
			}
			if len(s.ExpectedResults) > 0 {
				p("\nExpected results:\n")
				for _, r := range s.ExpectedResults {
					p("- %s\n", r)
				}
			}
		}
	}

	if a.Review != nil {
		p("\n## Review\n\n%s\n", a.Review.Summary)
		if len(a.Review.QualityMetrics) > 0 {
			keys := make([]string, 0, len(a.Review.QualityMetrics))
			for k := range a.Review.QualityMetrics {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			p("\n| Metric | Value |\n|---|---|\n")
			for _, k := range keys {
				p("| %s | %.2f |\n", k, a.Review.QualityMetrics[k])
			}
		}
		if len(a.Review.ImprovementSuggestions) > 0 {
			p("\nSuggestions:\n")
			for _, s := range a.Review.ImprovementSuggestions {
				p("- %s\n", s)
			}
		}
	}

	if len(a.Notes) > 0 {
		p("\n## Notes\n\n")
		for _, n := range a.Notes {
			p("- %s\n", n)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write markdown report: %w", err)
	}
	return nil
}

// cell keeps a value on one table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func joinSorted(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ", ")
}
