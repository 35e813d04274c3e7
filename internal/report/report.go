// Package report turns a run checkpoint into an exportable summary.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/testforge/internal/llm"
	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/stages"
)

// StageLine is the per-stage row of a report.
type StageLine struct {
	Stage    pipeline.StageID     `json:"stage"`
	Name     string               `json:"name"`
	Status   pipeline.StageStatus `json:"status"`
	Duration time.Duration        `json:"duration"`
	Attempts int                  `json:"attempts,omitempty"`
	Errors   []string             `json:"errors,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
}

// StrategySection is the chosen test strategy.
type StrategySection struct {
	Strategies      []string          `json:"strategies"`
	PriorityOrder   []int             `json:"priority_order,omitempty"`
	EstimatedEffort map[string]string `json:"estimated_effort,omitempty"`
	Rationale       string            `json:"rationale,omitempty"`
}

// Aggregate is everything a run produced, in one value.
type Aggregate struct {
	RunID         string             `json:"run_id"`
	Pipeline      string             `json:"pipeline"`
	Status        pipeline.RunStatus `json:"status"`
	FailureReason string             `json:"failure_reason,omitempty"`
	GeneratedAt   time.Time          `json:"generated_at"`
	RepoPath      string             `json:"repo_path"`
	Progress      pipeline.Progress  `json:"progress"`

	CommitRange string                 `json:"commit_range,omitempty"`
	Commits     []pipeline.CommitInfo  `json:"commits,omitempty"`
	Summary     pipeline.ChangeSummary `json:"change_summary"`
	Files       []FileLine             `json:"files,omitempty"`
	Languages   []string               `json:"languages,omitempty"`

	Strategy            *StrategySection   `json:"strategy,omitempty"`
	Tests               []llm.TestCase     `json:"tests,omitempty"`
	TestsByType         map[string]int     `json:"tests_by_type,omitempty"`
	Scenarios           []llm.TestScenario `json:"scenarios,omitempty"`
	ScenariosByPriority map[string]int     `json:"scenarios_by_priority,omitempty"`
	Review              *llm.Review        `json:"review,omitempty"`

	Stages []StageLine `json:"stages"`
	// Notes lists stage data that could not be read back.
	Notes []string `json:"notes,omitempty"`
}

// FileLine is a changed file without its diff.
type FileLine struct {
	Path       string `json:"path"`
	ChangeType string `json:"change_type"`
	Language   string `json:"language,omitempty"`
	Additions  int    `json:"additions"`
	Deletions  int    `json:"deletions"`
}

// Build collects the output of every completed stage in cp.
func Build(cp *pipeline.Checkpoint) *Aggregate {
	a := &Aggregate{
		RunID:         cp.RunID,
		Pipeline:      cp.Pipeline,
		Status:        cp.Status,
		FailureReason: cp.FailureReason,
		GeneratedAt:   time.Now().UTC(),
		RepoPath:      cp.RepoPath,
		Progress:      cp.Progress(),
	}

	for _, r := range cp.Results {
		line := StageLine{
			Stage:    r.Stage,
			Name:     r.Stage.DisplayName(),
			Status:   r.Status,
			Duration: r.Duration,
			Errors:   r.Errors,
			Warnings: r.Warnings,
		}
		line.Attempts = metaInt(r.Metadata[pipeline.MetaAttempts])
		a.Stages = append(a.Stages, line)
	}

	cc := cp.Changes
	if cc == nil {
		if r, ok := completed(cp, pipeline.StageVCSAnalysis); ok {
			var decoded pipeline.CombinedChanges
			if a.decode(r, stages.KeyCombinedChanges, &decoded) {
				cc = &decoded
			}
		}
	}
	if cc != nil {
		a.CommitRange = cc.CommitRange
		a.Commits = cc.Commits
		a.Summary = cc.Summary
		a.Languages = cc.Languages()
		for _, f := range cc.Files {
			a.Files = append(a.Files, FileLine{Path: f.Path, ChangeType: f.ChangeType, Language: f.Language, Additions: f.Additions, Deletions: f.Deletions})
		}
	}

	if r, ok := completed(cp, pipeline.StageTestStrategy); ok {
		s := &StrategySection{}
		a.decode(r, stages.KeyTestStrategies, &s.Strategies)
		a.decodeOptional(r, stages.KeyPriorityOrder, &s.PriorityOrder)
		a.decodeOptional(r, stages.KeyEstimatedEffort, &s.EstimatedEffort)
		a.decodeOptional(r, stages.KeyRationale, &s.Rationale)
		a.Strategy = s
	}
	if r, ok := completed(cp, pipeline.StageTestCodeGen); ok {
		if a.decode(r, stages.KeyGeneratedTests, &a.Tests) {
			a.TestsByType = llm.CountByType(a.Tests)
		}
	}
	if r, ok := completed(cp, pipeline.StageTestScenarioGen); ok {
		if a.decode(r, stages.KeyTestScenarios, &a.Scenarios) {
			a.ScenariosByPriority = llm.CountByPriority(a.Scenarios)
		}
	}
	if r, ok := completed(cp, pipeline.StageReviewGeneration); ok {
		rv := &llm.Review{}
		a.decodeOptional(r, stages.KeyReviewSummary, &rv.Summary)
		a.decodeOptional(r, stages.KeyImprovementSuggestions, &rv.ImprovementSuggestions)
		a.decodeOptional(r, stages.KeyQualityMetrics, &rv.QualityMetrics)
		a.Review = rv
	}
	return a
}

func completed(cp *pipeline.Checkpoint, id pipeline.StageID) (*pipeline.StageResult, bool) {
	r, ok := cp.Result(id)
	if !ok || r.Status != pipeline.StatusCompleted {
		return nil, false
	}
	return r, true
}

func (a *Aggregate) decode(r *pipeline.StageResult, key string, v any) bool {
	if err := r.Decode(key, v); err != nil {
		a.Notes = append(a.Notes, err.Error())
		return false
	}
	return true
}

func (a *Aggregate) decodeOptional(r *pipeline.StageResult, key string, v any) {
	if _, ok := r.Data[key]; ok {
		a.decode(r, key, v)
	}
}

// metaInt reads a numeric metadata value that may have been through JSON.
func metaInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// WriteJSON writes a as indented JSON.
func WriteJSON(w io.Writer, a *Aggregate) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// Write exports a to path, choosing the format from the extension.
func Write(path string, a *Aggregate) error {
	var b strings.Builder
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = WriteJSON(&b, a)
	case ".md", ".markdown":
		err = WriteMarkdown(&b, a)
	case ".html", ".htm":
		err = WriteHTML(&b, a)
	default:
		return fmt.Errorf("unsupported report format %q (use .json, .md or .html)", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return pipeline.WriteAtomic(path, []byte(b.String()))
}
