// Package stages implements the five testforge pipeline stages on top of the
// vcs and llm collaborators.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/engine"
	"github.com/lucasnoah/testforge/internal/llm"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// Data keys written by the stages.
const (
	KeyCombinedChanges = "combined_changes"
	KeyCommitCount     = "commit_count"
	KeyFileCount       = "file_count"

	KeyTestStrategies  = "test_strategies"
	KeyPriorityOrder   = "priority_order"
	KeyEstimatedEffort = "estimated_effort"
	KeyRationale       = "rationale"

	KeyGeneratedTests  = "generated_tests"
	KeyTestCountByType = "test_count_by_type"

	KeyTestScenarios           = "test_scenarios"
	KeyScenarioCountByPriority = "scenario_count_by_priority"

	KeyReviewSummary          = "review_summary"
	KeyImprovementSuggestions = "improvement_suggestions"
	KeyQualityMetrics         = "quality_metrics"
)

// ChangeSource reads the combined change of a commit selection.
type ChangeSource interface {
	CombinedChanges(ctx context.Context, repoPath string, commits []string) (*pipeline.CombinedChanges, error)
}

// Generator produces test material with a language model.
type Generator interface {
	Strategy(ctx context.Context, cc *pipeline.CombinedChanges) (*llm.Strategy, error)
	Tests(ctx context.Context, kind string, f pipeline.FileChange) ([]llm.TestCase, error)
	Scenarios(ctx context.Context, cc *pipeline.CombinedChanges, tests []llm.TestCase) ([]llm.TestScenario, error)
	Review(ctx context.Context, cc *pipeline.CombinedChanges, tests []llm.TestCase, scenarios []llm.TestScenario) (*llm.Review, error)
}

// base carries the static parts of a stage.
type base struct {
	id      pipeline.StageID
	deps    []pipeline.StageID
	timeout time.Duration
	retries int
	log     *logging.Logger
}

func (b *base) ID() pipeline.StageID          { return b.id }
func (b *base) DependsOn() []pipeline.StageID { return b.deps }
func (b *base) DefaultTimeout() time.Duration { return b.timeout }
func (b *base) DefaultRetries() int           { return b.retries }

func newBase(id pipeline.StageID, timeout time.Duration, retries int, log *logging.Logger, deps ...pipeline.StageID) base {
	if log == nil {
		log = logging.Nop()
	}
	return base{id: id, deps: deps, timeout: timeout, retries: retries, log: log.WithStage(string(id))}
}

// changesFrom returns the run's combined changes, falling back to the
// analysis stage's data for contexts restored from a checkpoint.
func changesFrom(pc *pipeline.Context) (*pipeline.CombinedChanges, error) {
	if cc := pc.CombinedChanges(); cc != nil {
		return cc, nil
	}
	res, ok := pc.Completed(pipeline.StageVCSAnalysis)
	if !ok {
		return nil, &pipeline.StageExecutionError{Message: "no combined changes available"}
	}
	var cc pipeline.CombinedChanges
	if err := res.Decode(KeyCombinedChanges, &cc); err != nil {
		return nil, &pipeline.StageExecutionError{Message: "read combined changes", Err: err}
	}
	return &cc, nil
}

// upstream decodes key from a completed dependency.
func upstream(pc *pipeline.Context, id pipeline.StageID, key string, v any) error {
	res, ok := pc.Completed(id)
	if !ok {
		return &pipeline.StageExecutionError{Message: fmt.Sprintf("%s has not completed", id)}
	}
	if err := res.Decode(key, v); err != nil {
		return &pipeline.StageExecutionError{Message: "read upstream data", Err: err}
	}
	return nil
}

// failed tags err with the stage and returns the failed result. Errors that
// already carry a classification keep it.
func failed(res *pipeline.StageResult, err error) *pipeline.StageResult {
	var se *pipeline.StageExecutionError
	if errors.As(err, &se) && se.Stage == "" {
		se.Stage = res.Stage
	}
	return res.Fail(err)
}

// Build returns the five stages wired to src and gen.
func Build(src ChangeSource, gen Generator, log *logging.Logger) []engine.Stage {
	return []engine.Stage{
		NewVCSAnalysis(src, log),
		NewTestStrategy(gen, log),
		NewTestCodeGeneration(gen, log),
		NewTestScenarioGeneration(gen, log),
		NewReviewGeneration(gen, log),
	}
}

// Default registers the five stages using the pipeline section of cfg.
// Stages that the configuration does not list are registered disabled so a
// restored context can still satisfy dependencies on them.
func Default(cfg *config.Config, src ChangeSource, gen Generator, log *logging.Logger) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	for _, st := range Build(src, gen, log) {
		sc := engine.DefaultStageConfig()
		if entry, ok := cfg.Pipeline.StageByID(string(st.ID())); ok {
			var err error
			if sc, err = engine.StageConfigFrom(*entry); err != nil {
				return nil, err
			}
		} else {
			sc.Enabled = false
		}
		if err := reg.Register(st, sc); err != nil {
			return nil, err
		}
	}
	for _, entry := range cfg.Pipeline.Stages {
		if !pipeline.StageID(entry.ID).Valid() {
			return nil, &pipeline.ConfigurationError{Stage: pipeline.StageID(entry.ID), Message: "unknown stage"}
		}
	}
	return reg, nil
}

// Only disables every registered stage except ids.
func Only(reg *engine.Registry, ids ...pipeline.StageID) error {
	keep := map[pipeline.StageID]bool{}
	for _, id := range ids {
		if _, _, ok := reg.Lookup(id); !ok {
			return &pipeline.ConfigurationError{Stage: id, Message: "not registered"}
		}
		keep[id] = true
	}
	for _, id := range reg.Stages() {
		if err := reg.SetEnabled(id, keep[id]); err != nil {
			return err
		}
	}
	return nil
}
