package stages

import (
	"context"
	"strings"
	"time"

	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// TestStrategy asks the model which kinds of tests the change needs.
type TestStrategy struct {
	base
	gen Generator
}

func NewTestStrategy(gen Generator, log *logging.Logger) *TestStrategy {
	return &TestStrategy{
		base: newBase(pipeline.StageTestStrategy, 2*time.Minute, 2, log, pipeline.StageVCSAnalysis),
		gen:  gen,
	}
}

func (s *TestStrategy) Execute(ctx context.Context, pc *pipeline.Context) *pipeline.StageResult {
	res := pipeline.NewResult(s.id)
	cc, err := changesFrom(pc)
	if err != nil {
		return failed(res, err)
	}
	if len(cc.Files) == 0 {
		return failed(res, &pipeline.StageExecutionError{Message: "no changed files to plan tests for"})
	}

	pc.ReportProgress(s.id, 0.2, "asking for a test strategy")
	strategy, err := s.gen.Strategy(ctx, cc)
	if err != nil {
		return failed(res, err)
	}
	if strategy.Fallback {
		res.AddWarning("model named no test strategies; using " + strings.Join(strategy.TestStrategies, ", "))
	}

	res.Set(KeyTestStrategies, strategy.TestStrategies)
	res.Set(KeyPriorityOrder, strategy.PriorityOrder)
	res.Set(KeyEstimatedEffort, strategy.EstimatedEffort)
	res.Set(KeyRationale, strategy.Rationale)
	s.log.Info("strategy chosen", "strategies", strategy.TestStrategies, "fallback", strategy.Fallback)
	pc.ReportProgress(s.id, 1, "strategy: "+strings.Join(strategy.TestStrategies, ", "))
	return res
}
