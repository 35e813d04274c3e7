package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/testforge/internal/llm"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// TestScenarioGeneration writes manual QA scenarios. It runs beside test
// code generation, so it only sees the strategy and the change itself.
type TestScenarioGeneration struct {
	base
	gen Generator
}

func NewTestScenarioGeneration(gen Generator, log *logging.Logger) *TestScenarioGeneration {
	return &TestScenarioGeneration{
		base: newBase(pipeline.StageTestScenarioGen, 5*time.Minute, 2, log, pipeline.StageTestStrategy),
		gen:  gen,
	}
}

func (s *TestScenarioGeneration) Execute(ctx context.Context, pc *pipeline.Context) *pipeline.StageResult {
	res := pipeline.NewResult(s.id)
	var kinds []string
	if err := upstream(pc, pipeline.StageTestStrategy, KeyTestStrategies, &kinds); err != nil {
		return failed(res, err)
	}
	strategy := llm.Strategy{TestStrategies: kinds}
	if !strategy.Wants(llm.KindScenarios) {
		res.AddWarning("strategy does not ask for scenarios")
		res.Set(KeyTestScenarios, []llm.TestScenario{})
		res.Set(KeyScenarioCountByPriority, map[string]int{})
		return res
	}
	cc, err := changesFrom(pc)
	if err != nil {
		return failed(res, err)
	}

	pc.ReportProgress(s.id, 0.2, "writing scenarios")
	scenarios, err := s.gen.Scenarios(ctx, cc, nil)
	if err != nil {
		return failed(res, err)
	}
	if scenarios == nil {
		scenarios = []llm.TestScenario{}
	}
	if len(scenarios) == 0 {
		res.AddWarning("model returned no scenarios")
	}

	res.Set(KeyTestScenarios, scenarios)
	res.Set(KeyScenarioCountByPriority, llm.CountByPriority(scenarios))
	s.log.Info("scenarios generated", "scenarios", len(scenarios))
	pc.ReportProgress(s.id, 1, fmt.Sprintf("%d scenarios", len(scenarios)))
	return res
}
