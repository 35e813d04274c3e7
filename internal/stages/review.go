package stages

import (
	"context"
	"time"

	"github.com/lucasnoah/testforge/internal/llm"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// ReviewGeneration asks the model to assess the generated material.
type ReviewGeneration struct {
	base
	gen Generator
}

func NewReviewGeneration(gen Generator, log *logging.Logger) *ReviewGeneration {
	return &ReviewGeneration{
		base: newBase(pipeline.StageReviewGeneration, 3*time.Minute, 2, log,
			pipeline.StageTestCodeGen, pipeline.StageTestScenarioGen),
		gen: gen,
	}
}

func (s *ReviewGeneration) Execute(ctx context.Context, pc *pipeline.Context) *pipeline.StageResult {
	res := pipeline.NewResult(s.id)
	var tests []llm.TestCase
	if err := upstream(pc, pipeline.StageTestCodeGen, KeyGeneratedTests, &tests); err != nil {
		return failed(res, err)
	}
	var scenarios []llm.TestScenario
	if err := upstream(pc, pipeline.StageTestScenarioGen, KeyTestScenarios, &scenarios); err != nil {
		return failed(res, err)
	}
	cc, err := changesFrom(pc)
	if err != nil {
		return failed(res, err)
	}

	pc.ReportProgress(s.id, 0.2, "reviewing")
	review, err := s.gen.Review(ctx, cc, tests, scenarios)
	if err != nil {
		return failed(res, err)
	}
	if review.ImprovementSuggestions == nil {
		review.ImprovementSuggestions = []string{}
	}

	res.Set(KeyReviewSummary, review.Summary)
	res.Set(KeyImprovementSuggestions, review.ImprovementSuggestions)
	res.Set(KeyQualityMetrics, review.QualityMetrics)
	s.log.Info("review generated", "suggestions", len(review.ImprovementSuggestions))
	pc.ReportProgress(s.id, 1, "review ready")
	return res
}
