package mcptools

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lucasnoah/testforge/internal/engine"
	"github.com/lucasnoah/testforge/internal/orchestrator"
	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/report"
)

const defaultListLimit = 20

// RunService handles MCP tool calls against the run store and orchestrator.
type RunService struct {
	store *pipeline.Store
	orch  *orchestrator.Orchestrator
}

// NewRunService creates a RunService.
func NewRunService(store *pipeline.Store, orch *orchestrator.Orchestrator) *RunService {
	return &RunService{store: store, orch: orch}
}

// ListRuns returns stored runs, newest first.
func (s *RunService) ListRuns(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input ListRunsInput,
) (*mcp.CallToolResult, ListRunsOutput, error) {
	cps, err := s.store.List(pipeline.RunStatus(input.Status))
	if err != nil {
		return nil, ListRunsOutput{}, fmt.Errorf("list runs: %w", err)
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(cps) > limit {
		cps = cps[:limit]
	}
	return nil, ListRunsOutput{Runs: report.SummarizeAll(cps)}, nil
}

// GetRun returns the progress of one run and optionally its full report.
func (s *RunService) GetRun(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input GetRunInput,
) (*mcp.CallToolResult, GetRunOutput, error) {
	if input.RunID == "" {
		return nil, GetRunOutput{}, errors.New("run_id is required")
	}
	cp, err := s.store.Load(input.RunID)
	if err != nil {
		return nil, GetRunOutput{}, err
	}
	agg := report.Build(cp)
	out := GetRunOutput{
		Run:      report.Summarize(cp),
		Progress: agg.Progress,
		Stages:   agg.Stages,
	}
	if input.IncludeReport {
		out.Report = agg
	}
	return nil, out, nil
}

// PlanPipeline returns the batches the engine would dispatch.
func (s *RunService) PlanPipeline(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input PlanInput,
) (*mcp.CallToolResult, PlanOutput, error) {
	only, err := parseStages(input.Only)
	if err != nil {
		return nil, PlanOutput{}, err
	}
	plan, err := s.orch.Plan(only...)
	if err != nil {
		return nil, PlanOutput{}, err
	}
	return nil, PlanOutput{Batches: plan.Batches, Order: plan.Order}, nil
}

// RunPipeline runs the pipeline to completion. Confirmation gates are
// approved automatically.
func (s *RunService) RunPipeline(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RunPipelineInput,
) (*mcp.CallToolResult, RunOutput, error) {
	if input.RepoPath == "" && input.FromRun == "" {
		return nil, RunOutput{}, errors.New("repo_path or from_run is required")
	}
	only, err := parseStages(input.Only)
	if err != nil {
		return nil, RunOutput{}, err
	}
	res, err := s.orch.Run(ctx, orchestrator.RunOpts{
		RepoPath: input.RepoPath,
		Commits:  input.Commits,
		Only:     only,
		FromRun:  input.FromRun,
		Observer: engine.AutoApprove{},
	})
	if err != nil {
		return nil, RunOutput{}, err
	}
	return nil, runOutput(res), nil
}

// ResumeRun reruns the unfinished stages of a stored run.
func (s *RunService) ResumeRun(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ResumeRunInput,
) (*mcp.CallToolResult, RunOutput, error) {
	if input.RunID == "" {
		return nil, RunOutput{}, errors.New("run_id is required")
	}
	res, err := s.orch.Resume(ctx, input.RunID, engine.AutoApprove{})
	if err != nil {
		return nil, RunOutput{}, err
	}
	return nil, runOutput(res), nil
}

func runOutput(res *engine.RunResult) RunOutput {
	return RunOutput{
		RunID:         res.RunID,
		Status:        res.Status,
		Stages:        res.Statuses(),
		Restored:      res.Restored,
		Errors:        res.Errors(),
		FailureReason: res.FailureReason,
		DurationMS:    res.Duration.Milliseconds(),
	}
}

func parseStages(ids []string) ([]pipeline.StageID, error) {
	out := make([]pipeline.StageID, 0, len(ids))
	for _, s := range ids {
		id, err := pipeline.ParseStageID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
