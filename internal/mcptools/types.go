package mcptools

import (
	"github.com/lucasnoah/testforge/internal/engine"
	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/report"
)

// ListRunsInput is the input for the list_runs tool.
type ListRunsInput struct {
	Status string `json:"status,omitempty" jsonschema:"only runs with this status (idle, running, completed, failed, aborted)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of runs to return, newest first (default 20)"`
}

// ListRunsOutput is the result of the list_runs tool.
type ListRunsOutput struct {
	Runs []report.RunSummary `json:"runs"`
}

// GetRunInput is the input for the get_run tool.
type GetRunInput struct {
	RunID         string `json:"run_id" jsonschema:"id of the run"`
	IncludeReport bool   `json:"include_report,omitempty" jsonschema:"also return the generated tests, scenarios and review"`
}

// GetRunOutput is the result of the get_run tool.
type GetRunOutput struct {
	Run      report.RunSummary  `json:"run"`
	Progress pipeline.Progress  `json:"progress"`
	Stages   []report.StageLine `json:"stages"`
	Report   *report.Aggregate  `json:"report,omitempty"`
}

// PlanInput is the input for the plan_pipeline tool.
type PlanInput struct {
	Only []string `json:"only,omitempty" jsonschema:"restrict the plan to these stage ids"`
}

// PlanOutput is the result of the plan_pipeline tool.
type PlanOutput struct {
	Batches []engine.Batch     `json:"batches"`
	Order   []pipeline.StageID `json:"order"`
}

// RunPipelineInput is the input for the run_pipeline tool.
type RunPipelineInput struct {
	RepoPath string   `json:"repo_path,omitempty" jsonschema:"git repository to analyze (default: the earlier run's repository)"`
	Commits  []string `json:"commits,omitempty" jsonschema:"commits to analyze (default: recent non-test commits)"`
	Only     []string `json:"only,omitempty" jsonschema:"run only these stage ids"`
	FromRun  string   `json:"from_run,omitempty" jsonschema:"reuse completed stage results of this run"`
}

// ResumeRunInput is the input for the resume_run tool.
type ResumeRunInput struct {
	RunID string `json:"run_id" jsonschema:"id of the run to resume"`
}

// RunOutput is the result of run_pipeline and resume_run.
type RunOutput struct {
	RunID         string              `json:"run_id"`
	Status        pipeline.RunStatus  `json:"status"`
	Stages        []engine.StageState `json:"stages"`
	Restored      []pipeline.StageID  `json:"restored,omitempty"`
	Errors        []string            `json:"errors,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	DurationMS    int64               `json:"duration_ms"`
}
