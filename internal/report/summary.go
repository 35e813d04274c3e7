package report

import "github.com/lucasnoah/testforge/internal/pipeline"

// RunSummary is the one-line view of a stored run used by listings.
type RunSummary struct {
	RunID         string             `json:"run_id"`
	Pipeline      string             `json:"pipeline"`
	Status        pipeline.RunStatus `json:"status"`
	RepoPath      string             `json:"repo_path"`
	Commits       []string           `json:"commits,omitempty"`
	CurrentStage  pipeline.StageID   `json:"current_stage,omitempty"`
	Completed     int                `json:"completed"`
	Total         int                `json:"total"`
	Percentage    float64            `json:"percentage"`
	FailureReason string             `json:"failure_reason,omitempty"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at"`
}

// Summarize condenses cp for listings.
func Summarize(cp *pipeline.Checkpoint) RunSummary {
	p := cp.Progress()
	s := RunSummary{
		RunID:         cp.RunID,
		Pipeline:      cp.Pipeline,
		Status:        cp.Status,
		RepoPath:      cp.RepoPath,
		Commits:       cp.Commits,
		Completed:     p.Completed,
		Total:         p.Total,
		Percentage:    p.Percentage,
		FailureReason: cp.FailureReason,
		CreatedAt:     cp.CreatedAt,
		UpdatedAt:     cp.UpdatedAt,
	}
	if cp.Status == pipeline.RunRunning || cp.Status == pipeline.RunIdle {
		s.CurrentStage = p.CurrentStage
	}
	return s
}

// SummarizeAll condenses every checkpoint, keeping their order.
func SummarizeAll(cps []pipeline.Checkpoint) []RunSummary {
	out := make([]RunSummary, 0, len(cps))
	for i := range cps {
		out = append(out, Summarize(&cps[i]))
	}
	return out
}
