package pipeline

import "time"

// Checkpoint is the persisted snapshot of a run, written after every
// terminal stage transition.
type Checkpoint struct {
	RunID         string           `json:"run_id"`
	Pipeline      string           `json:"pipeline"`
	Status        RunStatus        `json:"status"`
	RepoPath      string           `json:"repo_path"`
	Commits       []string         `json:"commits"`
	Changes       *CombinedChanges `json:"combined_changes,omitempty"`
	Results       []*StageResult   `json:"results"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
}

// Result returns the checkpointed result for id.
func (cp *Checkpoint) Result(id StageID) (*StageResult, bool) {
	for _, r := range cp.Results {
		if r.Stage == id {
			return r, true
		}
	}
	return nil, false
}

// CompletedStages lists the stages whose checkpointed status is completed.
func (cp *Checkpoint) CompletedStages() []StageID {
	var out []StageID
	for _, r := range cp.Results {
		if r.Status == StatusCompleted {
			out = append(out, r.Stage)
		}
	}
	return out
}

// Restore rebuilds a run context from the checkpoint. Only completed results
// are restored; everything else is rerun.
func (cp *Checkpoint) Restore(pc *Context) {
	if cp.Changes != nil {
		pc.SetCombinedChanges(cp.Changes)
	}
	for _, r := range cp.Results {
		if r.Status == StatusCompleted {
			pc.Record(r.Clone())
		}
	}
}

// Snapshot captures pc into a checkpoint with the given status.
func Snapshot(pc *Context, pipelineName string, status RunStatus, reason string) *Checkpoint {
	results := pc.Results()
	cloned := make([]*StageResult, len(results))
	for i, r := range results {
		cloned[i] = r.Clone()
	}
	return &Checkpoint{
		RunID:         pc.RunID,
		Pipeline:      pipelineName,
		Status:        status,
		RepoPath:      pc.RepoPath,
		Commits:       append([]string(nil), pc.Commits...),
		Changes:       pc.CombinedChanges(),
		Results:       cloned,
		FailureReason: reason,
		UpdatedAt:     time.Now().UTC().Format(TimestampFormat),
	}
}

// Progress summarizes a checkpoint for display.
type Progress struct {
	Total        int                     `json:"total"`
	Completed    int                     `json:"completed"`
	Percentage   float64                 `json:"percentage"`
	CurrentStage StageID                 `json:"current_stage,omitempty"`
	Stages       map[StageID]StageStatus `json:"stages"`
}

// Progress reports completion over the known stages. CurrentStage is the
// first stage that has not completed.
func (cp *Checkpoint) Progress() Progress {
	p := Progress{Total: len(AllStages), Stages: map[StageID]StageStatus{}}
	for _, id := range AllStages {
		st := StatusPending
		if r, ok := cp.Result(id); ok {
			st = r.Status
		}
		p.Stages[id] = st
		if st == StatusCompleted {
			p.Completed++
		} else if p.CurrentStage == "" {
			p.CurrentStage = id
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}
