package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// StageID identifies one of the pipeline stages.
type StageID string

const (
	StageVCSAnalysis      StageID = "vcs_analysis"
	StageTestStrategy     StageID = "test_strategy"
	StageTestCodeGen      StageID = "test_code_generation"
	StageTestScenarioGen  StageID = "test_scenario_generation"
	StageReviewGeneration StageID = "review_generation"
)

// AllStages lists every known stage in canonical order.
var AllStages = []StageID{
	StageVCSAnalysis,
	StageTestStrategy,
	StageTestCodeGen,
	StageTestScenarioGen,
	StageReviewGeneration,
}

var stageNames = map[StageID]string{
	StageVCSAnalysis:      "VCS Analysis",
	StageTestStrategy:     "Test Strategy",
	StageTestCodeGen:      "Test Code Generation",
	StageTestScenarioGen:  "Test Scenario Generation",
	StageReviewGeneration: "Review Generation",
}

func (id StageID) String() string { return string(id) }

// Valid reports whether id is one of the known stages.
func (id StageID) Valid() bool {
	_, ok := stageNames[id]
	return ok
}

// DisplayName returns a human readable name, falling back to the raw id.
func (id StageID) DisplayName() string {
	if n, ok := stageNames[id]; ok {
		return n
	}
	return string(id)
}

// ParseStageID converts s into a StageID, rejecting unknown values.
func ParseStageID(s string) (StageID, error) {
	id := StageID(s)
	if !id.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return id, nil
}

// StageStatus is the lifecycle state of a single stage execution.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// IsTerminal reports whether the status is final for a run.
func (s StageStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// RunStatus is the lifecycle state of a whole pipeline run.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Metadata keys written by the engine.
const (
	MetaAttempts     = "attempts"
	MetaRetries      = "retries"
	MetaStartedAt    = "started_at"
	MetaFinishedAt   = "finished_at"
	MetaTimedOut     = "timed_out"
	MetaSkipReason   = "skip_reason"
	MetaConfirmation = "confirmation"
)

// StageResult is the outcome of executing one stage.
// Errors is non-empty only when Status is StatusFailed; Data may still be
// populated on failure.
type StageResult struct {
	Stage    StageID        `json:"stage"`
	Status   StageStatus    `json:"status"`
	Data     map[string]any `json:"data,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Duration time.Duration  `json:"duration"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Cause is the error behind a failure. It drives retry classification
	// and is not persisted.
	Cause error `json:"-"`
}

// NewResult returns an empty completed result for id.
func NewResult(id StageID) *StageResult {
	return &StageResult{
		Stage:    id,
		Status:   StatusCompleted,
		Data:     map[string]any{},
		Metadata: map[string]any{},
	}
}

// AddError records msg and marks the result failed.
func (r *StageResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Status = StatusFailed
}

// Fail records err as both the error message and the cause.
func (r *StageResult) Fail(err error) *StageResult {
	r.AddError(err.Error())
	if r.Cause == nil {
		r.Cause = err
	}
	return r
}

func (r *StageResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Set stores a data value.
func (r *StageResult) Set(key string, v any) {
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	r.Data[key] = v
}

// SetMeta stores a metadata value.
func (r *StageResult) SetMeta(key string, v any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = v
}

// Decode copies the data value at key into v. Values may be live Go values
// or generic JSON maps restored from a checkpoint, so both go through JSON.
func (r *StageResult) Decode(key string, v any) error {
	raw, ok := r.Data[key]
	if !ok {
		return fmt.Errorf("%s: missing data key %q", r.Stage, key)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%s: marshal %q: %w", r.Stage, key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: decode %q: %w", r.Stage, key, err)
	}
	return nil
}

// Normalize enforces that a result carrying errors is failed.
func (r *StageResult) Normalize() {
	if len(r.Errors) > 0 {
		r.Status = StatusFailed
	}
	if r.Status == StatusFailed && len(r.Errors) == 0 {
		if r.Cause != nil {
			r.Errors = append(r.Errors, r.Cause.Error())
		} else {
			r.Errors = append(r.Errors, "stage failed without an error message")
		}
	}
}

// FirstError returns the first recorded error message, or "".
func (r *StageResult) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0]
}

// Clone returns a shallow copy with independent slices and maps.
func (r *StageResult) Clone() *StageResult {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	c.Warnings = append([]string(nil), r.Warnings...)
	c.Data = make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		c.Data[k] = v
	}
	c.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// CommitInfo describes one selected commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"short_hash"`
	Author    string    `json:"author"`
	Email     string    `json:"email"`
	Date      time.Time `json:"date"`
	Subject   string    `json:"subject"`
}

// FileChange describes the combined change to one file across the selection.
type FileChange struct {
	Path             string   `json:"path"`
	OldPath          string   `json:"old_path,omitempty"`
	ChangeType       string   `json:"change_type"`
	Additions        int      `json:"additions"`
	Deletions        int      `json:"deletions"`
	Language         string   `json:"language,omitempty"`
	Diff             string   `json:"diff,omitempty"`
	ChangedFunctions []string `json:"changed_functions,omitempty"`
	ChangedClasses   []string `json:"changed_classes,omitempty"`
}

// ChangeSummary aggregates line counts over all files.
type ChangeSummary struct {
	TotalFiles     int `json:"total_files"`
	TotalAdditions int `json:"total_additions"`
	TotalDeletions int `json:"total_deletions"`
	NetChanges     int `json:"net_changes"`
}

// CombinedChanges is the union of the selected commits' changes.
type CombinedChanges struct {
	BaseCommit      string        `json:"base_commit"`
	LatestCommit    string        `json:"latest_commit"`
	CommitRange     string        `json:"commit_range"`
	SelectedCommits []string      `json:"selected_commits"`
	Commits         []CommitInfo  `json:"commits"`
	Files           []FileChange  `json:"files"`
	Summary         ChangeSummary `json:"summary"`
	SampleDiff      string        `json:"sample_diff,omitempty"`
}

// Languages returns the distinct languages touched, in first-seen order.
func (c *CombinedChanges) Languages() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range c.Files {
		if f.Language == "" || seen[f.Language] {
			continue
		}
		seen[f.Language] = true
		out = append(out, f.Language)
	}
	return out
}
