package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestParseStageID(t *testing.T) {
	for _, id := range AllStages {
		got, err := ParseStageID(string(id))
		if err != nil {
			t.Errorf("ParseStageID(%q): %v", id, err)
		}
		if got != id {
			t.Errorf("ParseStageID(%q) = %q", id, got)
		}
	}
	if _, err := ParseStageID("deploy"); err == nil {
		t.Error("expected error for unknown stage")
	}
	if StageTestCodeGen.DisplayName() != "Test Code Generation" {
		t.Errorf("DisplayName = %q", StageTestCodeGen.DisplayName())
	}
}

func TestNormalizeErrorsForceFailed(t *testing.T) {
	r := NewResult(StageVCSAnalysis)
	r.Errors = []string{"boom"}
	r.Status = StatusCompleted
	r.Normalize()
	if r.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", r.Status, StatusFailed)
	}

	r = NewResult(StageVCSAnalysis)
	r.Status = StatusFailed
	r.Cause = errors.New("underlying")
	r.Normalize()
	if r.FirstError() != "underlying" {
		t.Errorf("FirstError = %q, want cause message", r.FirstError())
	}
}

func TestFailKeepsFirstCause(t *testing.T) {
	r := NewResult(StageTestStrategy)
	first := errors.New("first")
	r.Fail(first)
	r.Fail(errors.New("second"))
	if r.Cause != first {
		t.Errorf("Cause = %v, want first", r.Cause)
	}
	if len(r.Errors) != 2 {
		t.Errorf("Errors = %v, want 2 entries", r.Errors)
	}
}

func TestDecodeFromGenericMap(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	r := NewResult(StageTestCodeGen)
	// Shape after a checkpoint round trip.
	r.Set("p", map[string]any{"name": "x", "count": float64(3)})

	var p payload
	if err := r.Decode("p", &p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Name != "x" || p.Count != 3 {
		t.Errorf("payload = %+v", p)
	}
	if err := r.Decode("missing", &p); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("flaky"), true},
		{"timeout", &TimeoutError{Stage: StageTestStrategy, Timeout: time.Second}, true},
		{"external", &ExternalServiceError{Service: "llm", StatusCode: 503}, true},
		{"config", &ConfigurationError{Message: "cycle"}, false},
		{"repository", &RepositoryError{Path: "/x", Err: errors.New("bad")}, false},
		{"exec retryable", &StageExecutionError{Stage: StageTestStrategy, Retryable: true}, true},
		{"exec permanent", &StageExecutionError{Stage: StageTestStrategy}, false},
		{"abort", ErrAbortRequested, false},
		{"wrapped external", fmt.Errorf("call: %w", &ExternalServiceError{Service: "llm"}), true},
		{"permanent wrapping timeout", &StageExecutionError{Err: &TimeoutError{}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestContextRecordAndOrder(t *testing.T) {
	pc := NewContext("run-1", nil, "/repo", []string{"a"})
	pc.Record(NewResult(StageTestStrategy))
	pc.Record(NewResult(StageVCSAnalysis))
	again := NewResult(StageTestStrategy)
	again.AddError("x")
	pc.Record(again)

	results := pc.Results()
	if len(results) != 2 {
		t.Fatalf("Results has %d entries, want 2", len(results))
	}
	if results[0].Stage != StageTestStrategy || results[0].Status != StatusFailed {
		t.Errorf("results[0] = %s/%s", results[0].Stage, results[0].Status)
	}
	if _, ok := pc.Completed(StageTestStrategy); ok {
		t.Error("failed stage should not be reported completed")
	}
	if _, ok := pc.Completed(StageVCSAnalysis); !ok {
		t.Error("vcs stage should be completed")
	}
}

func TestContextConcurrentRecord(t *testing.T) {
	pc := NewContext("run-1", nil, "", nil)
	var wg sync.WaitGroup
	for _, id := range AllStages {
		wg.Add(1)
		go func(id StageID) {
			defer wg.Done()
			pc.Record(NewResult(id))
			pc.Result(id)
		}(id)
	}
	wg.Wait()
	if len(pc.Results()) != len(AllStages) {
		t.Errorf("Results has %d entries, want %d", len(pc.Results()), len(AllStages))
	}
}

func TestReportProgressClamps(t *testing.T) {
	pc := NewContext("run-1", nil, "", nil)
	pc.ReportProgress(StageVCSAnalysis, 0.5, "no sink installed")

	var got []float64
	pc.SetProgressFunc(func(_ StageID, f float64, _ string) { got = append(got, f) })
	pc.ReportProgress(StageVCSAnalysis, -1, "")
	pc.ReportProgress(StageVCSAnalysis, 2, "")
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("fractions = %v, want [0 1]", got)
	}
}

func TestCheckpointRestoreOnlyCompleted(t *testing.T) {
	done := NewResult(StageVCSAnalysis)
	failed := NewResult(StageTestStrategy)
	failed.AddError("x")
	cp := &Checkpoint{
		RunID:   "run-1",
		Changes: &CombinedChanges{BaseCommit: "base"},
		Results: []*StageResult{done, failed},
	}

	pc := NewContext("run-1", nil, "", nil)
	cp.Restore(pc)
	if _, ok := pc.Result(StageTestStrategy); ok {
		t.Error("failed result should not be restored")
	}
	if _, ok := pc.Completed(StageVCSAnalysis); !ok {
		t.Error("completed result should be restored")
	}
	if pc.CombinedChanges() == nil || pc.CombinedChanges().BaseCommit != "base" {
		t.Error("combined changes should be restored")
	}
}

func TestCheckpointProgress(t *testing.T) {
	cp := testCheckpoint("run-1", RunFailed)
	p := cp.Progress()
	if p.Total != 5 {
		t.Errorf("Total = %d, want 5", p.Total)
	}
	if p.Completed != 1 {
		t.Errorf("Completed = %d, want 1", p.Completed)
	}
	if p.CurrentStage != StageTestStrategy {
		t.Errorf("CurrentStage = %q, want %q", p.CurrentStage, StageTestStrategy)
	}
	if p.Percentage != 20 {
		t.Errorf("Percentage = %v, want 20", p.Percentage)
	}
	if p.Stages[StageReviewGeneration] != StatusPending {
		t.Errorf("review status = %q, want pending", p.Stages[StageReviewGeneration])
	}
}

func TestCombinedChangesLanguages(t *testing.T) {
	ch := &CombinedChanges{Files: []FileChange{
		{Path: "a.go", Language: "go"},
		{Path: "b.py", Language: "python"},
		{Path: "c.go", Language: "go"},
		{Path: "README"},
	}}
	langs := ch.Languages()
	if len(langs) != 2 || langs[0] != "go" || langs[1] != "python" {
		t.Errorf("Languages = %v", langs)
	}
}
