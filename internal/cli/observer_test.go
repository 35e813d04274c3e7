package cli

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/testforge/internal/engine"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

func confirmWith(t *testing.T, input string) (engine.Decision, string) {
	t.Helper()
	var out bytes.Buffer
	obs := newTerminalObserver(strings.NewReader(input), &out)
	res := pipeline.NewResult(pipeline.StageTestStrategy)
	res.Warnings = []string{"no source files changed"}
	res.Data = map[string]any{"test_strategies": []any{1, 2}}
	d, err := obs.RequestConfirmation(context.Background(), engine.ConfirmationRequest{RunID: "r1", Stage: pipeline.StageTestStrategy, Result: res})
	if err != nil {
		t.Fatalf("confirm %q: %v", input, err)
	}
	return d, out.String()
}

func TestConfirmationAnswers(t *testing.T) {
	tests := []struct {
		input string
		want  engine.Decision
	}{
		{"y\n", engine.DecisionProceed},
		{"\n", engine.DecisionProceed},
		{"skip\n", engine.DecisionSkip},
		{"a\n", engine.DecisionAbort},
		{"maybe\ns\n", engine.DecisionSkip},
		{"", engine.DecisionAbort},
		{"y", engine.DecisionProceed},
	}
	for _, tt := range tests {
		if got, _ := confirmWith(t, tt.input); got != tt.want {
			t.Errorf("input %q = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestConfirmationShowsResult(t *testing.T) {
	_, out := confirmWith(t, "y\n")
	for _, want := range []string{"test_strategy", "no source files changed", "test_strategies: 2 items", "[y]es/[s]kip/[a]bort"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfirmationHonoursContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	obs := newTerminalObserver(pr, io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	d, err := obs.RequestConfirmation(ctx, engine.ConfirmationRequest{Stage: pipeline.StageReviewGeneration})
	if err == nil || d != engine.DecisionAbort {
		t.Errorf("decision = %s, err = %v", d, err)
	}
}

func TestReportProgress(t *testing.T) {
	var out bytes.Buffer
	obs := newTerminalObserver(strings.NewReader(""), &out)
	obs.ReportProgress(engine.ProgressEvent{Stage: pipeline.StageTestCodeGen, Status: pipeline.StatusRunning, Overall: 0.4, Message: "generating unit tests 2/5"})
	obs.ReportProgress(engine.ProgressEvent{Stage: pipeline.StageTestCodeGen, Status: pipeline.StatusCompleted, Overall: 0.6})

	s := out.String()
	if !strings.Contains(s, "40%") || !strings.Contains(s, "generating unit tests 2/5") {
		t.Errorf("running line:\n%s", s)
	}
	if !strings.Contains(s, "60%") || !strings.Contains(s, "completed") {
		t.Errorf("completed line:\n%s", s)
	}
}

func TestDescribeValue(t *testing.T) {
	tests := []struct {
		v    any
		want string
	}{
		{[]string{"a", "b", "c"}, "k: 3 items"},
		{map[string]int{"a": 1}, "k: 1 entries"},
		{"short", "k: short"},
		{42, "k: 42"},
		{nil, "k"},
	}
	for _, tt := range tests {
		if got := describeValue("k", tt.v); got != tt.want {
			t.Errorf("describeValue(%v) = %q, want %q", tt.v, got, tt.want)
		}
	}
	if got := describeValue("k", strings.Repeat("x", 100)); len(got) != len("k: ")+60 {
		t.Errorf("long string not truncated: %q", got)
	}
}
