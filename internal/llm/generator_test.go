package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

type fakeClient struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []Request
}

func (f *fakeClient) Complete(_ context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.replies) == 0 {
		return &Response{Content: "{}"}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return &Response{Content: r, FinishReason: "stop"}, nil
}

func (f *fakeClient) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.requests[len(f.requests)-1].Messages
	return msgs[len(msgs)-1].Content
}

func sampleChanges() *pipeline.CombinedChanges {
	return &pipeline.CombinedChanges{
		CommitRange: "aaaaaaaa..bbbbbbbb",
		Commits: []pipeline.CommitInfo{
			{ShortHash: "bbbbbbb", Subject: "Add mul to calculator"},
		},
		Files: []pipeline.FileChange{
			{Path: "calc.py", ChangeType: "modified", Additions: 3, Language: "python",
				Diff: "+def mul(a, b):\n+    return a * b", ChangedFunctions: []string{"mul"}},
		},
		Summary:    pipeline.ChangeSummary{TotalFiles: 1, TotalAdditions: 3, NetChanges: 3},
		SampleDiff: "+def mul",
	}
}

func newTestGenerator(c Client) *Generator {
	return NewGenerator(c, nil, config.LLM{Temperature: 0.2, MaxTokens: 2000}, nil)
}

func TestGeneratorStrategy(t *testing.T) {
	fc := &fakeClient{replies: []string{
		`{"test_strategies": ["Unit", "integration_tests", "bogus", "unit"], "priority_order": [1, 2], "estimated_effort": {"unit": "low"}, "rationale": "small change"}`,
	}}
	g := newTestGenerator(fc)

	s, err := g.Strategy(context.Background(), sampleChanges())
	require.NoError(t, err)
	assert.Equal(t, []string{KindUnit, KindIntegration}, s.TestStrategies)
	assert.Equal(t, "small change", s.Rationale)
	assert.False(t, s.Fallback)

	req := fc.requests[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.True(t, req.JSON)
	assert.Equal(t, 2000, req.MaxTokens)
	assert.Contains(t, fc.lastPrompt(), "aaaaaaaa..bbbbbbbb")
	assert.Contains(t, fc.lastPrompt(), "Add mul to calculator")
	assert.Contains(t, fc.lastPrompt(), "Languages: python")
}

func TestGeneratorStrategyFallback(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"rationale": "not sure"}`}}
	s, err := newTestGenerator(fc).Strategy(context.Background(), sampleChanges())
	require.NoError(t, err)
	assert.True(t, s.Fallback)
	assert.Equal(t, DefaultStrategies, s.TestStrategies)
	assert.Equal(t, []string{KindUnit}, s.CodeKinds())
	assert.True(t, s.Wants(KindScenarios))
}

func TestGeneratorTests(t *testing.T) {
	fc := &fakeClient{replies: []string{"Here you go:\n```json\n" +
		`{"tests": [{"name": "test_mul", "description": "multiplies", "code": "def test_mul(): assert mul(2, 3) == 6", "assertions": ["6"], "priority": 1}]}` +
		"\n```\n"}}
	g := newTestGenerator(fc)

	tests, err := g.Tests(context.Background(), KindUnit, sampleChanges().Files[0])
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "test_mul", tests[0].Name)
	assert.Equal(t, KindUnit, tests[0].TestType)
	assert.Equal(t, "calc.py", tests[0].FilePath)
	assert.Equal(t, "python", tests[0].Language)

	p := fc.lastPrompt()
	assert.Contains(t, p, "Changed functions: mul")
	assert.Contains(t, p, "pytest")
	assert.NotContains(t, p, "Changed types")
}

func TestGeneratorScenariosDefaults(t *testing.T) {
	fc := &fakeClient{replies: []string{
		`{"scenarios": [{"feature": "calc", "description": "multiply", "test_steps": [{"step": 1, "action": "open", "expected": "opens"}]}, {"scenario_id": "TS-9", "priority": "High"}]}`,
	}}
	tests := []TestCase{{Name: "test_mul", TestType: KindUnit}}

	sc, err := newTestGenerator(fc).Scenarios(context.Background(), sampleChanges(), tests)
	require.NoError(t, err)
	require.Len(t, sc, 2)
	assert.Equal(t, "TS-001", sc[0].ScenarioID)
	assert.Equal(t, "Medium", sc[0].Priority)
	assert.Equal(t, "1", sc[0].TestSteps[0].Step)
	assert.Equal(t, "TS-9", sc[1].ScenarioID)
	assert.Contains(t, fc.lastPrompt(), "test_mul")
}

func TestGeneratorScenariosWithoutTestsOmitsSection(t *testing.T) {
	fc := &fakeClient{replies: []string{`{"scenarios": []}`}}
	_, err := newTestGenerator(fc).Scenarios(context.Background(), sampleChanges(), nil)
	require.NoError(t, err)
	assert.NotContains(t, fc.lastPrompt(), "Automated tests already generated")
}

func TestGeneratorReview(t *testing.T) {
	fc := &fakeClient{replies: []string{
		`{"summary": "good", "improvement_suggestions": ["test overflow"], "quality_metrics": {"coverage_estimate": 0.7, "overall_quality": 8}}`,
	}}
	r, err := newTestGenerator(fc).Review(context.Background(), sampleChanges(),
		[]TestCase{{Name: "test_mul", TestType: KindUnit}},
		[]TestScenario{{ScenarioID: "TS-001", Priority: "High"}})
	require.NoError(t, err)
	assert.Equal(t, "good", r.Summary)
	assert.Equal(t, []string{"test overflow"}, r.ImprovementSuggestions)
	assert.InDelta(t, 0.7, r.QualityMetrics["coverage_estimate"], 1e-9)
	assert.Contains(t, fc.lastPrompt(), "TS-001")
}

func TestGeneratorUnparseableReply(t *testing.T) {
	fc := &fakeClient{replies: []string{"I cannot help with that."}}
	_, err := newTestGenerator(fc).Review(context.Background(), sampleChanges(), nil, nil)

	var ext *pipeline.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.True(t, pipeline.IsRetryable(err))
	assert.Contains(t, err.Error(), "parse review.md reply")
}

func TestGeneratorPassesClientErrorsThrough(t *testing.T) {
	boom := &pipeline.ExternalServiceError{Service: "azure-openai", StatusCode: 503, Err: errors.New("busy")}
	fc := &fakeClient{err: boom}
	_, err := newTestGenerator(fc).Strategy(context.Background(), sampleChanges())
	assert.Same(t, boom, err)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))

	s := "añb"
	got := truncate(s, 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))

	long := strings.Repeat("測", 200)
	got = truncate(long, 500)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("測", 166)+"...", got)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
		wantErr        bool
	}{
		{name: "bare", in: `{"a":1}`, want: `{"a":1}`},
		{name: "prose around", in: "Sure! {\"a\":1} Hope that helps.", want: `{"a":1}`},
		{name: "fenced json", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "fenced plain", in: "text\n```\n{\"a\":{\"b\":2}}\n```\nmore", want: `{"a":{"b":2}}`},
		{name: "fence wins", in: "{\"x\":0}\n```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "none", in: "no json here", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSummaries(t *testing.T) {
	cc := sampleChanges()
	for i := 0; i < 12; i++ {
		cc.Files = append(cc.Files, pipeline.FileChange{Path: "f.go", ChangeType: "added"})
	}
	s := ChangeSummary(cc)
	assert.Contains(t, s, "... and 3 more files")
	assert.Equal(t, 10, strings.Count(s, "\n- "))

	tests := []TestCase{{Name: "a", TestType: KindUnit}, {Name: "b", TestType: KindUnit}, {Name: "c", TestType: KindSecurity}}
	assert.Equal(t, map[string]int{KindUnit: 2, KindSecurity: 1}, CountByType(tests))
	assert.Contains(t, TestSummary(tests), "3 tests: security=1 unit=2")
	assert.Equal(t, "No automated tests were generated.", TestSummary(nil))

	assert.Equal(t, map[string]int{"High": 1, "Medium": 1},
		CountByPriority([]TestScenario{{Priority: "High"}, {}}))
	assert.Empty(t, FrameworkHint("cobol"))
}
