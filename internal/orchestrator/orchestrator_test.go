package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/llm"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	repos []string
}

func (f *fakeSource) CombinedChanges(_ context.Context, repo string, _ []string) (*pipeline.CombinedChanges, error) {
	f.mu.Lock()
	f.calls++
	f.repos = append(f.repos, repo)
	f.mu.Unlock()
	return &pipeline.CombinedChanges{
		CommitRange: "aaaaaaaa..bbbbbbbb",
		Files:       []pipeline.FileChange{{Path: "calc.py", ChangeType: "modified", Language: "python"}},
		Summary:     pipeline.ChangeSummary{TotalFiles: 1},
	}, nil
}

type fakeGen struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeGen) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeGen) Strategy(context.Context, *pipeline.CombinedChanges) (*llm.Strategy, error) {
	f.count("strategy")
	return &llm.Strategy{TestStrategies: []string{llm.KindUnit, llm.KindScenarios}}, nil
}

func (f *fakeGen) Tests(_ context.Context, kind string, file pipeline.FileChange) ([]llm.TestCase, error) {
	f.count("tests")
	return []llm.TestCase{{Name: "test_calc", TestType: kind, FilePath: file.Path}}, nil
}

func (f *fakeGen) Scenarios(context.Context, *pipeline.CombinedChanges, []llm.TestCase) ([]llm.TestScenario, error) {
	f.count("scenarios")
	return []llm.TestScenario{{ScenarioID: "TS-001", Priority: "High"}}, nil
}

func (f *fakeGen) Review(context.Context, *pipeline.CombinedChanges, []llm.TestCase, []llm.TestScenario) (*llm.Review, error) {
	f.count("review")
	return &llm.Review{Summary: "ok", QualityMetrics: map[string]float64{}}, nil
}

type recordingSink struct {
	mu    sync.Mutex
	kinds []pipeline.EventKind
}

func (s *recordingSink) Emit(_ context.Context, ev pipeline.Event) error {
	s.mu.Lock()
	s.kinds = append(s.kinds, ev.Kind)
	s.mu.Unlock()
	return nil
}

// fakeCloner creates the destination directory instead of cloning.
type fakeCloner struct {
	calls [][3]string
	err   error
}

func (c *fakeCloner) Clone(_ context.Context, url, branch, dest string) error {
	c.calls = append(c.calls, [3]string{url, branch, dest})
	if c.err != nil {
		return c.err
	}
	return os.MkdirAll(dest, 0o755)
}

type noSleep struct{}

func (noSleep) Sleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	orch  *Orchestrator
	store *pipeline.Store
	src   *fakeSource
	gen   *fakeGen
	sink  *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte("pipeline:\n  name: test\n"))
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store: pipeline.NewStore(t.TempDir()),
		src:   &fakeSource{},
		gen:   &fakeGen{},
		sink:  &recordingSink{},
	}
	f.orch = NewOrchestrator(cfg, f.store, f.src, f.gen, Options{Sink: f.sink, Sleeper: noSleep{}})
	return f
}

func TestRunCheckpointsUnderGeneratedID(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.Run(context.Background(), RunOpts{RepoPath: "/repo", Commits: []string{"b"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != pipeline.RunCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.FailureReason)
	}
	if _, err := uuid.Parse(res.RunID); err != nil {
		t.Errorf("run id %q is not a uuid: %v", res.RunID, err)
	}

	cp, err := f.store.Load(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != pipeline.RunCompleted || len(cp.CompletedStages()) != 5 {
		t.Errorf("checkpoint status=%s completed=%v", cp.Status, cp.CompletedStages())
	}
	if f.sink.kinds[0] != pipeline.EventRunStarted || f.sink.kinds[len(f.sink.kinds)-1] != pipeline.EventRunFinished {
		t.Errorf("events = %v", f.sink.kinds)
	}
}

func TestRunRequiresRepo(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Run(context.Background(), RunOpts{})
	var cfgErr *pipeline.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestRunClonesRepoURLIntoRunDir(t *testing.T) {
	f := newFixture(t)
	cloner := &fakeCloner{}
	f.orch.opts.Cloner = cloner

	res, err := f.orch.Run(context.Background(), RunOpts{RunID: "run-url", RepoURL: "https://example.com/app.git", Branch: "release"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != pipeline.RunCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.FailureReason)
	}

	dest := f.store.ArtifactPath("run-url", "repo")
	if len(cloner.calls) != 1 || cloner.calls[0] != [3]string{"https://example.com/app.git", "release", dest} {
		t.Errorf("clone calls = %v, want into %s", cloner.calls, dest)
	}
	if len(f.src.repos) != 1 || f.src.repos[0] != dest {
		t.Errorf("analyzed %v, want the clone", f.src.repos)
	}
	cp, err := f.store.Load("run-url")
	if err != nil {
		t.Fatal(err)
	}
	if cp.RepoPath != dest {
		t.Errorf("checkpoint repo = %q, want %q so resume finds the clone", cp.RepoPath, dest)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("stored clone removed: %v", err)
	}
}

func TestRunClonesIntoTempDirWithoutStore(t *testing.T) {
	f := newFixture(t)
	cloner := &fakeCloner{}
	orch := NewOrchestrator(f.orch.cfg, nil, f.src, f.gen, Options{Sleeper: noSleep{}, Cloner: cloner})

	res, err := orch.Run(context.Background(), RunOpts{RepoURL: "https://example.com/app.git"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != pipeline.RunCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.FailureReason)
	}
	if len(cloner.calls) != 1 || cloner.calls[0][1] != "" {
		t.Fatalf("clone calls = %v", cloner.calls)
	}
	dest := cloner.calls[0][2]
	if f.src.repos[0] != dest {
		t.Errorf("analyzed %v, want %s", f.src.repos, dest)
	}
	if _, err := os.Stat(filepath.Dir(dest)); !os.IsNotExist(err) {
		t.Errorf("temporary clone left behind: %v", err)
	}
}

func TestRunCloneFailure(t *testing.T) {
	f := newFixture(t)
	cloneErr := &pipeline.RepositoryError{Path: "https://example.com/app.git", Ref: "nope", Err: errors.New("branch not found")}
	f.orch.opts.Cloner = &fakeCloner{err: cloneErr}

	_, err := f.orch.Run(context.Background(), RunOpts{RunID: "run-bad", RepoURL: "https://example.com/app.git", Branch: "nope"})
	if !errors.Is(err, cloneErr) {
		t.Fatalf("err = %v, want the clone error", err)
	}
	if f.src.calls != 0 {
		t.Error("analysis ran without a clone")
	}
	if _, err := f.store.Load("run-bad"); !errors.Is(err, pipeline.ErrRunNotFound) {
		t.Errorf("failed clone left a checkpoint: %v", err)
	}

	f.orch.opts.Cloner = nil
	_, err = f.orch.Run(context.Background(), RunOpts{RepoURL: "https://example.com/app.git"})
	var cfgErr *pipeline.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("err = %v, want ConfigurationError without a cloner", err)
	}
}

func TestRunOnlyRejectsUnknownStage(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Run(context.Background(), RunOpts{RepoPath: "/repo", Only: []pipeline.StageID{"lint"}})
	var cfgErr *pipeline.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestRunSingleStageFromEarlierRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.orch.Run(ctx, RunOpts{RunID: "first", RepoPath: "/repo", Commits: []string{"b"}})
	if err != nil || first.Status != pipeline.RunCompleted {
		t.Fatalf("first run: %v %+v", err, first)
	}

	second, err := f.orch.Run(ctx, RunOpts{
		RunID:   "second",
		Only:    []pipeline.StageID{pipeline.StageReviewGeneration},
		FromRun: "first",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != pipeline.RunCompleted {
		t.Fatalf("status = %s (%s)", second.Status, second.FailureReason)
	}
	if f.src.calls != 1 || f.gen.calls["strategy"] != 1 || f.gen.calls["review"] != 2 {
		t.Errorf("source calls=%d generator calls=%v", f.src.calls, f.gen.calls)
	}

	cp, err := f.store.Load("second")
	if err != nil {
		t.Fatal(err)
	}
	if cp.RepoPath != "/repo" || len(cp.Commits) != 1 {
		t.Errorf("repo and commits not inherited: %+v", cp)
	}
}

func TestRunFromMissingRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Run(context.Background(), RunOpts{FromRun: "nope"})
	if !errors.Is(err, pipeline.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	f := newFixture(t)
	cc := &pipeline.CombinedChanges{
		Files: []pipeline.FileChange{{Path: "calc.py", ChangeType: "modified", Language: "python"}},
	}
	vcsRes := pipeline.NewResult(pipeline.StageVCSAnalysis)
	strat := pipeline.NewResult(pipeline.StageTestStrategy)
	strat.Set("test_strategies", []string{"unit"})
	failed := pipeline.NewResult(pipeline.StageTestCodeGen)
	failed.AddError("azure-openai: status 503")
	if err := f.store.Save(&pipeline.Checkpoint{
		RunID:    "run-1",
		Status:   pipeline.RunFailed,
		RepoPath: "/repo",
		Changes:  cc,
		Results:  []*pipeline.StageResult{vcsRes, strat, failed},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := f.orch.Resume(context.Background(), "run-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != pipeline.RunCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.FailureReason)
	}
	if f.src.calls != 0 || f.gen.calls["strategy"] != 0 || f.gen.calls["tests"] != 1 || f.gen.calls["review"] != 1 {
		t.Errorf("source calls=%d generator calls=%v", f.src.calls, f.gen.calls)
	}
	// unit only: scenarios are not requested
	if f.gen.calls["scenarios"] != 0 {
		t.Errorf("scenarios ran %d times", f.gen.calls["scenarios"])
	}
}

func TestPlan(t *testing.T) {
	f := newFixture(t)
	plan, err := f.orch.Plan()
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Batches) != 4 || !plan.Batches[2].Parallel {
		t.Errorf("plan:\n%s", plan)
	}

	plan, err = f.orch.Plan(pipeline.StageTestStrategy)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Len() != 1 || !plan.Contains(pipeline.StageTestStrategy) {
		t.Errorf("single-stage plan:\n%s", plan)
	}
}

func TestSeedContextSkipsRerunStages(t *testing.T) {
	cp := &pipeline.Checkpoint{
		Changes: &pipeline.CombinedChanges{CommitRange: "a..b"},
		Results: []*pipeline.StageResult{
			pipeline.NewResult(pipeline.StageVCSAnalysis),
			pipeline.NewResult(pipeline.StageTestStrategy),
		},
	}
	pc := pipeline.NewContext("r", nil, "/repo", nil)
	if n := seedContext(pc, cp, []pipeline.StageID{pipeline.StageVCSAnalysis}); n != 1 {
		t.Errorf("seeded %d results, want 1", n)
	}
	if pc.CombinedChanges() != nil {
		t.Error("changes must not be seeded when vcs analysis reruns")
	}
	if _, ok := pc.Completed(pipeline.StageVCSAnalysis); ok {
		t.Error("rerun stage was seeded")
	}
	if _, ok := pc.Completed(pipeline.StageTestStrategy); !ok {
		t.Error("strategy not seeded")
	}
}
