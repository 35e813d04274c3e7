package stages

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/testforge/internal/llm"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/vcs"
)

const (
	defaultMaxFiles   = 20
	defaultFileWorker = 4
)

// TestCodeGeneration writes automated tests for every changed source file
// and every code-producing kind in the strategy.
type TestCodeGeneration struct {
	base
	gen Generator

	MaxFiles int // files beyond this are left out with a warning
	Workers  int // concurrent generation requests
}

func NewTestCodeGeneration(gen Generator, log *logging.Logger) *TestCodeGeneration {
	return &TestCodeGeneration{
		base:     newBase(pipeline.StageTestCodeGen, 10*time.Minute, 2, log, pipeline.StageTestStrategy),
		gen:      gen,
		MaxFiles: defaultMaxFiles,
		Workers:  defaultFileWorker,
	}
}

type genJob struct {
	kind string
	file pipeline.FileChange
}

func (s *TestCodeGeneration) Execute(ctx context.Context, pc *pipeline.Context) *pipeline.StageResult {
	res := pipeline.NewResult(s.id)
	var kinds []string
	if err := upstream(pc, pipeline.StageTestStrategy, KeyTestStrategies, &kinds); err != nil {
		return failed(res, err)
	}
	cc, err := changesFrom(pc)
	if err != nil {
		return failed(res, err)
	}

	strategy := llm.Strategy{TestStrategies: kinds}
	files := s.targets(cc, res)
	var jobs []genJob
	for _, kind := range strategy.CodeKinds() {
		for _, f := range files {
			jobs = append(jobs, genJob{kind: kind, file: f})
		}
	}
	if len(jobs) == 0 {
		res.AddWarning("nothing to generate: no code test kinds or no source files")
		res.Set(KeyGeneratedTests, []llm.TestCase{})
		res.Set(KeyTestCountByType, map[string]int{})
		return res
	}

	out := make([][]llm.TestCase, len(jobs))
	errs := make([]error, len(jobs))
	var done atomic.Int32
	var warnMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Workers))
	for i, job := range jobs {
		g.Go(func() error {
			tests, err := s.gen.Tests(gctx, job.kind, job.file)
			if err != nil {
				errs[i] = err
				warnMu.Lock()
				res.AddWarning(fmt.Sprintf("%s tests for %s: %v", job.kind, job.file.Path, err))
				warnMu.Unlock()
			} else {
				out[i] = tests
			}
			n := done.Add(1)
			pc.ReportProgress(s.id, float64(n)/float64(len(jobs)), fmt.Sprintf("%s tests for %s", job.kind, job.file.Path))
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return failed(res, err)
	}

	var tests []llm.TestCase
	var firstErr error
	failures := 0
	for i := range jobs {
		if errs[i] != nil {
			failures++
			if firstErr == nil {
				firstErr = errs[i]
			}
		}
		tests = append(tests, out[i]...)
	}
	if failures == len(jobs) {
		return failed(res, firstErr)
	}
	if tests == nil {
		tests = []llm.TestCase{}
	}

	res.Set(KeyGeneratedTests, tests)
	res.Set(KeyTestCountByType, llm.CountByType(tests))
	s.log.Info("tests generated", "tests", len(tests), "requests", len(jobs), "failed_requests", failures)
	return res
}

// targets picks the files worth generating tests for: known language, not
// deleted, not already a test file.
func (s *TestCodeGeneration) targets(cc *pipeline.CombinedChanges, res *pipeline.StageResult) []pipeline.FileChange {
	var files []pipeline.FileChange
	for _, f := range cc.Files {
		if f.Language == "" || f.ChangeType == "deleted" || vcs.IsTestPath(f.Path) {
			continue
		}
		files = append(files, f)
	}
	if s.MaxFiles > 0 && len(files) > s.MaxFiles {
		res.AddWarning(fmt.Sprintf("generating tests for the first %d of %d source files", s.MaxFiles, len(files)))
		files = files[:s.MaxFiles]
	}
	return files
}
