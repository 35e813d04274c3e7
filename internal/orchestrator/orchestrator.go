// Package orchestrator assembles the test generation pipeline for one run:
// the configured stage registry, the engine options, checkpoint storage and
// the event sink.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/engine"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/stages"
)

// Cloner copies a remote git repository to a local directory.
type Cloner interface {
	Clone(ctx context.Context, url, branch, dest string) error
}

// Options carries the optional collaborators of an Orchestrator.
type Options struct {
	Sink    engine.EventSink
	Metrics *engine.Metrics
	Sleeper engine.Sleeper
	Logger  *logging.Logger
	// Cloner fetches RunOpts.RepoURL. Runs from a URL fail without one.
	Cloner  Cloner
}

// Orchestrator composes pipeline lifecycle operations.
type Orchestrator struct {
	cfg   *config.Config
	store *pipeline.Store
	src   stages.ChangeSource
	gen   stages.Generator
	opts  Options
	log   *logging.Logger
}

// NewOrchestrator creates an Orchestrator. store may be nil, in which case
// runs are not checkpointed and cannot be resumed.
func NewOrchestrator(cfg *config.Config, store *pipeline.Store, src stages.ChangeSource, gen stages.Generator, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{cfg: cfg, store: store, src: src, gen: gen, opts: opts, log: log}
}

// Config returns the configuration runs are built from.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// Engine builds an engine over the configured stages. A non-empty only
// restricts the run to those stages.
func (o *Orchestrator) Engine(only ...pipeline.StageID) (*engine.Engine, error) {
	reg, err := stages.Default(o.cfg, o.src, o.gen, o.log)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		if err := stages.Only(reg, only...); err != nil {
			return nil, err
		}
	}

	opts, err := engine.OptionsFromConfig(o.cfg)
	if err != nil {
		return nil, err
	}
	if o.store != nil {
		opts.Checkpointer = o.store
	}
	opts.Sink = o.opts.Sink
	opts.Metrics = o.opts.Metrics
	opts.Sleeper = o.opts.Sleeper
	opts.Logger = o.log
	return engine.New(reg, opts), nil
}

// Plan returns the execution order without running anything.
func (o *Orchestrator) Plan(only ...pipeline.StageID) (*engine.Plan, error) {
	e, err := o.Engine(only...)
	if err != nil {
		return nil, err
	}
	return e.Plan()
}

// RunOpts describes a new run.
type RunOpts struct {
	RunID    string // generated when empty
	RepoPath string
	// RepoURL is a remote git repository cloned before the run, at Branch
	// when set. It replaces RepoPath.
	RepoURL  string
	Branch   string
	Commits  []string
	Only     []pipeline.StageID
	// FromRun seeds the context with the completed results of an earlier
	// run, except for the stages being rerun.
	FromRun  string
	Observer engine.Observer
}

// Run starts a new run.
func (o *Orchestrator) Run(ctx context.Context, opts RunOpts) (*engine.RunResult, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	var seed *pipeline.Checkpoint
	if opts.FromRun != "" {
		if o.store == nil {
			return nil, fmt.Errorf("--from-run needs a run store")
		}
		cp, err := o.store.Load(opts.FromRun)
		if err != nil {
			return nil, fmt.Errorf("load run %s: %w", opts.FromRun, err)
		}
		seed = cp
		if opts.RepoPath == "" {
			opts.RepoPath = cp.RepoPath
		}
		if len(opts.Commits) == 0 {
			opts.Commits = cp.Commits
		}
	}
	if opts.RepoURL != "" {
		path, cleanup, err := o.clone(ctx, runID, opts.RepoURL, opts.Branch)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		opts.RepoPath = path
	}
	if opts.RepoPath == "" {
		return nil, &pipeline.ConfigurationError{Message: "no repository path"}
	}

	e, err := o.Engine(opts.Only...)
	if err != nil {
		return nil, err
	}

	pc := pipeline.NewContext(runID, o.cfg, opts.RepoPath, opts.Commits)
	if seed != nil {
		n := seedContext(pc, seed, opts.Only)
		o.log.WithRun(runID).Info("seeded from earlier run", "from", seed.RunID, "stages", n)
	}
	return e.Run(ctx, pc, observerOrAuto(opts.Observer))
}

// clone fetches url into the run's directory, so a resume finds it again, or
// into a temporary directory removed by cleanup when runs are not stored.
func (o *Orchestrator) clone(ctx context.Context, runID, url, branch string) (string, func(), error) {
	if o.opts.Cloner == nil {
		return "", nil, &pipeline.ConfigurationError{Message: "cloning " + url + " needs a git client"}
	}
	cleanup := func() {}
	var dest string
	if o.store != nil {
		dest = o.store.ArtifactPath(runID, "repo")
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", nil, fmt.Errorf("create clone dir: %w", err)
		}
	} else {
		tmp, err := os.MkdirTemp("", "testforge-clone-")
		if err != nil {
			return "", nil, fmt.Errorf("create clone dir: %w", err)
		}
		dest = filepath.Join(tmp, "repo")
		cleanup = func() {
			if err := os.RemoveAll(tmp); err != nil {
				o.log.Warn("remove clone", "dir", tmp, "error", err)
			}
		}
	}
	o.log.WithRun(runID).Info("cloning repository", "url", url, "branch", branch)
	if err := o.opts.Cloner.Clone(ctx, url, branch, dest); err != nil {
		cleanup()
		return "", nil, err
	}
	return dest, cleanup, nil
}

// Resume reruns the stages of a checkpointed run that did not complete.
func (o *Orchestrator) Resume(ctx context.Context, runID string, obs engine.Observer) (*engine.RunResult, error) {
	if o.store == nil {
		return nil, fmt.Errorf("resume needs a run store")
	}
	e, err := o.Engine()
	if err != nil {
		return nil, err
	}
	return e.Resume(ctx, runID, o.cfg, observerOrAuto(obs))
}

// seedContext records the completed results of cp that are not in rerun and
// returns how many it recorded.
func seedContext(pc *pipeline.Context, cp *pipeline.Checkpoint, rerun []pipeline.StageID) int {
	skip := map[pipeline.StageID]bool{}
	for _, id := range rerun {
		skip[id] = true
	}
	if cp.Changes != nil && !skip[pipeline.StageVCSAnalysis] {
		pc.SetCombinedChanges(cp.Changes)
	}
	n := 0
	for _, r := range cp.Results {
		if r.Status != pipeline.StatusCompleted || skip[r.Stage] {
			continue
		}
		pc.Record(r.Clone())
		n++
	}
	return n
}

func observerOrAuto(obs engine.Observer) engine.Observer {
	if obs == nil {
		return engine.AutoApprove{}
	}
	return obs
}
