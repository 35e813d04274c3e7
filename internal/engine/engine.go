package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

const tracerName = "github.com/lucasnoah/testforge/internal/engine"

// Options configure an Engine. Zero values pick defaults.
type Options struct {
	PipelineName    string
	MaxConcurrency  int
	PipelineTimeout time.Duration // zero means no run-wide limit
	Backoff         BackoffConfig
	Sleeper         Sleeper
	Checkpointer    Checkpointer
	Sink            EventSink
	Metrics         *Metrics
	Tracer          trace.Tracer
	Logger          *logging.Logger
}

// OptionsFromConfig derives run limits and backoff from cfg. Persistence,
// metrics and logging are left for the caller to attach.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	timeout, err := cfg.Pipeline.TimeoutDuration()
	if err != nil {
		return Options{}, &pipeline.ConfigurationError{Message: "pipeline.timeout: " + err.Error()}
	}
	backoff, err := BackoffFromConfig(cfg.Pipeline.Backoff)
	if err != nil {
		return Options{}, &pipeline.ConfigurationError{Message: "pipeline.backoff: " + err.Error()}
	}
	return Options{
		PipelineName:    cfg.Pipeline.Name,
		MaxConcurrency:  cfg.Pipeline.MaxConcurrency,
		PipelineTimeout: timeout,
		Backoff:         backoff,
	}, nil
}

// Engine executes the stages of a Registry.
type Engine struct {
	reg    *Registry
	opts   Options
	log    *logging.Logger
	tracer trace.Tracer
}

func New(reg *Registry, opts Options) *Engine {
	if opts.PipelineName == "" {
		opts.PipelineName = "default"
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = config.DefaultMaxConcurrency
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.Sleeper == nil {
		opts.Sleeper = DefaultSleeper
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Engine{reg: reg, opts: opts, log: log, tracer: tracer}
}

// Registry returns the engine's stage registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Plan computes the execution plan without running anything.
func (e *Engine) Plan() (*Plan, error) { return e.reg.Plan() }

// StageState pairs a planned stage with its status in a run.
type StageState struct {
	Stage  pipeline.StageID     `json:"stage"`
	Status pipeline.StageStatus `json:"status"`
}

// RunResult is what a caller gets back from Run or Resume.
type RunResult struct {
	RunID         string
	Status        pipeline.RunStatus
	Planned       []pipeline.StageID
	Results       []*pipeline.StageResult // planned stages that have a result, plan order
	Restored      []pipeline.StageID      // completed stages carried in rather than executed
	FailureReason string
	Failed        *pipeline.StageResult
	// Cause is the error that stopped the run early. A confirmation abort
	// wraps pipeline.ErrAbortRequested.
	Cause         error
	Duration      time.Duration
}

// Result returns the result for id, if the stage produced one.
func (r *RunResult) Result(id pipeline.StageID) (*pipeline.StageResult, bool) {
	for _, sr := range r.Results {
		if sr.Stage == id {
			return sr, true
		}
	}
	return nil, false
}

// Statuses lists every planned stage in plan order; stages that never ran
// are pending.
func (r *RunResult) Statuses() []StageState {
	out := make([]StageState, 0, len(r.Planned))
	for _, id := range r.Planned {
		st := pipeline.StatusPending
		if sr, ok := r.Result(id); ok {
			st = sr.Status
		}
		out = append(out, StageState{Stage: id, Status: st})
	}
	return out
}

// Errors returns "stage: message" for every error of every failed stage.
func (r *RunResult) Errors() []string {
	var out []string
	for _, sr := range r.Results {
		if sr.Status != pipeline.StatusFailed {
			continue
		}
		for _, msg := range sr.Errors {
			out = append(out, fmt.Sprintf("%s: %s", sr.Stage, msg))
		}
	}
	return out
}

// Run executes every planned stage of pc that does not already hold a
// completed result. A ConfigurationError from planning is returned as the
// error together with a failed RunResult; stage failures and aborts are
// reported through RunResult.Status only.
func (e *Engine) Run(ctx context.Context, pc *pipeline.Context, obs Observer) (*RunResult, error) {
	start := time.Now()
	log := e.log.WithRun(pc.RunID)

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", pc.RunID),
		attribute.String("pipeline.name", e.opts.PipelineName),
	))
	defer span.End()

	plan, err := e.reg.Plan()
	if err != nil {
		log.Error("plan failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan failed")
		res := &RunResult{
			RunID:         pc.RunID,
			Status:        pipeline.RunFailed,
			FailureReason: err.Error(),
			Duration:      time.Since(start),
		}
		e.emit(ctx, pipeline.Event{RunID: pc.RunID, Kind: pipeline.EventRunFinished, Status: string(res.Status), Detail: res.FailureReason})
		e.opts.Metrics.runFinished(e.opts.PipelineName, res.Status, res.Duration)
		return res, err
	}
	span.SetAttributes(attribute.Int("stages.count", plan.Len()))

	if e.opts.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.PipelineTimeout)
		defer cancel()
	}

	r := &run{
		engine:   e,
		plan:     plan,
		pc:       pc,
		obs:      newSerialObserver(obs),
		log:      log,
		status:   pipeline.RunRunning,
		restored: map[pipeline.StageID]bool{},
	}
	for _, id := range plan.Order {
		if _, ok := pc.Completed(id); ok {
			r.restored[id] = true
			r.finished++
		}
	}
	pc.SetProgressFunc(r.subProgress)
	defer pc.SetProgressFunc(nil)

	log.Info("run started", "stages", plan.Len(), "restored", len(r.restored))
	e.emit(ctx, pipeline.Event{RunID: pc.RunID, Kind: pipeline.EventRunStarted, Status: string(pipeline.RunRunning), Detail: fmt.Sprintf("%d stages planned", plan.Len())})
	r.mu.Lock()
	r.saveCheckpointLocked()
	r.mu.Unlock()

	r.execute(ctx)

	res := r.result(start)
	r.mu.Lock()
	r.saveCheckpointLocked()
	r.mu.Unlock()

	switch res.Status {
	case pipeline.RunCompleted:
		span.SetStatus(codes.Ok, "completed")
		log.Info("run completed", "duration", res.Duration)
	default:
		span.SetStatus(codes.Error, res.FailureReason)
		log.Warn("run ended", "status", res.Status, "reason", res.FailureReason, "duration", res.Duration)
	}
	e.emit(ctx, pipeline.Event{RunID: pc.RunID, Kind: pipeline.EventRunFinished, Status: string(res.Status), Detail: res.FailureReason})
	e.opts.Metrics.runFinished(e.opts.PipelineName, res.Status, res.Duration)
	return res, nil
}

// Resume reloads a checkpointed run and reruns every stage that did not
// complete. A run whose stages all completed returns immediately.
func (e *Engine) Resume(ctx context.Context, runID string, cfg *config.Config, obs Observer) (*RunResult, error) {
	if e.opts.Checkpointer == nil {
		return nil, errors.New("resume requires a checkpoint store")
	}
	cp, err := e.opts.Checkpointer.Load(runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	pc := pipeline.NewContext(cp.RunID, cfg, cp.RepoPath, cp.Commits)
	cp.Restore(pc)
	e.log.WithRun(runID).Info("resuming run", "completed", len(cp.CompletedStages()))
	return e.Run(ctx, pc, obs)
}

func (e *Engine) emit(ctx context.Context, ev pipeline.Event) {
	if e.opts.Sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := e.opts.Sink.Emit(context.WithoutCancel(ctx), ev); err != nil {
		e.log.WithRun(ev.RunID).Warn("event sink failed", "kind", ev.Kind, "error", err)
	}
}

// run is the state of one Run call.
type run struct {
	engine   *Engine
	plan     *Plan
	pc       *pipeline.Context
	obs      *serialObserver
	log      *logging.Logger
	restored map[pipeline.StageID]bool

	mu       sync.Mutex
	finished int
	status   pipeline.RunStatus
	reason   string
	failure  *pipeline.StageResult
	cause    error
}

func (r *run) execute(ctx context.Context) {
	for _, batch := range r.plan.Batches {
		if err := ctx.Err(); err != nil {
			r.stop(pipeline.RunAborted, "aborted: "+err.Error(), nil, err)
			return
		}

		var todo []*registration
		for _, id := range batch.Stages {
			if !r.restored[id] {
				todo = append(todo, r.plan.regs[id])
			}
		}
		if len(todo) == 0 {
			continue
		}

		if batch.Parallel && len(todo) > 1 {
			var g errgroup.Group
			g.SetLimit(r.engine.opts.MaxConcurrency)
			for _, reg := range todo {
				g.Go(func() error {
					r.runStage(ctx, reg)
					return nil
				})
			}
			g.Wait()
		} else {
			for _, reg := range todo {
				r.runStage(ctx, reg)
			}
		}

		if err := ctx.Err(); err != nil {
			r.stop(pipeline.RunAborted, "aborted: "+err.Error(), nil, err)
			return
		}
		if r.failBatch(todo) {
			return
		}
		if !r.confirmBatch(ctx, todo) {
			return
		}
	}
	r.mu.Lock()
	if r.status == pipeline.RunRunning {
		r.status = pipeline.RunCompleted
	}
	r.mu.Unlock()
}

func (r *run) stop(status pipeline.RunStatus, reason string, failed *pipeline.StageResult, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.reason = reason
	r.failure = failed
	r.cause = cause
}

// failBatch records the first non-optional failure of the batch, in
// registration order, and reports whether the run must stop.
func (r *run) failBatch(todo []*registration) bool {
	for _, reg := range todo {
		res, ok := r.pc.Result(reg.id())
		if !ok || res.Status != pipeline.StatusFailed {
			continue
		}
		if reg.cfg.Optional {
			r.log.Warn("optional stage failed, continuing", "stage", reg.id(), "error", res.FirstError())
			continue
		}
		r.stop(pipeline.RunFailed, fmt.Sprintf("stage %s failed: %s", reg.id(), res.FirstError()), res, res.Cause)
		return true
	}
	return false
}

// confirmBatch asks the observer about every completed stage in the batch
// that requires confirmation. It returns false when the run was aborted.
func (r *run) confirmBatch(ctx context.Context, todo []*registration) bool {
	for _, reg := range todo {
		if !reg.cfg.RequiresConfirmation {
			continue
		}
		res, ok := r.pc.Result(reg.id())
		if !ok || res.Status != pipeline.StatusCompleted {
			continue
		}

		decision, err := r.obs.RequestConfirmation(ctx, ConfirmationRequest{
			RunID:  r.pc.RunID,
			Stage:  reg.id(),
			Result: res.Clone(),
		})
		detail := string(decision)
		if err != nil {
			decision = DecisionAbort
			detail = "confirmation failed: " + err.Error()
		}
		switch decision {
		case DecisionProceed, DecisionSkip, DecisionAbort:
		default:
			detail = fmt.Sprintf("unknown decision %q", decision)
			decision = DecisionAbort
		}
		r.engine.opts.Metrics.confirmation(reg.id(), decision)
		r.engine.emit(ctx, pipeline.Event{RunID: r.pc.RunID, Kind: pipeline.EventConfirmation, Stage: reg.id(), Status: string(decision), Detail: detail})
		r.log.Info("confirmation", "stage", reg.id(), "decision", decision)

		r.mu.Lock()
		res.SetMeta(pipeline.MetaConfirmation, string(decision))
		if decision == DecisionSkip {
			res.Status = pipeline.StatusSkipped
			res.SetMeta(pipeline.MetaSkipReason, "skipped at confirmation")
		}
		r.saveCheckpointLocked()
		r.obs.ReportProgress(r.progressLocked(res, "confirmation: "+string(decision)))
		r.mu.Unlock()

		if decision == DecisionAbort {
			reason := fmt.Sprintf("aborted at confirmation of %s", reg.id())
			cause := fmt.Errorf("%w at %s", pipeline.ErrAbortRequested, reg.id())
			if err != nil {
				reason += ": " + err.Error()
				cause = fmt.Errorf("%w at %s: %w", pipeline.ErrAbortRequested, reg.id(), err)
			}
			r.stop(pipeline.RunAborted, reason, nil, cause)
			return false
		}
	}
	return true
}

func (r *run) runStage(ctx context.Context, reg *registration) {
	id := reg.id()
	log := r.log.WithStage(string(id))

	if reason, ok := r.dependenciesMet(reg); !ok {
		res := pipeline.NewResult(id)
		res.Status = pipeline.StatusSkipped
		res.AddWarning(reason)
		res.SetMeta(pipeline.MetaSkipReason, reason)
		log.Warn("stage skipped", "reason", reason)
		r.commit(ctx, res, 0, false)
		return
	}

	log.Info("stage started", "timeout", reg.timeout(), "max_retries", reg.maxRetries())
	r.engine.opts.Metrics.stageStarted()
	r.engine.emit(ctx, pipeline.Event{RunID: r.pc.RunID, Kind: pipeline.EventStageStarted, Stage: id, Status: string(pipeline.StatusRunning)})
	r.report(ProgressEvent{
		RunID:   r.pc.RunID,
		Stage:   id,
		Status:  pipeline.StatusRunning,
		Message: id.DisplayName() + " started",
	})

	res, attempts := r.executeWithRetry(ctx, reg, log)
	if res.Status == pipeline.StatusFailed {
		log.Error("stage failed", "attempts", attempts, "error", res.FirstError())
	} else {
		log.Info("stage finished", "status", res.Status, "attempts", attempts, "duration", res.Duration)
	}
	r.commit(ctx, res, attempts, true)
}

// dependenciesMet requires a completed result for every dependency. A
// dependency that is disabled in this run is met only when the context
// already carries its completed result.
func (r *run) dependenciesMet(reg *registration) (string, bool) {
	for _, dep := range reg.deps() {
		res, ok := r.pc.Result(dep)
		if !ok {
			return fmt.Sprintf("dependency %s has no result", dep), false
		}
		if res.Status != pipeline.StatusCompleted {
			return fmt.Sprintf("dependency %s is %s", dep, res.Status), false
		}
	}
	return "", true
}

func (r *run) executeWithRetry(ctx context.Context, reg *registration, log *logging.Logger) (*pipeline.StageResult, int) {
	id := reg.id()
	maxAttempts := reg.maxRetries() + 1
	timeout := reg.timeout()
	started := time.Now()

	var res *pipeline.StageResult
	var warnings []string
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		r.engine.emit(ctx, pipeline.Event{RunID: r.pc.RunID, Kind: pipeline.EventStageAttempt, Stage: id, Attempt: attempt})
		res = r.attempt(ctx, reg, attempt, timeout)
		if res.Status != pipeline.StatusFailed || ctx.Err() != nil {
			break
		}
		if res.Cause != nil && !pipeline.IsRetryable(res.Cause) {
			break
		}
		if attempt == maxAttempts {
			break
		}

		delay := r.engine.opts.Backoff.DelayForAttempt(attempt)
		var ext *pipeline.ExternalServiceError
		if errors.As(res.Cause, &ext) {
			delay = r.engine.opts.Backoff.WithRetryAfter(delay, ext.RetryAfter)
		}
		warnings = append(warnings, fmt.Sprintf("attempt %d failed: %s", attempt, res.FirstError()))
		log.Warn("stage attempt failed, retrying", "attempt", attempt, "error", res.FirstError(), "delay", delay)
		if err := r.engine.opts.Sleeper.Sleep(ctx, delay); err != nil {
			res = abortedResult(id, err)
			break
		}
	}

	var te *pipeline.TimeoutError
	if res.Status == pipeline.StatusFailed && ctx.Err() == nil && errors.As(res.Cause, &te) {
		res.Cause = &pipeline.StageExecutionError{Stage: id, Message: "retries exhausted", Err: te}
	}

	res.Warnings = append(warnings, res.Warnings...)
	res.Duration = time.Since(started)
	res.SetMeta(pipeline.MetaAttempts, attempt)
	res.SetMeta(pipeline.MetaRetries, attempt-1)
	res.SetMeta(pipeline.MetaStartedAt, started.UTC().Format(time.RFC3339Nano))
	res.SetMeta(pipeline.MetaFinishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	return res, attempt
}

// attempt runs one invocation under the stage timeout. A stage that ignores
// cancellation is abandoned once its deadline passes.
func (r *run) attempt(ctx context.Context, reg *registration, n int, timeout time.Duration) *pipeline.StageResult {
	id := reg.id()
	actx, span := r.engine.tracer.Start(ctx, "stage.attempt", trace.WithAttributes(
		attribute.String("stage.id", string(id)),
		attribute.Int("stage.attempt", n),
	))
	defer span.End()

	var cancel context.CancelFunc
	if timeout > 0 {
		actx, cancel = context.WithTimeout(actx, timeout)
	} else {
		actx, cancel = context.WithCancel(actx)
	}
	defer cancel()

	done := make(chan *pipeline.StageResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- pipeline.NewResult(id).Fail(&pipeline.StageExecutionError{
					Stage:     id,
					Message:   fmt.Sprintf("panic: %v", p),
					Retryable: true,
				})
			}
		}()
		done <- reg.stage.Execute(actx, r.pc)
	}()

	var res *pipeline.StageResult
	select {
	case res = <-done:
	case <-actx.Done():
		select {
		case res = <-done:
		default:
		}
	}

	if res == nil || res.Status == pipeline.StatusFailed {
		switch {
		case ctx.Err() != nil:
			res = abortedResult(id, ctx.Err())
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			res = pipeline.NewResult(id).Fail(&pipeline.TimeoutError{Stage: id, Timeout: timeout})
			res.SetMeta(pipeline.MetaTimedOut, true)
		case res == nil:
			res = pipeline.NewResult(id).Fail(&pipeline.StageExecutionError{
				Stage:     id,
				Message:   "stage returned no result",
				Retryable: true,
			})
		}
	}

	if res.Stage != id {
		res.AddWarning(fmt.Sprintf("stage returned a result tagged %q", res.Stage))
		res.Stage = id
	}
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Normalize()

	if res.Status == pipeline.StatusFailed {
		if res.Cause != nil {
			span.RecordError(res.Cause)
		}
		span.SetStatus(codes.Error, res.FirstError())
	}
	return res
}

func abortedResult(id pipeline.StageID, err error) *pipeline.StageResult {
	return pipeline.NewResult(id).Fail(&pipeline.StageExecutionError{Stage: id, Message: "aborted", Err: err})
}

// commit records a terminal stage result, checkpoints, and notifies.
func (r *run) commit(ctx context.Context, res *pipeline.StageResult, attempts int, ran bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pc.Record(res)
	r.finished++
	r.saveCheckpointLocked()
	r.engine.opts.Metrics.stageFinished(res, attempts, ran)
	r.engine.emit(ctx, pipeline.Event{
		RunID:   r.pc.RunID,
		Kind:    pipeline.EventStageFinished,
		Stage:   res.Stage,
		Attempt: attempts,
		Status:  string(res.Status),
		Detail:  res.FirstError(),
	})

	msg := res.Stage.DisplayName() + " " + string(res.Status)
	if e := res.FirstError(); e != "" {
		msg += ": " + e
	}
	r.obs.ReportProgress(r.progressLocked(res, msg))
}

func (r *run) progressLocked(res *pipeline.StageResult, msg string) ProgressEvent {
	return ProgressEvent{
		RunID:         r.pc.RunID,
		Stage:         res.Stage,
		Status:        res.Status,
		StageFraction: 1,
		Overall:       r.overallLocked(),
		Message:       msg,
	}
}

func (r *run) subProgress(stage pipeline.StageID, fraction float64, msg string) {
	r.report(ProgressEvent{
		RunID:         r.pc.RunID,
		Stage:         stage,
		Status:        pipeline.StatusRunning,
		StageFraction: fraction,
		Message:       msg,
	})
}

// report fills in Overall and delivers ev while holding the run lock, so
// observers never see overall progress go backwards.
func (r *run) report(ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Overall = r.overallLocked()
	r.obs.ReportProgress(ev)
}

func (r *run) overallLocked() float64 {
	if r.plan.Len() == 0 {
		return 1
	}
	return float64(r.finished) / float64(r.plan.Len())
}

func (r *run) saveCheckpointLocked() {
	cp := r.engine.opts.Checkpointer
	if cp == nil {
		return
	}
	snap := pipeline.Snapshot(r.pc, r.engine.opts.PipelineName, r.status, r.reason)
	err := cp.Save(snap)
	r.engine.opts.Metrics.checkpoint(err)
	if err != nil {
		r.log.Error("checkpoint failed", "error", err)
	}
}

func (r *run) result(start time.Time) *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &RunResult{
		RunID:         r.pc.RunID,
		Status:        r.status,
		Planned:       append([]pipeline.StageID(nil), r.plan.Order...),
		FailureReason: r.reason,
		Failed:        r.failure,
		Cause:         r.cause,
		Duration:      time.Since(start),
	}
	for _, id := range r.plan.Order {
		if sr, ok := r.pc.Result(id); ok {
			res.Results = append(res.Results, sr)
		}
		if r.restored[id] {
			res.Restored = append(res.Restored, id)
		}
	}
	return res
}
