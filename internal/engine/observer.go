package engine

import (
	"context"
	"sync"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

// Decision is the answer to a confirmation request.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionSkip    Decision = "skip"
	DecisionAbort   Decision = "abort"
)

// ProgressEvent reports a stage transition or stage sub-progress.
type ProgressEvent struct {
	RunID         string
	Stage         pipeline.StageID
	Status        pipeline.StageStatus
	StageFraction float64 // sub-progress reported by the stage itself
	Overall       float64 // finished stages / planned stages
	Message       string
}

// ConfirmationRequest asks whether to keep a completed stage's output and
// continue.
type ConfirmationRequest struct {
	RunID  string
	Stage  pipeline.StageID
	Result *pipeline.StageResult
}

// Observer is the presentation layer of a run. Calls are serialized by the
// engine, so implementations need no locking of their own.
type Observer interface {
	ReportProgress(ev ProgressEvent)
	RequestConfirmation(ctx context.Context, req ConfirmationRequest) (Decision, error)
}

// AutoApprove proceeds at every confirmation and ignores progress.
type AutoApprove struct{}

func (AutoApprove) ReportProgress(ProgressEvent) {}

func (AutoApprove) RequestConfirmation(context.Context, ConfirmationRequest) (Decision, error) {
	return DecisionProceed, nil
}

// serialObserver guarantees one observer call at a time across goroutines.
type serialObserver struct {
	mu    sync.Mutex
	inner Observer
}

func newSerialObserver(o Observer) *serialObserver {
	if o == nil {
		o = AutoApprove{}
	}
	return &serialObserver{inner: o}
}

func (s *serialObserver) ReportProgress(ev ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.ReportProgress(ev)
}

func (s *serialObserver) RequestConfirmation(ctx context.Context, req ConfirmationRequest) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.RequestConfirmation(ctx, req)
}

// EventSink receives run and stage transitions, for example a database log.
type EventSink interface {
	Emit(ctx context.Context, ev pipeline.Event) error
}

// Checkpointer persists run snapshots.
type Checkpointer interface {
	Save(cp *pipeline.Checkpoint) error
	Load(runID string) (*pipeline.Checkpoint, error)
}
