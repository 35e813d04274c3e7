// Package engine runs pipeline stages in dependency order with per-stage
// timeouts, retries, confirmation gates and checkpointing.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// Stage is one unit of pipeline work. Execute always returns a result;
// failures are expressed as a failed result carrying a Cause, never a panic.
type Stage interface {
	ID() pipeline.StageID
	DependsOn() []pipeline.StageID
	DefaultTimeout() time.Duration
	DefaultRetries() int
	Execute(ctx context.Context, pc *pipeline.Context) *pipeline.StageResult
}

// StageConfig controls how a registered stage is scheduled.
type StageConfig struct {
	Enabled              bool
	Timeout              time.Duration // zero uses the stage default
	MaxRetries           *int          // nil uses the stage default
	RequiresConfirmation bool
	Parallel             bool
	Optional             bool               // failure does not fail the pipeline
	DependsOn            []pipeline.StageID // nil uses the stage's own list
}

// DefaultStageConfig enables a stage with its built-in settings.
func DefaultStageConfig() StageConfig {
	return StageConfig{Enabled: true}
}

// StageConfigFrom converts a YAML stage entry.
func StageConfigFrom(s config.Stage) (StageConfig, error) {
	timeout, err := s.TimeoutDuration()
	if err != nil {
		return StageConfig{}, &pipeline.ConfigurationError{Stage: pipeline.StageID(s.ID), Message: err.Error()}
	}
	sc := StageConfig{
		Enabled:              s.IsEnabled(),
		Timeout:              timeout,
		RequiresConfirmation: s.RequiresConfirmation,
		Parallel:             s.Parallel,
		Optional:             s.Optional,
	}
	if s.MaxRetries != nil {
		n := *s.MaxRetries
		sc.MaxRetries = &n
	}
	if s.DependsOn != nil {
		sc.DependsOn = make([]pipeline.StageID, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			sc.DependsOn = append(sc.DependsOn, pipeline.StageID(d))
		}
	}
	return sc, nil
}

type registration struct {
	stage Stage
	cfg   StageConfig
	index int
}

func (r *registration) id() pipeline.StageID { return r.stage.ID() }

func (r *registration) deps() []pipeline.StageID {
	if r.cfg.DependsOn != nil {
		return r.cfg.DependsOn
	}
	return r.stage.DependsOn()
}

func (r *registration) timeout() time.Duration {
	if r.cfg.Timeout > 0 {
		return r.cfg.Timeout
	}
	return r.stage.DefaultTimeout()
}

func (r *registration) maxRetries() int {
	n := r.stage.DefaultRetries()
	if r.cfg.MaxRetries != nil {
		n = *r.cfg.MaxRetries
	}
	if n < 0 {
		return 0
	}
	return n
}

func (r *registration) String() string {
	return fmt.Sprintf("%s(#%d)", r.id(), r.index)
}
