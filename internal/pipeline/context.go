package pipeline

import (
	"sync"

	"github.com/lucasnoah/testforge/internal/config"
)

// ProgressFunc receives stage sub-progress. fraction is in [0,1].
type ProgressFunc func(stage StageID, fraction float64, message string)

// Context is the shared state of one pipeline run. Each stage owns its own
// result slot; the engine is the only writer of slots.
type Context struct {
	RunID    string
	Config   *config.Config
	RepoPath string
	Commits  []string

	mu       sync.RWMutex
	changes  *CombinedChanges
	results  map[StageID]*StageResult
	order    []StageID
	progress ProgressFunc
}

// NewContext creates a run context.
func NewContext(runID string, cfg *config.Config, repoPath string, commits []string) *Context {
	return &Context{
		RunID:    runID,
		Config:   cfg,
		RepoPath: repoPath,
		Commits:  append([]string(nil), commits...),
		results:  map[StageID]*StageResult{},
	}
}

// Record stores r in its stage's slot, replacing any previous result.
func (c *Context) Record(r *StageResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[r.Stage]; !ok {
		c.order = append(c.order, r.Stage)
	}
	c.results[r.Stage] = r
}

// Result returns the recorded result for id, if any.
func (c *Context) Result(id StageID) (*StageResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[id]
	return r, ok
}

// Completed returns the result for id only if that stage completed.
func (c *Context) Completed(id StageID) (*StageResult, bool) {
	r, ok := c.Result(id)
	if !ok || r.Status != StatusCompleted {
		return nil, false
	}
	return r, true
}

// Results returns all recorded results in recording order.
func (c *Context) Results() []*StageResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*StageResult, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.results[id])
	}
	return out
}

func (c *Context) SetCombinedChanges(ch *CombinedChanges) {
	c.mu.Lock()
	c.changes = ch
	c.mu.Unlock()
}

func (c *Context) CombinedChanges() *CombinedChanges {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changes
}

// SetProgressFunc installs the sub-progress sink. The engine calls this
// before dispatching stages.
func (c *Context) SetProgressFunc(fn ProgressFunc) {
	c.mu.Lock()
	c.progress = fn
	c.mu.Unlock()
}

// ReportProgress forwards stage sub-progress to the run's observer.
func (c *Context) ReportProgress(stage StageID, fraction float64, message string) {
	c.mu.RLock()
	fn := c.progress
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	fn(stage, fraction, message)
}
