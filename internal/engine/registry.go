package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

// Registry holds the stages available to a pipeline, keyed by StageID.
type Registry struct {
	mu    sync.RWMutex
	regs  map[pipeline.StageID]*registration
	order []pipeline.StageID
}

func NewRegistry() *Registry {
	return &Registry{regs: map[pipeline.StageID]*registration{}}
}

// Register adds s with cfg. Registration order breaks ties in the plan.
func (r *Registry) Register(s Stage, cfg StageConfig) error {
	id := s.ID()
	if id == "" {
		return &pipeline.ConfigurationError{Message: "stage has an empty id"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[id]; ok {
		return &pipeline.ConfigurationError{Stage: id, Message: "registered twice"}
	}
	r.regs[id] = &registration{stage: s, cfg: cfg, index: len(r.order)}
	r.order = append(r.order, id)
	return nil
}

// Lookup returns the stage and its configuration.
func (r *Registry) Lookup(id pipeline.StageID) (Stage, StageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[id]
	if !ok {
		return nil, StageConfig{}, false
	}
	return reg.stage, reg.cfg, true
}

// Stages lists registered stage ids in registration order.
func (r *Registry) Stages() []pipeline.StageID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]pipeline.StageID(nil), r.order...)
}

// SetEnabled toggles a registered stage.
func (r *Registry) SetEnabled(id pipeline.StageID, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[id]
	if !ok {
		return &pipeline.ConfigurationError{Stage: id, Message: "not registered"}
	}
	reg.cfg.Enabled = enabled
	return nil
}

// Batch is a group of stages dispatched together. A parallel batch has more
// than one member and all of them are parallel-eligible.
type Batch struct {
	Stages   []pipeline.StageID `json:"stages"`
	Parallel bool               `json:"parallel"`
}

// Plan is an execution order computed from a snapshot of the registry.
// Registering stages after planning does not affect an existing plan.
type Plan struct {
	Batches []Batch
	Order   []pipeline.StageID
	regs    map[pipeline.StageID]*registration
}

// Len is the number of planned stages.
func (p *Plan) Len() int { return len(p.Order) }

// Contains reports whether id is planned.
func (p *Plan) Contains(id pipeline.StageID) bool {
	_, ok := p.regs[id]
	return ok
}

// Config returns the snapshot configuration of a planned stage.
func (p *Plan) Config(id pipeline.StageID) (StageConfig, bool) {
	reg, ok := p.regs[id]
	if !ok {
		return StageConfig{}, false
	}
	return reg.cfg, true
}

// DependsOn returns the effective dependencies of a planned stage.
func (p *Plan) DependsOn(id pipeline.StageID) []pipeline.StageID {
	if reg, ok := p.regs[id]; ok {
		return reg.deps()
	}
	return nil
}

func (p *Plan) String() string {
	var b strings.Builder
	for i, batch := range p.Batches {
		ids := make([]string, len(batch.Stages))
		for j, id := range batch.Stages {
			ids[j] = string(id)
		}
		mode := "sequential"
		if batch.Parallel {
			mode = "parallel"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, mode, strings.Join(ids, ", "))
	}
	return b.String()
}

// Plan orders the enabled stages topologically. Stages at the same
// dependency depth form one level; a level's parallel-eligible members share
// a batch and the rest run one at a time, ordered by registration index.
//
// A dependency on an unregistered stage, or a cycle, is a ConfigurationError.
// A dependency on a registered but disabled stage is allowed here and
// checked at run time against the context.
func (r *Registry) Plan() (*Plan, error) {
	r.mu.RLock()
	regs := make(map[pipeline.StageID]*registration, len(r.regs))
	var enabled []*registration
	for _, id := range r.order {
		cp := *r.regs[id]
		regs[id] = &cp
		if cp.cfg.Enabled {
			enabled = append(enabled, &cp)
		}
	}
	r.mu.RUnlock()

	indegree := map[pipeline.StageID]int{}
	dependents := map[pipeline.StageID][]pipeline.StageID{}
	for _, reg := range enabled {
		for _, dep := range reg.deps() {
			target, ok := regs[dep]
			if !ok {
				return nil, &pipeline.ConfigurationError{
					Stage:   reg.id(),
					Message: fmt.Sprintf("depends on unregistered stage %q", dep),
				}
			}
			if dep == reg.id() {
				return nil, &pipeline.ConfigurationError{Stage: reg.id(), Message: "depends on itself"}
			}
			if !target.cfg.Enabled {
				continue
			}
			indegree[reg.id()]++
			dependents[dep] = append(dependents[dep], reg.id())
		}
	}

	plan := &Plan{regs: map[pipeline.StageID]*registration{}}
	for _, reg := range enabled {
		plan.regs[reg.id()] = reg
	}

	var level []*registration
	for _, reg := range enabled {
		if indegree[reg.id()] == 0 {
			level = append(level, reg)
		}
	}
	for len(level) > 0 {
		for _, b := range batchesFor(level) {
			plan.Batches = append(plan.Batches, b)
			plan.Order = append(plan.Order, b.Stages...)
		}
		var next []*registration
		for _, reg := range level {
			for _, d := range dependents[reg.id()] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, regs[d])
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i].index < next[j].index })
		level = next
	}

	if len(plan.Order) != len(enabled) {
		var stuck []string
		for _, reg := range enabled {
			if indegree[reg.id()] > 0 {
				stuck = append(stuck, string(reg.id()))
			}
		}
		return nil, &pipeline.ConfigurationError{
			Message: "dependency cycle among stages: " + strings.Join(stuck, ", "),
		}
	}
	return plan, nil
}

// batchesFor splits one dependency level into batches. level is sorted by
// registration index.
func batchesFor(level []*registration) []Batch {
	var out []Batch
	parallelAt := -1
	for _, reg := range level {
		if reg.cfg.Parallel && parallelAt >= 0 {
			out[parallelAt].Stages = append(out[parallelAt].Stages, reg.id())
			out[parallelAt].Parallel = true
			continue
		}
		if reg.cfg.Parallel {
			parallelAt = len(out)
		}
		out = append(out, Batch{Stages: []pipeline.StageID{reg.id()}})
	}
	return out
}
