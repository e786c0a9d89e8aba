// Package graph builds the stage dependency DAG, detects cycles at
// construction, and computes the dependency-gated ready set the
// orchestrator core advances each tick (SPEC_FULL.md §3 "Graph", §4.10
// "Dependency gating").
package graph

import (
	"fmt"

	"github.com/weftio/weft/internal/model"
)

// Node wraps a stage with its resolved dependents, computed once at
// construction so the orchestrator can notify them in O(1) without
// re-scanning every stage's DependsOn list.
type Node struct {
	Stage      *model.Stage
	Dependents []string // stage ids that list this node as a dependency
}

// Graph is the in-memory DAG: nodes keyed by stage id, in plan-declaration
// order so ready-set ties break deterministically (§4.10: "Ties broken by
// insertion order").
type Graph struct {
	nodes map[string]*Node
	order []string
}

// ErrCycle is returned when the stage set contains a dependency cycle.
type ErrCycle struct {
	Cycle []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

// ErrUnknownDependency is returned when a stage names a dependency id that
// is not present in the plan.
type ErrUnknownDependency struct {
	StageID      string
	DependencyID string
}

func (e *ErrUnknownDependency) Error() string {
	return fmt.Sprintf("stage %q depends on unknown stage %q", e.StageID, e.DependencyID)
}

// New builds a Graph from stages, validating that every dependency id
// resolves to a known stage and that the dependency relation is acyclic.
// No state is mutated on error (§7, "Validation errors ... the core
// refuses to start; no state is mutated").
func New(stages []*model.Stage) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*Node, len(stages)),
		order: make([]string, 0, len(stages)),
	}
	for _, st := range stages {
		g.nodes[st.ID] = &Node{Stage: st}
		g.order = append(g.order, st.ID)
	}
	for _, st := range stages {
		for _, dep := range st.DependsOn {
			depNode, ok := g.nodes[dep]
			if !ok {
				return nil, &ErrUnknownDependency{StageID: st.ID, DependencyID: dep}
			}
			depNode.Dependents = append(depNode.Dependents, st.ID)
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, &ErrCycle{Cycle: cycle}
	}
	return g, nil
}

// visitState tags a node during cycle detection.
type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

func (g *Graph) findCycle() []string {
	state := make(map[string]visitState, len(g.order))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		path = append(path, id)
		for _, dep := range g.nodes[id].Stage.DependsOn {
			switch state[dep] {
			case visiting:
				return append(append([]string{}, path...), dep)
			case unvisited:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = visited
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// Stage returns the node's stage by id, or nil if unknown.
func (g *Graph) Stage(id string) *model.Stage {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.Stage
}

// Stages returns every stage in plan-declaration order.
func (g *Graph) Stages() []*model.Stage {
	out := make([]*model.Stage, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Stage)
	}
	return out
}

// Dependents returns the stage ids that depend on id, in declaration order.
func (g *Graph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.Dependents
}

// dependencyStages resolves a stage's DependsOn ids to their current Stage
// values, in the order they were declared.
func (g *Graph) dependencyStages(st *model.Stage) []*model.Stage {
	deps := make([]*model.Stage, 0, len(st.DependsOn))
	for _, id := range st.DependsOn {
		deps = append(deps, g.Stage(id))
	}
	return deps
}

// ReadySet computes the dependency-gated ready set (§4.10 "Dependency
// gating"): stages currently WaitingForDeps whose every dependency is
// Completed and merged, excluding held stages. Order matches plan
// declaration order, satisfying the tie-break rule.
//
// Testable Property 3: the result never includes a Held stage.
func (g *Graph) ReadySet() []*model.Stage {
	var ready []*model.Stage
	for _, id := range g.order {
		st := g.nodes[id].Stage
		if st.Status != model.StageWaitingForDeps {
			continue
		}
		if st.Held {
			continue
		}
		if model.DependenciesSatisfied(g.dependencyStages(st)) {
			ready = append(ready, st)
		}
	}
	return ready
}

// PromoteReady transitions every stage in ReadySet() from WaitingForDeps to
// Queued, so the orchestrator core can start them against its parallelism
// budget. Returns the ids promoted, in order.
func (g *Graph) PromoteReady() ([]string, error) {
	var promoted []string
	for _, st := range g.ReadySet() {
		if err := model.TransitionStage(st, model.StageQueued); err != nil {
			return promoted, fmt.Errorf("promoting %s to queued: %w", st.ID, err)
		}
		promoted = append(promoted, st.ID)
	}
	return promoted, nil
}

// IsComplete reports whether every stage in the graph has reached a
// terminal state (Completed+merged, or Skipped).
func (g *Graph) IsComplete() bool {
	for _, id := range g.order {
		if !g.nodes[id].Stage.IsTerminal() {
			return false
		}
	}
	return true
}

// MarkExecuting transitions a Queued stage to Executing.
func (g *Graph) MarkExecuting(id string) error {
	st := g.Stage(id)
	if st == nil {
		return fmt.Errorf("mark executing: unknown stage %q", id)
	}
	return model.TransitionStage(st, model.StageExecuting)
}

// MarkCompleted transitions an Executing stage to Completed. The caller
// (orchestrator core) is responsible for the subsequent merge step and for
// setting merged=true once the merge succeeds.
func (g *Graph) MarkCompleted(id string) error {
	st := g.Stage(id)
	if st == nil {
		return fmt.Errorf("mark completed: unknown stage %q", id)
	}
	return model.TransitionStage(st, model.StageCompleted)
}

// MarkBlocked transitions a stage to Blocked and records why.
func (g *Graph) MarkBlocked(id string, failure *model.FailureRecord) error {
	st := g.Stage(id)
	if st == nil {
		return fmt.Errorf("mark blocked: unknown stage %q", id)
	}
	if err := model.TransitionStage(st, model.StageBlocked); err != nil {
		return err
	}
	st.Failure = failure
	return nil
}
