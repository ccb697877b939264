// Package depgraph builds the dependency graph over a rendered workload map
// and implements the cycle check and add/delete gating semantics of §4.4.
package depgraph

import (
	"fmt"
	"sort"

	"github.com/cuemby/ankor/internal/workload"
)

// CycleError reports one cycle-witnessing back edge found during the DFS.
type CycleError struct {
	From string
	To   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("depgraph: cycle detected via edge %q -> %q", e.From, e.To)
}

// Graph is a directed graph over workload names: an edge A->B exists
// whenever A.dependencies[B] is present.
type Graph struct {
	edges map[string]map[string]workload.AddCondition
	nodes []string // insertion order, for deterministic traversal
}

// Build constructs a Graph from a rendered workload map. It does not check
// for cycles; call Check for that.
func Build(workloads map[string]workload.Spec) *Graph {
	g := &Graph{edges: make(map[string]map[string]workload.AddCondition, len(workloads))}
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	g.nodes = names

	for _, name := range names {
		spec := workloads[name]
		deps := make(map[string]workload.AddCondition, len(spec.Dependencies))
		depNames := make([]string, 0, len(spec.Dependencies))
		for dep := range spec.Dependencies {
			depNames = append(depNames, dep)
		}
		sort.Strings(depNames)
		for _, dep := range depNames {
			deps[dep] = spec.Dependencies[dep]
		}
		g.edges[name] = deps
	}
	return g
}

// Check runs a DFS with a recursion stack over the graph, returning a
// CycleError naming the back edge that closed the first cycle found.
// Traversal order is deterministic (sorted node and edge order) so repeated
// calls on the same graph report the same witness.
func (g *Graph) Check() error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))

	var visit func(name string) error
	visit = func(name string) error {
		state[name] = inStack
		deps := make([]string, 0, len(g.edges[name]))
		for dep := range g.edges[name] {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case inStack:
				return &CycleError{From: name, To: dep}
			case unvisited:
				if _, known := g.edges[dep]; known {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		state[name] = done
		return nil
	}

	for _, name := range g.nodes {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dependents returns the names of workloads that declare a dependency on
// name, together with the AddCondition they attached to it.
func (g *Graph) Dependents(name string) map[string]workload.AddCondition {
	out := make(map[string]workload.AddCondition)
	for _, n := range g.nodes {
		if cond, ok := g.edges[n][name]; ok {
			out[n] = cond
		}
	}
	return out
}

// AddEligible reports whether a workload is eligible to be started, i.e.
// every dependency's latest execution state fulfils its AddCondition (§4.4).
func AddEligible(spec workload.Spec, states func(dependencyName string) (workload.ExecutionState, bool)) bool {
	for dep, cond := range spec.Dependencies {
		state, ok := states(dep)
		if !ok || !state.Fulfils(cond) {
			return false
		}
	}
	return true
}

// DeleteEligible reports whether a workload is eligible to be deleted: for
// every dependent X with condition cond, X must be waiting_to_start (treated
// as already satisfied) or already fulfil cond (§4.4).
func DeleteEligible(dependents map[string]workload.DeleteCondition, states func(dependentName string) (workload.ExecutionState, bool)) bool {
	for depender, cond := range dependents {
		state, ok := states(depender)
		if !ok {
			continue
		}
		if state.IsWaitingToStart() {
			continue
		}
		if !state.FulfilsDelete(cond) {
			return false
		}
	}
	return true
}
