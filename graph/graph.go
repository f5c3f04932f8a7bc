// Package graph resolves agent dependency graphs into execution levels.
// Resolution is pure and deterministic: it performs no I/O and produces the
// same layering for the same input set, with ties broken by agent id.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reportflow/reportflow/agent"
)

// CycleError reports that the dependency graph contains a cycle. It is a
// configuration error: the run fails immediately and is never retried.
type CycleError struct {
	// Remaining lists the agent ids that could not be assigned to a level,
	// sorted. Every member either sits on a cycle or depends on one.
	Remaining []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving agents: %s", strings.Join(e.Remaining, ", "))
}

// UnknownDependencyError reports a dependency on an agent that is not part of
// the input set. Like a cycle, it is a configuration error.
type UnknownDependencyError struct {
	AgentID      string
	DependencyID string
}

// Error implements the error interface.
func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("agent %q depends on unknown agent %q", e.AgentID, e.DependencyID)
}

// Resolve computes the execution levels for the given definitions. Level k
// contains the agents whose dependencies have all been assigned to levels
// < k; agents with no dependencies form level 0. Agents within a level have
// no dependency relationship among them and are safe to execute concurrently.
//
// The union of the returned levels equals the input set, each agent exactly
// once. Ids within a level are sorted. Returns a *CycleError when the graph
// cannot be fully layered, and an *UnknownDependencyError when a dependency
// id is not in the input set.
func Resolve(defs []agent.Definition) ([][]string, error) {
	known := make(map[string][]string, len(defs))
	for _, d := range defs {
		known[d.ID] = d.DependsOn
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := known[dep]; !ok {
				return nil, &UnknownDependencyError{AgentID: d.ID, DependencyID: dep}
			}
		}
	}

	assigned := make(map[string]int, len(defs))
	var levels [][]string

	// Each pass assigns at least one agent or the graph has a cycle, so the
	// pass count is bounded by the number of agents.
	for len(assigned) < len(known) {
		var level []string
		for id, deps := range known {
			if _, done := assigned[id]; done {
				continue
			}
			ready := true
			for _, dep := range deps {
				if _, ok := assigned[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			remaining := make([]string, 0, len(known)-len(assigned))
			for id := range known {
				if _, done := assigned[id]; !done {
					remaining = append(remaining, id)
				}
			}
			sort.Strings(remaining)
			return nil, &CycleError{Remaining: remaining}
		}
		sort.Strings(level)
		for _, id := range level {
			assigned[id] = len(levels)
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Dependents returns the transitive dependents of the agent with the given
// id, sorted and excluding the agent itself. It is used to determine which
// part of the graph must re-run after a clarification round.
func Dependents(defs []agent.Definition, id string) []string {
	reverse := make(map[string][]string, len(defs))
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			reverse[dep] = append(reverse[dep], d.ID)
		}
	}

	seen := make(map[string]struct{})
	stack := []string{id}
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dependent := range reverse[next] {
			if _, ok := seen[dependent]; ok {
				continue
			}
			seen[dependent] = struct{}{}
			stack = append(stack, dependent)
		}
	}

	out := make([]string, 0, len(seen))
	for dependent := range seen {
		out = append(out, dependent)
	}
	sort.Strings(out)
	return out
}

// Closure returns the definitions reachable from the given roots by following
// dependencies, i.e. the minimal subgraph that must run to produce the roots'
// outputs. The result is sorted by id. Unknown root ids are ignored.
func Closure(defs []agent.Definition, roots ...string) []agent.Definition {
	byID := make(map[string]agent.Definition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	seen := make(map[string]struct{})
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		d, ok := byID[next]
		if !ok {
			continue
		}
		if _, dup := seen[next]; dup {
			continue
		}
		seen[next] = struct{}{}
		stack = append(stack, d.DependsOn...)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]agent.Definition, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}
