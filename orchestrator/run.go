package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/reportflow/reportflow/agent"
	"github.com/reportflow/reportflow/clarify"
	"github.com/reportflow/reportflow/graph"
)

// runLevels executes the levels strictly in order, each level's agents
// concurrently. The barrier at the end of each level is the only
// synchronization point: a level never starts before the previous one is
// fully resolved. Individual agent failures stay on their results and never
// abort siblings; only cancellation or the request ceiling stops the run.
func (s *Service) runLevels(ctx context.Context, tenantID string, defs []agent.Definition,
	levels [][]string, rawText string, completed map[string]agent.Result) *Error {
	byID := make(map[string]agent.Definition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	for k, level := range levels {
		if oerr := boundaryErr(ctx); oerr != nil {
			return oerr
		}
		s.log.Debug(ctx, "running level", "level", k, "agents", strings.Join(level, ","))

		parents := parentsView(completed)
		results := make([]agent.Result, len(level))
		var wg sync.WaitGroup
		for i, id := range level {
			wg.Add(1)
			go func(i int, def agent.Definition) {
				defer wg.Done()
				results[i] = s.executor.Execute(ctx, tenantID, def, rawText, parents)
			}(i, byID[id])
		}
		wg.Wait()

		// Cancellation observed at the barrier discards the level's results.
		if oerr := boundaryErr(ctx); oerr != nil {
			return oerr
		}
		for _, res := range results {
			completed[res.AgentID] = res
		}
	}
	return nil
}

// boundaryErr translates context state at a level boundary into the
// caller-facing taxonomy. Exceeding the request ceiling fails the whole run
// rather than returning partial data silently.
func boundaryErr(ctx context.Context) *Error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTimeout, Message: "request deadline exceeded", Err: err}
	default:
		return &Error{Code: CodeCanceled, Message: "request canceled", Err: err}
	}
}

// parentsView snapshots completed results as the read-only parent map handed
// to a level's executions.
func parentsView(completed map[string]agent.Result) map[string]*agent.Result {
	parents := make(map[string]*agent.Result, len(completed))
	for id := range completed {
		res := completed[id]
		parents[id] = &res
	}
	return parents
}

// rerunSet returns the agents that must re-run after clarification: every
// agent whose field received a usable answer, plus its transitive dependents.
func rerunSet(defs []agent.Definition, items []clarify.Item, answers map[string]string) map[string]struct{} {
	rerun := make(map[string]struct{})
	for _, item := range items {
		if strings.TrimSpace(answers[item.Field]) == "" {
			continue
		}
		rerun[item.AgentID] = struct{}{}
		for _, dep := range graph.Dependents(defs, item.AgentID) {
			rerun[dep] = struct{}{}
		}
	}
	return rerun
}

// pruneTo restricts the definitions to the re-run set for level planning,
// dropping dependency edges that leave the set. Parents outside the set are
// already completed and are served from their stored results.
func pruneTo(defs []agent.Definition, rerun map[string]struct{}) []agent.Definition {
	out := make([]agent.Definition, 0, len(rerun))
	for _, d := range defs {
		if _, ok := rerun[d.ID]; !ok {
			continue
		}
		pruned := d
		pruned.DependsOn = nil
		for _, dep := range d.DependsOn {
			if _, ok := rerun[dep]; ok {
				pruned.DependsOn = append(pruned.DependsOn, dep)
			}
		}
		out = append(out, pruned)
	}
	return out
}

// orderedAnswers pairs answers with fields in the order the clarification
// items were issued, which keeps the merged text deterministic.
func orderedAnswers(items []clarify.Item, answers map[string]string) []clarify.Answer {
	out := make([]clarify.Answer, 0, len(items))
	for _, item := range items {
		text, ok := answers[item.Field]
		if !ok {
			continue
		}
		out = append(out, clarify.Answer{Field: item.Field, Text: text})
	}
	return out
}

// filterAsked drops items for fields that already had their one
// clarification round.
func filterAsked(items []clarify.Item, asked map[string]struct{}) []clarify.Item {
	if len(asked) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if _, done := asked[askedKey(item.AgentID, item.Field)]; done {
			continue
		}
		out = append(out, item)
	}
	return out
}

func askedKey(agentID, field string) string {
	return agentID + "." + field
}

func sortedResults(completed map[string]agent.Result) []agent.Result {
	out := make([]agent.Result, 0, len(completed))
	for _, res := range completed {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func failedCount(results []agent.Result) int {
	n := 0
	for i := range results {
		if results[i].Failed() {
			n++
		}
	}
	return n
}

// composeAnswer renders the assistant reply recorded with the turn: the
// summary agent's text when present, a terse accounting otherwise.
func composeAnswer(results []agent.Result) string {
	for i := range results {
		if results[i].Failed() {
			continue
		}
		if text, ok := results[i].Fields["summary_text"].(string); ok && text != "" {
			return text
		}
	}
	return fmt.Sprintf("Report processed by %d agents (%d failed).", len(results), failedCount(results))
}
