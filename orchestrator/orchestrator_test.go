package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/agent"
	"github.com/reportflow/reportflow/agent/exec"
	"github.com/reportflow/reportflow/clarify"
	"github.com/reportflow/reportflow/graph"
	"github.com/reportflow/reportflow/grounding"
	groundmem "github.com/reportflow/reportflow/grounding/inmem"
	"github.com/reportflow/reportflow/inference"
	"github.com/reportflow/reportflow/orchestrator"
	"github.com/reportflow/reportflow/retry"
)

// scriptedClient routes inference calls by system prompt and records every
// request per agent.
type scriptedClient struct {
	mu      sync.Mutex
	scripts map[string]func(call int, req inference.Request) (inference.Response, error)
	calls   map[string]int
	inputs  map[string][]string
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		scripts: make(map[string]func(int, inference.Request) (inference.Response, error)),
		calls:   make(map[string]int),
		inputs:  make(map[string][]string),
	}
}

func (c *scriptedClient) on(agentID string, fn func(call int, req inference.Request) (inference.Response, error)) {
	c.scripts[agentID] = fn
}

func (c *scriptedClient) respond(agentID string, fields map[string]any, confidence map[string]float64) {
	c.on(agentID, func(int, inference.Request) (inference.Response, error) {
		return inference.Response{Fields: fields, Confidence: confidence}, nil
	})
}

func (c *scriptedClient) Invoke(_ context.Context, req inference.Request) (inference.Response, error) {
	c.mu.Lock()
	agentID := req.SystemPrompt
	c.calls[agentID]++
	call := c.calls[agentID]
	c.inputs[agentID] = append(c.inputs[agentID], req.Input)
	fn := c.scripts[agentID]
	c.mu.Unlock()
	if fn == nil {
		return inference.Response{}, nil
	}
	return fn(call, req)
}

func (c *scriptedClient) callCount(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[agentID]
}

func (c *scriptedClient) lastInput(agentID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inputs[agentID]) == 0 {
		return ""
	}
	return c.inputs[agentID][len(c.inputs[agentID])-1]
}

// reportGraph is the canonical three-agent graph: geo and entity at level 0,
// summary depending on both.
func reportGraph(t *testing.T) *agent.Registry {
	t.Helper()
	reg, err := agent.NewRegistry(
		agent.Definition{
			ID:           "geo",
			Category:     agent.CategoryLocation,
			SystemPrompt: "geo",
			Output:       []agent.Field{{Name: "location_name", Type: "string", Confidence: true}},
		},
		agent.Definition{
			ID:           "entity",
			Category:     agent.CategoryEntity,
			SystemPrompt: "entity",
			Output:       []agent.Field{{Name: "involved_parties", Type: "string", Confidence: true}},
		},
		agent.Definition{
			ID:           "summary",
			DependsOn:    []string{"geo", "entity"},
			SystemPrompt: "summary",
			Output:       []agent.Field{{Name: "summary_text", Type: "string", Confidence: true}},
		},
	)
	require.NoError(t, err)
	return reg
}

type fixture struct {
	service *orchestrator.Service
	client  *scriptedClient
	store   *groundmem.Store
}

func newFixture(t *testing.T, reg *agent.Registry, opts ...func(*orchestrator.Options)) *fixture {
	t.Helper()
	client := newScriptedClient()
	executor, err := exec.New(exec.Options{
		Inference:   client,
		Retry:       retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1.0},
		CallTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	store := groundmem.New()
	manager, err := grounding.NewManager(grounding.ManagerOptions{Store: store})
	require.NoError(t, err)
	o := orchestrator.Options{Registry: reg, Executor: executor, Grounding: manager}
	for _, opt := range opts {
		opt(&o)
	}
	service, err := orchestrator.New(o)
	require.NoError(t, err)
	return &fixture{service: service, client: client, store: store}
}

func TestTwoLevelGraphCompletes(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	f.client.respond("geo", map[string]any{"location_name": "5th Ave"}, map[string]float64{"location_name": 0.95})
	f.client.respond("entity", map[string]any{"involved_parties": "two cyclists"}, map[string]float64{"involved_parties": 0.92})
	f.client.respond("summary", map[string]any{"summary_text": "Cyclist collision on 5th Ave."}, map[string]float64{"summary_text": 0.99})

	resp := f.service.SubmitAgentRequest(context.Background(), orchestrator.Request{
		TenantID: "city", SessionID: "sess-a", RawText: "two cyclists collided on 5th",
	})
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)
	require.Nil(t, resp.Err)
	require.Len(t, resp.Results, 3)

	// Summary ran after the barrier with both parent outputs in its input.
	input := f.client.lastInput("summary")
	require.Contains(t, input, "Context from geo:")
	require.Contains(t, input, "Context from entity:")

	// The turn was grounded with one reference per agent.
	msgs, err := f.store.ListMessages(context.Background(), "sess-a")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "Cyclist collision on 5th Ave.", msgs[1].Content)
	require.Len(t, msgs[1].References, 3)
}

func TestLowConfidencePausesAndResumesSubgraphOnly(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	f.client.on("geo", func(call int, _ inference.Request) (inference.Response, error) {
		if call == 1 {
			return inference.Response{
				Fields:     map[string]any{"location_name": "the bridge"},
				Confidence: map[string]float64{"location_name": 0.4},
			}, nil
		}
		return inference.Response{
			Fields:     map[string]any{"location_name": "Aurora Bridge"},
			Confidence: map[string]float64{"location_name": 0.97},
		}, nil
	})
	f.client.respond("entity", map[string]any{"involved_parties": "a delivery van"}, map[string]float64{"involved_parties": 0.93})
	f.client.respond("summary", map[string]any{"summary_text": "Van incident at the bridge."}, map[string]float64{"summary_text": 0.95})

	ctx := context.Background()
	resp := f.service.SubmitAgentRequest(ctx, orchestrator.Request{
		TenantID: "city", SessionID: "sess-b", RawText: "something happened at the bridge",
	})
	require.Equal(t, orchestrator.StatusNeedsClarification, resp.Status)
	require.Len(t, resp.Items, 1)
	require.Equal(t, "geo", resp.Items[0].AgentID)
	require.Contains(t, resp.Items[0].Question, "the bridge")

	resumed := f.service.SubmitClarificationAnswers(ctx, "sess-b", map[string]string{
		"location_name": "Aurora Bridge, north end",
	})
	require.Equal(t, orchestrator.StatusCompleted, resumed.Status)

	// Only the clarified agent and its dependents re-ran.
	require.Equal(t, 2, f.client.callCount("geo"))
	require.Equal(t, 1, f.client.callCount("entity"))
	require.Equal(t, 2, f.client.callCount("summary"))

	// The re-run saw the merged text and the fresh geo output.
	input := f.client.lastInput("geo")
	require.Contains(t, input, "Additional details:")
	require.Contains(t, input, "Aurora Bridge, north end")
	require.Contains(t, f.client.lastInput("summary"), "Context from geo:")
}

func TestSecondLowConfidencePassAcceptedAsFinal(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	f.client.respond("geo", map[string]any{"location_name": "the bridge"}, map[string]float64{"location_name": 0.4})
	f.client.respond("entity", map[string]any{"involved_parties": "someone"}, map[string]float64{"involved_parties": 0.95})
	f.client.respond("summary", map[string]any{"summary_text": "Incident at the bridge."}, map[string]float64{"summary_text": 0.95})

	ctx := context.Background()
	resp := f.service.SubmitAgentRequest(ctx, orchestrator.Request{
		TenantID: "city", SessionID: "sess-b2", RawText: "report",
	})
	require.Equal(t, orchestrator.StatusNeedsClarification, resp.Status)

	// geo stays low-confidence after the answer; the field had its one round.
	resumed := f.service.SubmitClarificationAnswers(ctx, "sess-b2", map[string]string{
		"location_name": "still not sure, near the water",
	})
	require.Equal(t, orchestrator.StatusCompleted, resumed.Status)
}

func TestTimedOutAgentIsFlaggedNotFatal(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	f.client.respond("geo", map[string]any{"location_name": "5th Ave"}, map[string]float64{"location_name": 0.95})
	f.client.on("entity", func(_ int, _ inference.Request) (inference.Response, error) {
		return inference.Response{}, context.DeadlineExceeded
	})
	f.client.respond("summary", map[string]any{"summary_text": "Incident on 5th Ave."}, map[string]float64{"summary_text": 0.95})

	resp := f.service.SubmitAgentRequest(context.Background(), orchestrator.Request{
		TenantID: "city", SessionID: "sess-c", RawText: "report",
	})
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)
	require.Equal(t, 3, f.client.callCount("entity"), "timeouts retried to exhaustion")

	var failed []string
	for _, res := range resp.Results {
		if res.Failed() {
			failed = append(failed, res.AgentID)
			var exhausted *retry.ExhaustedError
			require.ErrorAs(t, res.Err, &exhausted)
		}
	}
	require.Equal(t, []string{"entity"}, failed)

	// Summary still ran, treating the failed parent as absent.
	input := f.client.lastInput("summary")
	require.Contains(t, input, "Context from geo:")
	require.NotContains(t, input, "Context from entity:")
}

func TestCycleFailsPlanning(t *testing.T) {
	reg, err := agent.NewRegistry(
		agent.Definition{ID: "a", DependsOn: []string{"b"}, SystemPrompt: "a", Output: []agent.Field{{Name: "x", Type: "string"}}},
		agent.Definition{ID: "b", DependsOn: []string{"a"}, SystemPrompt: "b", Output: []agent.Field{{Name: "y", Type: "string"}}},
	)
	require.NoError(t, err)
	f := newFixture(t, reg)

	resp := f.service.SubmitAgentRequest(context.Background(), orchestrator.Request{
		TenantID: "city", SessionID: "sess-cycle", RawText: "report",
	})
	require.Equal(t, orchestrator.StatusFailed, resp.Status)
	require.NotNil(t, resp.Err)
	require.Equal(t, orchestrator.CodeCycle, resp.Err.Code)
	var cycle *graph.CycleError
	require.ErrorAs(t, resp.Err, &cycle)
	require.Zero(t, f.client.callCount("a"), "no agent runs on a planning failure")
}

func TestUnknownAgentRejected(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	resp := f.service.SubmitAgentRequest(context.Background(), orchestrator.Request{
		TenantID: "city", SessionID: "sess-u", RawText: "report", AgentIDs: []string{"nope"},
	})
	require.Equal(t, orchestrator.StatusFailed, resp.Status)
	require.Equal(t, orchestrator.CodeUnknownAgent, resp.Err.Code)
}

func TestRequestedAgentsRunClosureOnly(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	f.client.respond("geo", map[string]any{"location_name": "harbor"}, map[string]float64{"location_name": 0.95})

	resp := f.service.SubmitAgentRequest(context.Background(), orchestrator.Request{
		TenantID: "city", SessionID: "sess-g", RawText: "report", AgentIDs: []string{"geo"},
	})
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)
	require.Len(t, resp.Results, 1)
	require.Zero(t, f.client.callCount("entity"))
	require.Zero(t, f.client.callCount("summary"))
}

func TestRequestCeilingFailsWithTimeout(t *testing.T) {
	f := newFixture(t, reportGraph(t), func(o *orchestrator.Options) {
		o.RequestTimeout = 30 * time.Millisecond
	})
	// Stall every level-0 agent until the request deadline has passed.
	slow := func(_ int, _ inference.Request) (inference.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return inference.Response{}, context.DeadlineExceeded
	}
	f.client.on("geo", slow)
	f.client.on("entity", slow)

	resp := f.service.SubmitAgentRequest(context.Background(), orchestrator.Request{
		TenantID: "city", SessionID: "sess-t", RawText: "report",
	})
	require.Equal(t, orchestrator.StatusFailed, resp.Status)
	require.Equal(t, orchestrator.CodeTimeout, resp.Err.Code)
	require.Zero(t, f.client.callCount("summary"), "later levels never start after the ceiling")
}

func TestCancellationObservedAtLevelBoundary(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := f.service.SubmitAgentRequest(ctx, orchestrator.Request{
		TenantID: "city", SessionID: "sess-x", RawText: "report",
	})
	require.Equal(t, orchestrator.StatusFailed, resp.Status)
	require.Equal(t, orchestrator.CodeCanceled, resp.Err.Code)
}

func TestAnswersWithoutPausedRunRejected(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	resp := f.service.SubmitClarificationAnswers(context.Background(), "no-such-session", map[string]string{"f": "v"})
	require.Equal(t, orchestrator.StatusFailed, resp.Status)
	require.Equal(t, orchestrator.CodeNoPendingRun, resp.Err.Code)
}

func TestBlankAnswersSkipReRun(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	f.client.respond("geo", map[string]any{"location_name": "the bridge"}, map[string]float64{"location_name": 0.4})
	f.client.respond("entity", map[string]any{"involved_parties": "a van"}, map[string]float64{"involved_parties": 0.95})
	f.client.respond("summary", map[string]any{"summary_text": "Incident."}, map[string]float64{"summary_text": 0.95})

	ctx := context.Background()
	resp := f.service.SubmitAgentRequest(ctx, orchestrator.Request{
		TenantID: "city", SessionID: "sess-blank", RawText: "report",
	})
	require.Equal(t, orchestrator.StatusNeedsClarification, resp.Status)

	resumed := f.service.SubmitClarificationAnswers(ctx, "sess-blank", map[string]string{"location_name": "   "})
	require.Equal(t, orchestrator.StatusCompleted, resumed.Status)
	require.Equal(t, 1, f.client.callCount("geo"), "blank answers re-run nothing")
	require.Equal(t, 1, f.client.callCount("summary"))
}

func TestClarificationItemsMatchScanOutput(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	f.client.respond("geo", map[string]any{"location_name": "the bridge"}, map[string]float64{"location_name": 0.4})
	f.client.respond("entity", map[string]any{"involved_parties": "someone"}, map[string]float64{"involved_parties": 0.5})
	f.client.respond("summary", map[string]any{"summary_text": "Incident."}, map[string]float64{"summary_text": 0.95})

	resp := f.service.SubmitAgentRequest(context.Background(), orchestrator.Request{
		TenantID: "city", SessionID: "sess-i", RawText: "report",
	})
	require.Equal(t, orchestrator.StatusNeedsClarification, resp.Status)
	require.Len(t, resp.Items, 2)
	fields := []string{resp.Items[0].Field, resp.Items[1].Field}
	require.ElementsMatch(t, []string{"location_name", "involved_parties"}, fields)
	for _, item := range resp.Items {
		require.NotEmpty(t, item.Question)
		require.True(t, item.Confidence < clarify.DefaultThreshold)
	}
}

func TestPartialResultsSurfacedNotHidden(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	f.client.respond("geo", map[string]any{"location_name": "5th Ave"}, map[string]float64{"location_name": 0.95})
	f.client.on("entity", func(_ int, _ inference.Request) (inference.Response, error) {
		return inference.Response{Fields: map[string]any{"involved_parties": "x", "extra": "y"}}, nil
	})
	f.client.respond("summary", map[string]any{"summary_text": "Incident on 5th."}, map[string]float64{"summary_text": 0.95})

	resp := f.service.SubmitAgentRequest(context.Background(), orchestrator.Request{
		TenantID: "city", SessionID: "sess-p", RawText: "report",
	})
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)

	byID := map[string]agent.Result{}
	for _, res := range resp.Results {
		byID[res.AgentID] = res
	}
	entityRes := byID["entity"]
	require.True(t, entityRes.Failed())
	var violation *exec.SchemaViolation
	require.ErrorAs(t, entityRes.Err, &violation)

	// Grounding references flag the failure instead of dropping it.
	msgs, err := f.store.ListMessages(context.Background(), "sess-p")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	var entityRef *grounding.Reference
	for i := range msgs[1].References {
		if msgs[1].References[i].ReferenceID == "entity" {
			entityRef = &msgs[1].References[i]
		}
	}
	require.NotNil(t, entityRef)
	require.Equal(t, "failed", entityRef.Status)
}

func TestResponsesAreDeterministicallyOrdered(t *testing.T) {
	f := newFixture(t, reportGraph(t))
	f.client.respond("geo", map[string]any{"location_name": "5th Ave"}, map[string]float64{"location_name": 0.95})
	f.client.respond("entity", map[string]any{"involved_parties": "a van"}, map[string]float64{"involved_parties": 0.95})
	f.client.respond("summary", map[string]any{"summary_text": "Incident."}, map[string]float64{"summary_text": 0.95})

	resp := f.service.SubmitAgentRequest(context.Background(), orchestrator.Request{
		TenantID: "city", SessionID: "sess-o", RawText: "report",
	})
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)
	ids := make([]string, len(resp.Results))
	for i, res := range resp.Results {
		ids[i] = res.AgentID
	}
	require.Equal(t, []string{"entity", "geo", "summary"}, ids)
	require.True(t, strings.HasPrefix(resp.RunID, "run-"))
}
