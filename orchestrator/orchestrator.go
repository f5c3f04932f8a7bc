// Package orchestrator drives one incident report through the agent
// dependency graph: it plans execution levels, runs each level's agents
// concurrently, pauses for clarification when confidence falls short, and
// hands the final result set to the grounding layer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/reportflow/reportflow/agent"
	"github.com/reportflow/reportflow/agent/exec"
	"github.com/reportflow/reportflow/clarify"
	"github.com/reportflow/reportflow/graph"
	"github.com/reportflow/reportflow/grounding"
	"github.com/reportflow/reportflow/telemetry"
)

// DefaultRequestTimeout is the ceiling across all levels of one request.
const DefaultRequestTimeout = 2 * time.Minute

// Status is the outcome of an orchestration pass.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusNeedsClarification Status = "needs_clarification"
	StatusFailed             Status = "failed"
)

// Code classifies orchestration failures for callers.
type Code string

const (
	// CodeCycle marks a dependency cycle in the agent graph.
	CodeCycle Code = "cycle"
	// CodeUnknownAgent marks a request naming an agent the registry lacks.
	CodeUnknownAgent Code = "unknown_agent"
	// CodeTimeout marks the overall request ceiling being exceeded.
	CodeTimeout Code = "timeout"
	// CodeCanceled marks caller cancellation observed at a level boundary.
	CodeCanceled Code = "canceled"
	// CodeNoPendingRun marks clarification answers for a session with no
	// paused run.
	CodeNoPendingRun Code = "no_pending_run"
	// CodeInternal marks everything else.
	CodeInternal Code = "internal"
)

type (
	// Error is the structured failure surfaced to callers. Per-agent
	// failures never become an Error: they ride on individual results.
	Error struct {
		Code    Code
		Message string
		Err     error
	}

	// Request describes one orchestration run. AgentIDs optionally restricts
	// the run to the named agents and their dependency closure; empty means
	// the whole registry.
	Request struct {
		TenantID  string
		SessionID string
		RawText   string
		AgentIDs  []string
	}

	// Response is the result shape shared by both service operations.
	// Partial successes surface as-is: failed agents stay in Results with
	// their error set rather than being hidden.
	Response struct {
		RunID   string
		Status  Status
		Results []agent.Result
		Items   []clarify.Item
		Err     *Error
	}

	// Options configures a Service.
	Options struct {
		// Registry holds the agent definitions. Required.
		Registry *agent.Registry
		// Executor runs individual agents. Required.
		Executor *exec.Executor
		// Grounding records completed turns. Required.
		Grounding *grounding.Manager
		// Threshold is the clarification confidence threshold. Defaults to
		// clarify.DefaultThreshold.
		Threshold float64
		// RequestTimeout is the ceiling across all levels of one request.
		RequestTimeout time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Tracer defaults to a no-op tracer.
		Tracer telemetry.Tracer
	}

	// Service is the orchestration entry point. Safe for concurrent use;
	// the paused-run registry is the only mutable state.
	Service struct {
		registry       *agent.Registry
		executor       *exec.Executor
		grounding      *grounding.Manager
		threshold      float64
		requestTimeout time.Duration
		log            telemetry.Logger
		metrics        telemetry.Metrics
		tracer         telemetry.Tracer

		mu     sync.RWMutex
		paused map[string]*pausedRun
	}

	// pausedRun is the state persisted across a clarification round trip:
	// enough to resume without re-running completed high-confidence agents.
	pausedRun struct {
		runID     string
		tenantID  string
		rawText   string
		defs      []agent.Definition
		completed map[string]agent.Result
		items     []clarify.Item
		asked     map[string]struct{}
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a Service from the given options.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("agent registry is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Grounding == nil {
		return nil, errors.New("grounding manager is required")
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = clarify.DefaultThreshold
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Service{
		registry:       opts.Registry,
		executor:       opts.Executor,
		grounding:      opts.Grounding,
		threshold:      threshold,
		requestTimeout: timeout,
		log:            logger,
		metrics:        metrics,
		tracer:         tracer,
		paused:         make(map[string]*pausedRun),
	}, nil
}

// SubmitAgentRequest runs one report through the agent graph. The returned
// response is always well-formed; orchestration-level failures ride on
// Response.Err with StatusFailed.
func (s *Service) SubmitAgentRequest(ctx context.Context, req Request) Response {
	runID := "run-" + uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "orchestrate")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	s.log.Info(ctx, "orchestration started",
		"run_id", runID, "tenant_id", req.TenantID, "session_id", req.SessionID)

	defs, oerr := s.plan(req.AgentIDs)
	if oerr != nil {
		return s.fail(ctx, span, runID, oerr)
	}
	levels, err := graph.Resolve(defs)
	if err != nil {
		return s.fail(ctx, span, runID, planError(err))
	}

	completed := make(map[string]agent.Result, len(defs))
	if oerr := s.runLevels(ctx, req.TenantID, defs, levels, req.RawText, completed); oerr != nil {
		return s.fail(ctx, span, runID, oerr)
	}

	return s.finish(ctx, span, runID, req.TenantID, req.SessionID, req.RawText, defs, completed, nil)
}

// SubmitClarificationAnswers resumes the paused run for the session. Only the
// clarified agents and their dependents re-run; everything else keeps its
// already-completed result. Each field is asked at most once, so a second
// low-confidence pass is accepted as final rather than re-prompted.
func (s *Service) SubmitClarificationAnswers(ctx context.Context, sessionID string, answers map[string]string) Response {
	s.mu.Lock()
	run, ok := s.paused[sessionID]
	if ok {
		delete(s.paused, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return Response{Status: StatusFailed, Err: &Error{
			Code:    CodeNoPendingRun,
			Message: fmt.Sprintf("no paused orchestration for session %q", sessionID),
		}}
	}

	ctx, span := s.tracer.Start(ctx, "orchestrate.resume")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	s.log.Info(ctx, "orchestration resumed",
		"run_id", run.runID, "session_id", sessionID, "answers", len(answers))

	ordered := orderedAnswers(run.items, answers)
	merged := clarify.Merge(run.rawText, ordered)

	rerun := rerunSet(run.defs, run.items, answers)
	completed := make(map[string]agent.Result, len(run.completed))
	for id, res := range run.completed {
		completed[id] = res
	}

	if len(rerun) > 0 {
		levels, err := graph.Resolve(pruneTo(run.defs, rerun))
		if err != nil {
			return s.fail(ctx, span, run.runID, planError(err))
		}
		// Execution uses the original definitions so agents outside the
		// re-run set still contribute context from their completed results.
		if oerr := s.runLevels(ctx, run.tenantID, run.defs, levels, merged, completed); oerr != nil {
			return s.fail(ctx, span, run.runID, oerr)
		}
	}

	return s.finish(ctx, span, run.runID, run.tenantID, sessionID, merged, run.defs, completed, run.asked)
}

// plan selects the definitions for the run: the whole registry, or the
// dependency closure of the requested agents.
func (s *Service) plan(agentIDs []string) ([]agent.Definition, *Error) {
	if len(agentIDs) == 0 {
		return s.registry.All(), nil
	}
	for _, id := range agentIDs {
		if _, ok := s.registry.Lookup(id); !ok {
			return nil, &Error{Code: CodeUnknownAgent, Message: fmt.Sprintf("unknown agent %q", id)}
		}
	}
	return graph.Closure(s.registry.All(), agentIDs...), nil
}

// finish runs the tail of the state machine: scan for low confidence, pause
// for clarification when needed, otherwise ground the turn and complete.
func (s *Service) finish(ctx context.Context, span telemetry.Span, runID, tenantID, sessionID, rawText string,
	defs []agent.Definition, completed map[string]agent.Result, asked map[string]struct{}) Response {
	results := sortedResults(completed)

	items := filterAsked(clarify.Scan(s.registry, results, s.threshold), asked)
	if len(items) > 0 {
		if asked == nil {
			asked = make(map[string]struct{}, len(items))
		}
		for _, item := range items {
			asked[askedKey(item.AgentID, item.Field)] = struct{}{}
		}
		s.mu.Lock()
		s.paused[sessionID] = &pausedRun{
			runID:     runID,
			tenantID:  tenantID,
			rawText:   rawText,
			defs:      defs,
			completed: completed,
			items:     items,
			asked:     asked,
		}
		s.mu.Unlock()
		s.metrics.IncCounter("orchestrations", 1, "outcome", "needs_clarification")
		s.log.Info(ctx, "orchestration paused for clarification",
			"run_id", runID, "session_id", sessionID, "items", len(items))
		return Response{RunID: runID, Status: StatusNeedsClarification, Results: results, Items: items}
	}

	if _, err := s.grounding.RecordTurn(ctx, tenantID, sessionID, rawText, composeAnswer(results), results); err != nil {
		return s.fail(ctx, span, runID, &Error{Code: CodeInternal, Message: "record turn", Err: err})
	}
	s.metrics.IncCounter("orchestrations", 1, "outcome", "completed")
	s.log.Info(ctx, "orchestration completed",
		"run_id", runID, "session_id", sessionID, "agents", len(results), "failed", failedCount(results))
	return Response{RunID: runID, Status: StatusCompleted, Results: results}
}

func (s *Service) fail(ctx context.Context, span telemetry.Span, runID string, oerr *Error) Response {
	span.RecordError(oerr)
	span.SetStatus(codes.Error, string(oerr.Code))
	s.metrics.IncCounter("orchestrations", 1, "outcome", "failed")
	s.log.Error(ctx, "orchestration failed", "run_id", runID, "code", string(oerr.Code), "err", oerr.Error())
	return Response{RunID: runID, Status: StatusFailed, Err: oerr}
}

// planError maps graph resolution failures to the caller-facing taxonomy.
func planError(err error) *Error {
	var cycle *graph.CycleError
	if errors.As(err, &cycle) {
		return &Error{Code: CodeCycle, Message: "agent graph contains a cycle", Err: err}
	}
	var unknown *graph.UnknownDependencyError
	if errors.As(err, &unknown) {
		return &Error{Code: CodeUnknownAgent, Message: "agent graph references an unknown agent", Err: err}
	}
	return &Error{Code: CodeInternal, Message: "graph resolution failed", Err: err}
}
