// Package exec implements the agent execution unit: it builds an agent's
// effective input, gates tool use through the access control layer, invokes
// the inference service with retry, and validates the structured output
// against the agent's declared schema.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reportflow/reportflow/agent"
	"github.com/reportflow/reportflow/inference"
	"github.com/reportflow/reportflow/retry"
	"github.com/reportflow/reportflow/telemetry"
	"github.com/reportflow/reportflow/toolauth"
)

// defaultCallTimeout bounds a single inference attempt. Retries get a fresh
// window each.
const defaultCallTimeout = 30 * time.Second

type (
	// SchemaViolation reports model output that does not satisfy the agent's
	// declared schema: a key outside the schema or more keys than the limit.
	// The result is marked failed, never silently truncated.
	SchemaViolation struct {
		AgentID string
		Detail  string
	}

	// ToolDenied reports that a mandatory tool was denied or unusable, failing
	// the agent. Denied non-mandatory tools degrade the agent instead.
	ToolDenied struct {
		AgentID string
		Tool    string
	}

	// ToolRunner invokes an external tool with resolved credentials and
	// returns its observation text. Implementations live with the tool
	// integrations; the executor only appends observations to the effective
	// input.
	ToolRunner interface {
		Run(ctx context.Context, tool string, cred toolauth.Credential, input string) (string, error)
	}

	// Options configures an Executor.
	Options struct {
		// Inference is the inference client shared by all executions. Required.
		Inference inference.Client
		// Tools verifies permissions and resolves credentials. When nil, every
		// tool is treated as denied.
		Tools *toolauth.Verifier
		// Runner invokes permitted tools. When nil, permitted tools contribute
		// no observations but still require valid credentials.
		Runner ToolRunner
		// Retry overrides the default backoff configuration.
		Retry retry.Config
		// CallTimeout bounds one inference or tool attempt.
		CallTimeout time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// Executor runs single agents. Safe for concurrent use; all executions
	// share the inference client, the verifier and the schema cache.
	Executor struct {
		inference   inference.Client
		tools       *toolauth.Verifier
		runner      ToolRunner
		retry       retry.Config
		callTimeout time.Duration
		log         telemetry.Logger
		metrics     telemetry.Metrics
		schemas     *schemaCache
	}
)

// Error implements the error interface.
func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("agent %q output violates declared schema: %s", e.AgentID, e.Detail)
}

// Error implements the error interface.
func (e *ToolDenied) Error() string {
	return fmt.Sprintf("agent %q denied mandatory tool %q", e.AgentID, e.Tool)
}

// New builds an Executor from the given options.
func New(opts Options) (*Executor, error) {
	if opts.Inference == nil {
		return nil, errors.New("inference client is required")
	}
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Executor{
		inference:   opts.Inference,
		tools:       opts.Tools,
		runner:      opts.Runner,
		retry:       cfg,
		callTimeout: timeout,
		log:         logger,
		metrics:     metrics,
		schemas:     newSchemaCache(),
	}, nil
}

// Execute runs one agent and always returns a result: failures are recorded
// on the result rather than aborting, so sibling agents and the level barrier
// keep progressing. Execution time is recorded on success and failure alike.
func (e *Executor) Execute(ctx context.Context, tenantID string, def agent.Definition, rawText string, parents map[string]*agent.Result) (res agent.Result) {
	start := time.Now()
	res.AgentID = def.ID
	defer func() {
		res.Elapsed = time.Since(start)
		outcome := "ok"
		if res.Err != nil {
			outcome = "failed"
		}
		e.metrics.IncCounter("agent_executions", 1, "agent", def.ID, "outcome", outcome)
		e.metrics.RecordTimer("agent_execution_duration", res.Elapsed, "agent", def.ID)
	}()

	input := buildInput(def, rawText, parents)

	input, err := e.applyTools(ctx, tenantID, def, input, &res)
	if err != nil {
		res.Err = err
		e.log.Warn(ctx, "agent execution failed on tool gating", "agent_id", def.ID, "err", err.Error())
		return res
	}

	resp, err := e.invoke(ctx, def, input)
	if err != nil {
		res.Err = err
		e.log.Warn(ctx, "agent inference failed", "agent_id", def.ID, "err", err.Error())
		return res
	}

	fields := normalizeFields(resp.Fields)
	if err := e.schemas.validate(def, fields); err != nil {
		res.Err = err
		e.log.Warn(ctx, "agent output rejected", "agent_id", def.ID, "err", err.Error())
		return res
	}

	res.Fields = fields
	res.Confidence = confidenceForSchema(def, resp.Confidence)
	return res
}

// applyTools verifies each declared tool, resolves credentials for the
// permitted ones and appends tool observations to the effective input.
// Denied or unusable non-mandatory tools degrade the agent; mandatory ones
// fail it.
func (e *Executor) applyTools(ctx context.Context, tenantID string, def agent.Definition, input string, res *agent.Result) (string, error) {
	for _, tool := range def.Tools {
		allowed := false
		if e.tools != nil {
			ok, err := e.tools.Verify(ctx, tenantID, def.ID, tool)
			if err != nil {
				e.log.Warn(ctx, "tool verification error, treating as denied",
					"agent_id", def.ID, "tool", tool, "err", err.Error())
			} else {
				allowed = ok
			}
		}
		if !allowed {
			if def.IsMandatory(tool) {
				return input, &ToolDenied{AgentID: def.ID, Tool: tool}
			}
			res.DegradedTools = append(res.DegradedTools, tool)
			continue
		}

		cred, err := e.tools.ResolveCredentials(ctx, tool)
		if err != nil {
			// Credential failures are never retried with the same material.
			if def.IsMandatory(tool) {
				return input, err
			}
			res.DegradedTools = append(res.DegradedTools, tool)
			e.log.Warn(ctx, "tool degraded on credential failure", "agent_id", def.ID, "tool", tool)
			continue
		}

		if e.runner == nil {
			continue
		}
		observation, err := e.runTool(ctx, tool, cred, input)
		if err != nil {
			if def.IsMandatory(tool) {
				return input, err
			}
			res.DegradedTools = append(res.DegradedTools, tool)
			e.log.Warn(ctx, "tool degraded after retries", "agent_id", def.ID, "tool", tool, "err", err.Error())
			continue
		}
		if observation != "" {
			input += fmt.Sprintf("\n\nTool %s output:\n%s", tool, observation)
		}
	}
	return input, nil
}

// runTool invokes one tool with retry for transient failures.
func (e *Executor) runTool(ctx context.Context, tool string, cred toolauth.Credential, input string) (string, error) {
	var observation string
	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		out, err := e.runner.Run(callCtx, tool, cred, input)
		if err != nil {
			return err
		}
		observation = out
		return nil
	})
	return observation, err
}

// invoke calls the inference service with retry for transient failures. Each
// attempt gets a fresh timeout window.
func (e *Executor) invoke(ctx context.Context, def agent.Definition, input string) (inference.Response, error) {
	req := inference.Request{
		SystemPrompt: def.SystemPrompt,
		Input:        input,
		Fields:       fieldSpecs(def),
	}
	var resp inference.Response
	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		r, err := e.inference.Invoke(callCtx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// buildInput assembles the effective input: the raw report text plus one
// context block per declared dependency that produced output. Failed or
// missing parents are skipped, which is how downstream agents tolerate
// partial failures.
func buildInput(def agent.Definition, rawText string, parents map[string]*agent.Result) string {
	input := rawText
	for _, dep := range def.DependsOn {
		parent := parents[dep]
		if parent.Failed() || len(parent.Fields) == 0 {
			continue
		}
		input += fmt.Sprintf("\n\nContext from %s:\n%s", dep, summarizeFields(parent.Fields))
	}
	return input
}

// summarizeFields renders parent output as compact JSON. Map marshaling
// sorts keys, so summaries are deterministic.
func summarizeFields(fields map[string]any) string {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("%v", fields)
	}
	return string(raw)
}

// fieldSpecs projects the declared schema into the inference request shape.
func fieldSpecs(def agent.Definition) []inference.FieldSpec {
	specs := make([]inference.FieldSpec, len(def.Output))
	for i, f := range def.Output {
		specs[i] = inference.FieldSpec{Name: f.Name, Type: f.Type}
	}
	return specs
}

// normalizeFields replaces empty-string placeholders with nulls. Missing data
// is represented as nil, never as "".
func normalizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok && s == "" {
			out[k] = nil
			continue
		}
		out[k] = v
	}
	return out
}

// confidenceForSchema keeps only the scores that refer to declared fields.
func confidenceForSchema(def agent.Definition, scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return nil
	}
	out := make(map[string]float64, len(scores))
	for name, score := range scores {
		if def.HasField(name) {
			out[name] = score
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
