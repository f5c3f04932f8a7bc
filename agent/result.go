package agent

import "time"

// Result is the outcome of one agent execution. It is owned by the
// orchestrator for the duration of a run and becomes read-only input to
// dependent agents afterwards.
type Result struct {
	// AgentID identifies the agent that produced the result.
	AgentID string
	// Fields maps output field names to values, at most MaxOutputFields keys.
	// Missing values are nil, never empty strings. Nil when the execution
	// failed.
	Fields map[string]any
	// Confidence maps field names to confidence scores in [0, 1]. Fields the
	// model supplied no score for are absent: unknown confidence is not 1.0.
	Confidence map[string]float64
	// Elapsed is the wall-clock execution time, recorded on success and
	// failure alike.
	Elapsed time.Duration
	// Err is set when the execution failed. A failed result is tolerated by
	// dependents, which see it as a missing parent output.
	Err error
	// DegradedTools lists declared tools that were denied or unusable, causing
	// the agent to run without them.
	DegradedTools []string
}

// Failed reports whether the execution produced no usable output.
func (r *Result) Failed() bool {
	return r == nil || r.Err != nil
}

// FieldConfidence returns the confidence recorded for the named field and
// whether one was recorded at all.
func (r *Result) FieldConfidence(name string) (float64, bool) {
	if r == nil || r.Confidence == nil {
		return 0, false
	}
	c, ok := r.Confidence[name]
	return c, ok
}
