// Package inference defines the provider-agnostic contract for the inference
// service each agent invokes. Providers translate Request/Response into
// vendor SDK calls (OpenAI, Anthropic); the execution unit only consumes the
// fully assembled result even when a provider streams internally.
package inference

import (
	"context"
	"net/http"

	"github.com/reportflow/reportflow/retry"
)

// ConfidenceKey is the reserved response key under which models report
// per-field confidence scores. Providers strip it from the field set before
// returning, so it never counts toward the schema key limit.
const ConfidenceKey = "_confidence"

// ErrRateLimited marks provider throttling. It is an HTTP 429 status error so
// the shared retry classification treats it as transient.
var ErrRateLimited = &retry.HTTPStatusError{StatusCode: http.StatusTooManyRequests, Message: "inference provider rate limited"}

type (
	// FieldSpec names one output field the model must produce and its JSON type.
	FieldSpec struct {
		Name string
		Type string
	}

	// Request carries one inference invocation.
	Request struct {
		// SystemPrompt is the agent's instruction template.
		SystemPrompt string
		// Input is the effective input text, raw report text plus any parent
		// output context blocks.
		Input string
		// Fields is the output schema the model must honor.
		Fields []FieldSpec
		// Model optionally overrides the provider's default model identifier.
		Model string
	}

	// Response is the structured result of one invocation.
	Response struct {
		// Fields maps output field names to values as returned by the model.
		// Providers do not filter against the schema; the execution unit
		// validates and rejects out-of-schema responses.
		Fields map[string]any
		// Confidence maps field names to scores in [0, 1] when the model
		// supplied them. Absent entries mean unknown confidence.
		Confidence map[string]float64
		// Model is the provider model identifier that served the request.
		Model string
	}

	// Client invokes the inference service. Implementations must be safe for
	// concurrent use: agents within a dependency level share one client.
	Client interface {
		Invoke(ctx context.Context, req Request) (Response, error)
	}

	// ClientFunc adapts a function to the Client interface, mirroring
	// http.HandlerFunc. Used heavily in tests.
	ClientFunc func(ctx context.Context, req Request) (Response, error)
)

// Invoke calls the wrapped function.
func (f ClientFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
