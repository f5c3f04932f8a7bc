// Package openai provides an inference.Client implementation backed by the
// OpenAI Chat Completions API. It translates orchestration requests into
// ChatCompletion calls using github.com/openai/openai-go and decodes the JSON
// reply into the generic field structures.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/reportflow/reportflow/inference"
)

// ChatService captures the subset of the OpenAI SDK used by the adapter. It
// is satisfied by client.Chat.Completions so tests can substitute a stub.
type ChatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// Chat is the completions service, typically client.Chat.Completions.
	Chat ChatService
	// DefaultModel is the model identifier used when Request.Model is empty.
	DefaultModel string
}

// Client implements inference.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatService
	model string
}

// New builds an OpenAI-backed inference client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil {
		return nil, errors.New("openai chat service is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Chat, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Chat: &c.Chat.Completions, DefaultModel: defaultModel})
}

// Invoke renders a chat completion and decodes the structured reply.
func (c *Client) Invoke(ctx context.Context, req inference.Request) (inference.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(modelID),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt + inference.SchemaInstructions(req.Fields)),
			openai.UserMessage(req.Input),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	completion, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return inference.Response{}, fmt.Errorf("%w: %w", inference.ErrRateLimited, err)
		}
		return inference.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return inference.Response{}, errors.New("openai chat completion: empty choices")
	}

	fields, confidence, err := inference.DecodeResponse(completion.Choices[0].Message.Content)
	if err != nil {
		return inference.Response{}, err
	}
	return inference.Response{Fields: fields, Confidence: confidence, Model: modelID}, nil
}

// isRateLimited reports whether the SDK error is a throttling response.
func isRateLimited(err error) bool {
	var apierr *openai.Error
	return errors.As(err, &apierr) && apierr.StatusCode == 429
}
