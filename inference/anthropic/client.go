// Package anthropic provides an inference.Client implementation backed by the
// Anthropic Claude Messages API. It translates orchestration requests into
// Messages calls using github.com/anthropics/anthropic-sdk-go and decodes the
// JSON reply into the generic field structures.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/reportflow/reportflow/inference"
)

// defaultMaxTokens caps completions when the caller does not override it.
// Agent outputs are small JSON objects, so the ceiling is modest.
const defaultMaxTokens = 1024

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass either
// a real client or a stub in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	// Messages is the messages service, typically &client.Messages.
	Messages MessagesClient
	// DefaultModel is the Claude model identifier used when Request.Model is
	// empty. Prefer the typed model constants from anthropic-sdk-go.
	DefaultModel string
	// MaxTokens overrides the default completion cap when positive.
	MaxTokens int
}

// Client implements inference.Client on top of Anthropic Claude Messages.
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// New builds an Anthropic-backed inference client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Messages == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: opts.Messages, model: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Messages: &ac.Messages, DefaultModel: defaultModel})
}

// Invoke issues a non-streaming Messages.New request and decodes the
// structured reply.
func (c *Client) Invoke(ctx context.Context, req inference.Request) (inference.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(c.maxTokens),
		System: []sdk.TextBlockParam{
			{Text: req.SystemPrompt + inference.SchemaInstructions(req.Fields)},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Input)),
		},
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return inference.Response{}, fmt.Errorf("%w: %w", inference.ErrRateLimited, err)
		}
		return inference.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return inference.Response{}, errors.New("anthropic messages.new: no text content")
	}

	fields, confidence, err := inference.DecodeResponse(text)
	if err != nil {
		return inference.Response{}, err
	}
	return inference.Response{Fields: fields, Confidence: confidence, Model: modelID}, nil
}

// isRateLimited reports whether the SDK error is a throttling or overload
// response.
func isRateLimited(err error) bool {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return false
	}
	return apierr.StatusCode == 429 || apierr.StatusCode == 529
}
