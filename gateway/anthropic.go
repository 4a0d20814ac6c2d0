package gateway

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/liminalfauna/tiermind/core"
)

// AnthropicGateway is the default LLMGateway, backed by anthropic-sdk-go.
// Construction and call shape are adapted directly from the teacher's
// engine.Engine (engine/engine.go): a single *anthropic.Client, one
// MessageNewParams per call carrying the prompt as a single user message
// (no system prompt), text content concatenated out of the response blocks.
type AnthropicGateway struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	retry     RetryConfig
}

// NewAnthropicGateway builds a gateway around an API key. model defaults to
// "claude-sonnet-4-5" and maxTokens to 2048 when zero-valued.
func NewAnthropicGateway(apiKey, model string, maxTokens int64, retry RetryConfig) *AnthropicGateway {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicGateway{client: &client, model: model, maxTokens: maxTokens, retry: retry}
}

// Complete implements LLMGateway. schemaHint, if non-empty, is appended to
// the prompt as a free-text instruction — the model is not forced into a
// structured-output mode, matching spec §6 ("Output is free text; the core
// applies tolerant JSON parsing").
func (g *AnthropicGateway) Complete(ctx context.Context, prompt string, schemaHint string) (string, error) {
	full := prompt
	if schemaHint != "" {
		full = prompt + "\n\nRespond with JSON matching this shape:\n" + schemaHint
	}

	var out string
	err := WithRetry(ctx, g.retry, func(callCtx context.Context) error {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(g.model),
			MaxTokens: g.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(full)),
			},
		}
		resp, err := g.client.Messages.New(callCtx, params)
		if err != nil {
			return fmt.Errorf("%w: anthropic completion: %v", core.ErrTransient, err)
		}
		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		out = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
