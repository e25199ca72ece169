// Package openai classifies incident reports with OpenAI-compatible chat
// completion endpoints.
package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/llm"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// Client implements escalation.Provider on the chat completions API.
type Client struct {
	client *openai.Client
	model  string
	tax    *taxonomy.Taxonomy
}

// New creates a client. An empty baseURL targets api.openai.com; anything
// else is an OpenAI-compatible gateway such as a local model server.
func New(apiKey, model, baseURL string, tax *taxonomy.Taxonomy) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Client{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		tax:    tax,
	}
}

// Name identifies the provider in logs, spans and metrics.
func (c *Client) Name() string { return "openai" }

// Classify sends text to the model and decodes its JSON reply.
func (c *Client) Classify(ctx context.Context, text, taxonomySummary string) (*extract.Result, error) {
	resp, err := c.client.CreateChatCompletion(ctx, buildRequest(c.model, text, taxonomySummary))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", llm.ErrMalformed)
	}
	return llm.Decode(resp.Choices[0].Message.Content, c.tax)
}

func buildRequest(model, text, taxonomySummary string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: llm.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: llm.SystemPrompt(taxonomySummary)},
			{Role: openai.ChatMessageRoleUser, Content: llm.UserPrompt(text)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
}
