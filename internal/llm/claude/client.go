// Package claude classifies incident reports with the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/llm"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// Client implements escalation.Provider on the Claude API.
type Client struct {
	client anthropic.Client
	model  string
	tax    *taxonomy.Taxonomy
}

// New creates a Claude client. Retries are left to the escalation policy,
// so the SDK's own retries are disabled.
func New(apiKey, model string, tax *taxonomy.Taxonomy, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
		tax:    tax,
	}
}

// Name identifies the provider in logs, spans and metrics.
func (c *Client) Name() string { return "claude" }

// Classify sends text to the model and decodes its JSON reply.
func (c *Client) Classify(ctx context.Context, text, taxonomySummary string) (*extract.Result, error) {
	msg, err := c.client.Messages.New(ctx, buildParams(c.model, text, taxonomySummary))
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}
	return llm.Decode(replyText(msg), c.tax)
}

func buildParams(model, text, taxonomySummary string) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   llm.MaxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: llm.SystemPrompt(taxonomySummary)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(llm.UserPrompt(text))),
		},
	}
}

func replyText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
