// Package slack announces queued review items to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/reliefdesk/internal/review"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

const (
	maxReportLen = 3000
	httpTimeout  = 10 * time.Second
)

// Notifier posts review items to a Slack webhook. It implements
// review.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ review.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, ItemQueued is a
// no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// ItemQueued posts a newly queued review item to the configured webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) ItemQueued(ctx context.Context, it review.Item) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(it))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "review item announced", "id", it.ID)
	return nil
}

func buildMessage(it review.Item) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(it),
			{"type": "divider"},
			fieldsBlock(it),
			{"type": "divider"},
			reportBlock(it),
			{"type": "divider"},
			contextBlock(it),
		},
	}
}

func urgencyOf(it review.Item) taxonomy.Urgency {
	if it.ExtractedData == nil {
		return taxonomy.UrgencyNone
	}
	return it.ExtractedData.Urgency
}

func headerBlock(it review.Item) map[string]any {
	text := fmt.Sprintf("%s Review needed: %s", urgencyEmoji(urgencyOf(it)), it.IncidentID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(it review.Item) map[string]any {
	method := "unknown"
	supplies := 0
	if it.ExtractedData != nil {
		method = string(it.ExtractedData.ExtractionMethod)
		supplies = len(it.ExtractedData.Supplies)
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %.2f", it.Confidence),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Urgency:* %s", urgencyOf(it)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Method:* %s", method),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Supplies:* %d", supplies),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Reason:* %s", it.Reason),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reportBlock(it review.Item) map[string]any {
	text := truncate(strings.TrimSpace(it.OriginalText), maxReportLen)
	if text == "" {
		text = "_No report text._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Report*\n\n%s", text),
		},
	}
}

func contextBlock(it review.Item) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("reliefdesk • review %s • %s", it.ID, it.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func urgencyEmoji(u taxonomy.Urgency) string {
	switch u {
	case taxonomy.UrgencyCritical:
		return "\U0001f534" // red circle
	case taxonomy.UrgencyHigh:
		return "\U0001f7e0" // orange circle
	case taxonomy.UrgencyMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "⚪" // white circle
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
