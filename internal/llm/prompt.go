// Package llm holds what the language model providers share: the prompt,
// JSON salvage from model output and decoding into extraction results.
package llm

import (
	"fmt"
	"strings"
)

// MaxTokens bounds the completion length requested from providers.
const MaxTokens = 1024

const systemPrompt = `You extract structured relief needs from disaster incident reports.

Reply with a single JSON object and nothing else, using this shape:
{
  "supplies": [{"item": string, "category": string, "quantity": number|null, "unit": string|null, "priority": "critical"|"high"|"medium"|"low"}],
  "locations": [{"type": string, "name": string|null}],
  "vulnerable_groups": [{"group": string, "count": number|null, "special_needs": string|null}],
  "urgency": "none"|"medium"|"high"|"critical",
  "confidence": number between 0 and 1,
  "uncertain_items": [string]
}

Rules:
- Use only categories, location types and groups from the taxonomy below.
- Report a quantity only when the text states it. Never guess numbers.
- List anything ambiguous, negated or implausible in uncertain_items.

Taxonomy:
%s`

// SystemPrompt renders the system prompt around a taxonomy summary.
func SystemPrompt(taxonomySummary string) string {
	return fmt.Sprintf(systemPrompt, strings.TrimSpace(taxonomySummary))
}

// UserPrompt wraps the incident text for the user turn.
func UserPrompt(text string) string {
	return "Incident report:\n\"\"\"\n" + strings.TrimSpace(text) + "\n\"\"\""
}
