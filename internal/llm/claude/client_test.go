package claude

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/reliefdesk/internal/llm"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := buildParams("claude-test", "need water", "supplies:\n  - water")

	if p.Model != anthropic.Model("claude-test") {
		t.Errorf("model = %q, want claude-test", p.Model)
	}
	if p.MaxTokens != llm.MaxTokens {
		t.Errorf("max tokens = %d, want %d", p.MaxTokens, llm.MaxTokens)
	}
	if len(p.System) != 1 || !strings.Contains(p.System[0].Text, "supplies:\n  - water") {
		t.Errorf("system = %+v, want taxonomy summary embedded", p.System)
	}
	if len(p.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(p.Messages))
	}
	if p.Messages[0].Role != "user" {
		t.Errorf("role = %q, want user", p.Messages[0].Role)
	}
	if len(p.Messages[0].Content) != 1 || p.Messages[0].Content[0].OfText == nil {
		t.Fatal("expected one text block")
	}
	if !strings.Contains(p.Messages[0].Content[0].OfText.Text, "need water") {
		t.Errorf("text = %q", p.Messages[0].Content[0].OfText.Text)
	}
}

func TestReplyText(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: `{"supplies":`},
			{Type: "thinking"},
			{Type: "text", Text: `[]}`},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}
	if got := replyText(msg); got != `{"supplies":[]}` {
		t.Errorf("replyText = %q", got)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New("k", "", nil).Name(); got != "claude" {
		t.Errorf("Name = %q, want claude", got)
	}
}

func messageHandler(t *testing.T, status int, reply string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-test",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(messageHandler(t, http.StatusOK,
		`{"supplies":[{"item":"insulin","category":"medical","quantity":2}],"confidence":0.8}`))
	defer srv.Close()

	c := New("test-key", "claude-test", taxonomy.MustDefault(), option.WithBaseURL(srv.URL))
	res, err := c.Classify(context.Background(), "two vials of insulin", "summary")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(res.Supplies) != 1 || res.Supplies[0].Category != "medical" {
		t.Errorf("supplies = %+v", res.Supplies)
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", res.Confidence)
	}
}

func TestClassifyMalformedReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(messageHandler(t, http.StatusOK, "I am not able to help with that."))
	defer srv.Close()

	c := New("test-key", "claude-test", taxonomy.MustDefault(), option.WithBaseURL(srv.URL))
	_, err := c.Classify(context.Background(), "x", "summary")
	if !errors.Is(err, llm.ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}

func TestClassifyAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(messageHandler(t, http.StatusServiceUnavailable, ""))
	defer srv.Close()

	c := New("test-key", "claude-test", taxonomy.MustDefault(), option.WithBaseURL(srv.URL))
	_, err := c.Classify(context.Background(), "x", "summary")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, llm.ErrMalformed) {
		t.Error("transport errors must stay retryable")
	}
}
