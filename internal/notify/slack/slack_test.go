package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/review"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

func testItem() review.Item {
	return review.Item{
		ID:           "rev_inc-7",
		IncidentID:   "inc-7",
		OriginalText: "people trapped on the roof, send help",
		ExtractedData: &extract.Result{
			IncidentID:       "inc-7",
			Urgency:          taxonomy.UrgencyCritical,
			ExtractionMethod: extract.MethodKeyword,
		},
		Confidence: 0.22,
		Reason:     "low confidence (0.22)",
		Status:     review.StatusPending,
		CreatedAt:  time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}
}

func TestItemQueued_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.ItemQueued(context.Background(), testItem()); err != nil {
		t.Fatalf("ItemQueued: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, report, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "inc-7") {
		t.Errorf("header text = %q, want to contain inc-7", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for critical urgency")
	}

	ctxBlock := blocks[6].(map[string]any)
	ctxText := ctxBlock["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "rev_inc-7") || !strings.Contains(ctxText, "2026-02-26 14:23 UTC") {
		t.Errorf("context text = %q", ctxText)
	}
}

func TestItemQueued_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.ItemQueued(context.Background(), review.Item{}); err != nil {
		t.Fatalf("ItemQueued with empty URL should be no-op, got: %v", err)
	}
}

func TestItemQueued_TruncatesLongReport(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	it := testItem()
	it.OriginalText = strings.Repeat("é", 4000)
	n := New(srv.URL, log.Nop())
	if err := n.ItemQueued(context.Background(), it); err != nil {
		t.Fatalf("ItemQueued: %v", err)
	}

	blocks := got["blocks"].([]any)
	section := blocks[4].(map[string]any)
	text := section["text"].(map[string]any)["text"].(string)

	if len(text) > maxReportLen+len("*Report*\n\n") {
		t.Errorf("report text length = %d, expected <= %d", len(text), maxReportLen+len("*Report*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated report to end with ...")
	}
	if !utf8.ValidString(text) {
		t.Error("truncation split a rune")
	}
}

func TestItemQueued_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.ItemQueued(context.Background(), testItem())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestUrgencyEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		urgency taxonomy.Urgency
		want    string
	}{
		{taxonomy.UrgencyCritical, "\U0001f534"},
		{taxonomy.UrgencyHigh, "\U0001f7e0"},
		{taxonomy.UrgencyMedium, "\U0001f7e1"},
		{taxonomy.UrgencyNone, "⚪"},
		{"", "⚪"},
	}

	for _, tt := range tests {
		t.Run(string(tt.urgency), func(t *testing.T) {
			t.Parallel()
			if got := urgencyEmoji(tt.urgency); got != tt.want {
				t.Errorf("urgencyEmoji(%q) = %q, want %q", tt.urgency, got, tt.want)
			}
		})
	}
}

func TestBuildMessage_NoExtraction(t *testing.T) {
	t.Parallel()

	msg := buildMessage(review.Item{ID: "rev_x", IncidentID: "x"})
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), "_No report text._") || !strings.Contains(string(data), "*Method:* unknown") {
		t.Errorf("message = %s", data)
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("inc-1", "Need 150 food packets", "low confidence (0.20)")
	f.Add("", "", "")
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", "uncertain: a, b")
	f.Add("inc\x00\x01\x02", "text\nline\ttab", "r\x00")
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), "flagged for review")

	f.Fuzz(func(t *testing.T, incidentID, text, reason string) {
		it := review.Item{
			ID:           review.ID(incidentID),
			IncidentID:   incidentID,
			OriginalText: text,
			Reason:       reason,
			ExtractedData: &extract.Result{
				Urgency:          taxonomy.UrgencyHigh,
				ExtractionMethod: extract.MethodKeyword,
			},
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		// Must not panic
		msg := buildMessage(it)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		blocks, ok := decoded["blocks"].([]any)
		if !ok || len(blocks) != 7 {
			t.Fatalf("blocks = %v, want 7", decoded["blocks"])
		}
	})
}
