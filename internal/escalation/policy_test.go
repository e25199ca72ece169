package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/llm"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// mockProvider returns the configured responses in order, repeating the last.
type mockProvider struct {
	mu        sync.Mutex
	responses []response
	calls     int
	summary   string
	block     bool
}

type response struct {
	res *extract.Result
	err error
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Classify(ctx context.Context, _, summary string) (*extract.Result, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.summary = summary
	block := m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(m.responses) == 0 {
		return nil, errors.New("no response configured")
	}
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i].res, m.responses[i].err
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.Backoff = time.Millisecond
	return cfg
}

var weak = &extract.Result{Confidence: 0.3, ExtractionMethod: extract.MethodKeyword}

func TestEscalateGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider Provider
		enabled  bool
		keyword  *extract.Result
	}{
		{"nil provider", nil, true, weak},
		{"disabled", &mockProvider{}, false, weak},
		{"confident keyword result", &mockProvider{}, true, &extract.Result{Confidence: 0.6}},
		{"nil keyword result", &mockProvider{}, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Enabled = tt.enabled
			p := New(cfg, tt.provider, nil, log.Nop(), Hooks{})
			if res, ok := p.Escalate(context.Background(), extract.Input{Text: "x"}, tt.keyword); ok || res != nil {
				t.Errorf("Escalate = %v, %v; want nil, false", res, ok)
			}
			if mp, isMock := tt.provider.(*mockProvider); isMock && mp.callCount() != 0 {
				t.Errorf("provider called %d times", mp.callCount())
			}
		})
	}
}

func TestEscalateSuccess(t *testing.T) {
	t.Parallel()

	mp := &mockProvider{responses: []response{{res: &extract.Result{Confidence: 0.9}}}}
	var outcomes []bool
	hooks := Hooks{OnOutcome: func(_ string, escalated bool) { outcomes = append(outcomes, escalated) }}
	p := New(testConfig(), mp, taxonomy.MustDefault(), log.Nop(), hooks)

	res, ok := p.Escalate(context.Background(), extract.Input{IncidentID: "i", Text: "x"}, weak)
	if !ok {
		t.Fatal("expected escalation")
	}
	if res.ExtractionMethod != extract.MethodLLM {
		t.Errorf("method = %q, want llm", res.ExtractionMethod)
	}
	if mp.summary == "" {
		t.Error("provider should receive the taxonomy summary")
	}
	if len(outcomes) != 1 || !outcomes[0] {
		t.Errorf("outcomes = %v, want [true]", outcomes)
	}
}

func TestEscalateRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	transient := errors.New("503 overloaded")
	mp := &mockProvider{responses: []response{
		{err: transient},
		{err: transient},
		{res: &extract.Result{Confidence: 0.8}},
	}}
	var attempts []int
	hooks := Hooks{OnAttempt: func(_ string, attempt int, _ float64, _ error) { attempts = append(attempts, attempt) }}
	p := New(testConfig(), mp, nil, log.Nop(), hooks)

	if _, ok := p.Escalate(context.Background(), extract.Input{Text: "x"}, weak); !ok {
		t.Fatal("expected success on the third attempt")
	}
	if fmt.Sprint(attempts) != "[1 2 3]" {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestEscalateGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	mp := &mockProvider{responses: []response{{err: errors.New("boom")}}}
	var outcomes []bool
	hooks := Hooks{OnOutcome: func(_ string, escalated bool) { outcomes = append(outcomes, escalated) }}
	p := New(testConfig(), mp, nil, log.Nop(), hooks)

	if _, ok := p.Escalate(context.Background(), extract.Input{Text: "x"}, weak); ok {
		t.Fatal("expected fallback")
	}
	if got := mp.callCount(); got != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", got)
	}
	if len(outcomes) != 1 || outcomes[0] {
		t.Errorf("outcomes = %v, want [false]", outcomes)
	}
}

func TestEscalateMalformedIsPermanent(t *testing.T) {
	t.Parallel()

	mp := &mockProvider{responses: []response{{err: fmt.Errorf("%w: not json", llm.ErrMalformed)}}}
	p := New(testConfig(), mp, nil, log.Nop(), Hooks{})

	if _, ok := p.Escalate(context.Background(), extract.Input{Text: "x"}, weak); ok {
		t.Fatal("expected fallback")
	}
	if got := mp.callCount(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestEscalateNilResultIsMalformed(t *testing.T) {
	t.Parallel()

	mp := &mockProvider{responses: []response{{}}}
	p := New(testConfig(), mp, nil, log.Nop(), Hooks{})

	if _, ok := p.Escalate(context.Background(), extract.Input{Text: "x"}, weak); ok {
		t.Fatal("expected fallback")
	}
	if got := mp.callCount(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestEscalatePerAttemptTimeout(t *testing.T) {
	t.Parallel()

	mp := &mockProvider{block: true}
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	p := New(cfg, mp, nil, log.Nop(), Hooks{})

	start := time.Now()
	if _, ok := p.Escalate(context.Background(), extract.Input{Text: "x"}, weak); ok {
		t.Fatal("expected fallback")
	}
	if got := mp.callCount(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %v; attempts should time out individually", elapsed)
	}
}

func TestEscalateStopsOnCallerCancel(t *testing.T) {
	t.Parallel()

	mp := &mockProvider{block: true}
	cfg := testConfig()
	cfg.Timeout = time.Minute
	p := New(cfg, mp, nil, log.Nop(), Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, ok := p.Escalate(ctx, extract.Input{Text: "x"}, weak); ok {
		t.Fatal("expected fallback")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("took %v; caller cancellation should stop the retries", elapsed)
	}
}

func TestEscalateSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mp := &mockProvider{responses: []response{
		{err: errors.New("boom")},
		{res: &extract.Result{Confidence: 0.8}},
	}}
	p := New(testConfig(), mp, nil, log.Nop(), Hooks{})
	if _, ok := p.Escalate(context.Background(), extract.Input{IncidentID: "inc-1", Text: "x"}, weak); !ok {
		t.Fatal("expected success")
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	for _, s := range spans {
		if s.Name != "llm.classify" {
			t.Errorf("span name = %q, want llm.classify", s.Name)
		}
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("first attempt status = %v, want error", spans[0].Status.Code)
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("second attempt should not be marked as error")
	}
}
