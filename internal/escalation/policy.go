// Package escalation decides when a keyword extraction is weak enough to
// ask a language model, and runs that call under a timeout and retry budget.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/llm"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

const tracerName = "github.com/linnemanlabs/reliefdesk/internal/escalation"

// Provider is a language model that can classify an incident report.
type Provider interface {
	Name() string
	Classify(ctx context.Context, text, taxonomySummary string) (*extract.Result, error)
}

// Config controls when and how hard the policy tries the provider.
type Config struct {
	Enabled bool
	// LLMThreshold: keyword results at or above it are kept as they are.
	LLMThreshold float64
	// AutoApproveThreshold is the confidence at which the extractor marks a
	// final result as auto-approved.
	AutoApproveThreshold float64
	// MaxRetries counts attempts after the first.
	MaxRetries int
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Backoff is the wait before the first retry; it doubles after that.
	Backoff time.Duration
}

// DefaultConfig returns the stock escalation settings.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		LLMThreshold:         0.6,
		AutoApproveThreshold: 0.85,
		MaxRetries:           2,
		Timeout:              30 * time.Second,
		Backoff:              500 * time.Millisecond,
	}
}

// Hooks are optional callbacks for observability.
type Hooks struct {
	OnAttempt func(provider string, attempt int, duration float64, err error)
	OnOutcome func(provider string, escalated bool)
}

// Policy implements extract.Escalator.
type Policy struct {
	cfg      Config
	provider Provider
	summary  string
	logger   log.Logger
	hooks    Hooks
}

// New creates a Policy. A nil provider yields a policy that never escalates.
func New(cfg Config, provider Provider, tax *taxonomy.Taxonomy, logger log.Logger, hooks Hooks) *Policy {
	if logger == nil {
		logger = log.Nop()
	}
	p := &Policy{cfg: cfg, provider: provider, logger: logger, hooks: hooks}
	if tax != nil {
		p.summary = tax.Summary()
	}
	return p
}

// ShouldEscalate reports whether keyword is weak enough to ask the provider.
func (p *Policy) ShouldEscalate(keyword *extract.Result) bool {
	if p.provider == nil || !p.cfg.Enabled || keyword == nil {
		return false
	}
	return keyword.Confidence < p.cfg.LLMThreshold
}

// Escalate asks the provider for a second reading of in.Text. Failures are
// logged and reported as false so the caller keeps its keyword result.
func (p *Policy) Escalate(ctx context.Context, in extract.Input, keyword *extract.Result) (*extract.Result, bool) {
	if !p.ShouldEscalate(keyword) {
		return nil, false
	}
	name := p.provider.Name()
	L := p.logger.With("incident_id", in.IncidentID, "provider", name)

	b := backoff.NewExponentialBackOff()
	b.Multiplier = 2
	if p.cfg.Backoff > 0 {
		b.InitialInterval = p.cfg.Backoff
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (*extract.Result, error) {
		attempt++
		r, err := p.attempt(ctx, in, attempt)
		if errors.Is(err, llm.ErrMalformed) {
			return nil, backoff.Permanent(err)
		}
		return r, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(p.cfg.MaxRetries, 0)+1)),
	)
	if err != nil {
		L.Warn(ctx, "llm escalation failed, keeping keyword result",
			"attempts", attempt,
			"keyword_confidence", keyword.Confidence,
			"err", err,
		)
		p.outcome(name, false)
		return nil, false
	}

	L.Info(ctx, "llm escalation succeeded",
		"attempts", attempt,
		"keyword_confidence", keyword.Confidence,
		"llm_confidence", res.Confidence,
	)
	p.outcome(name, true)

	res.ExtractionMethod = extract.MethodLLM
	return res, true
}

func (p *Policy) attempt(ctx context.Context, in extract.Input, attempt int) (*extract.Result, error) {
	name := p.provider.Name()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.classify",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.system", name),
			attribute.String("reliefdesk.incident.id", in.IncidentID),
			attribute.Int("reliefdesk.llm.attempt", attempt),
		),
	)
	defer span.End()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := p.provider.Classify(ctx, in.Text, p.summary)
	if err == nil && res == nil {
		err = fmt.Errorf("%w: empty result", llm.ErrMalformed)
	}
	if p.hooks.OnAttempt != nil {
		p.hooks.OnAttempt(name, attempt, time.Since(start).Seconds(), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Float64("reliefdesk.llm.confidence", res.Confidence))
	return res, nil
}

func (p *Policy) outcome(provider string, escalated bool) {
	if p.hooks.OnOutcome != nil {
		p.hooks.OnOutcome(provider, escalated)
	}
}
