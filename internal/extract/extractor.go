package extract

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// Escalator decides whether a keyword result deserves a second opinion and,
// if so, obtains one. It returns false when the keyword result should stand.
type Escalator interface {
	Escalate(ctx context.Context, in Input, keyword *Result) (*Result, bool)
}

// Extractor turns free text into a Result. Safe for concurrent use.
type Extractor struct {
	matcher     *Matcher
	review      float64
	autoApprove float64
	escalator   Escalator
	now         func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithEscalator sets the collaborator consulted when a caller asks for LLM
// extraction.
func WithEscalator(e Escalator) Option {
	return func(x *Extractor) { x.escalator = e }
}

// WithThresholds overrides the review and auto-approve thresholds.
func WithThresholds(review, autoApprove float64) Option {
	return func(x *Extractor) {
		x.review = review
		x.autoApprove = autoApprove
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(x *Extractor) { x.now = now }
}

// New creates an Extractor over tax.
func New(tax *taxonomy.Taxonomy, opts ...Option) *Extractor {
	if tax == nil {
		panic(xerrors.New("taxonomy is required"))
	}
	x := &Extractor{
		matcher:     NewMatcher(tax),
		review:      DefaultReviewThreshold,
		autoApprove: DefaultAutoApproveThreshold,
		now:         time.Now,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Matcher returns the keyword matcher backing x.
func (x *Extractor) Matcher() *Matcher { return x.matcher }

// Extract reads in.Text. Blank text yields no result. When opts.UseLLM is set
// and an escalator is configured, a successful escalation replaces the
// keyword result; any failure keeps it.
func (x *Extractor) Extract(ctx context.Context, in Input, opts Options) (*Result, bool) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, false
	}

	scan := x.matcher.Scan(in.Text)
	res := &Result{
		IncidentID:       in.IncidentID,
		OriginalText:     in.Text,
		Supplies:         scan.Supplies,
		Locations:        scan.Locations,
		VulnerableGroups: scan.VulnerableGroups,
		Urgency:          scan.Urgency,
		Confidence:       Confidence(scan),
		UncertainItems:   scan.UncertainItems,
		ExtractionMethod: MethodKeyword,
		Timestamp:        x.now().UTC(),
	}
	x.finalize(res)

	if !opts.UseLLM || x.escalator == nil {
		return res, true
	}
	llm, ok := x.escalator.Escalate(ctx, in, res)
	if !ok || llm == nil {
		return res, true
	}

	cp := *llm
	cp.IncidentID = in.IncidentID
	cp.OriginalText = in.Text
	cp.ExtractionMethod = MethodLLM
	if cp.Timestamp.IsZero() {
		cp.Timestamp = res.Timestamp
	}
	if cp.Urgency == "" {
		cp.Urgency = res.Urgency
	}
	cp.UncertainItems = withImplausible(cp.UncertainItems, cp.Supplies, cp.VulnerableGroups)
	x.finalize(&cp)
	return &cp, true
}

// finalize enforces the result invariants: confidence within [0,1], review
// flag derived from confidence and uncertain items.
func (x *Extractor) finalize(r *Result) {
	r.Confidence = clamp(r.Confidence)
	if r.Supplies == nil {
		r.Supplies = []SupplyMention{}
	}
	if r.Locations == nil {
		r.Locations = []LocationMention{}
	}
	if r.VulnerableGroups == nil {
		r.VulnerableGroups = []VulnerableGroupMention{}
	}
	if r.UncertainItems == nil {
		r.UncertainItems = []string{}
	}
	r.NeedsReview = r.Confidence < x.review || len(r.UncertainItems) > 0
	r.AutoApproved = !r.NeedsReview && r.Confidence >= x.autoApprove
}

// withImplausible returns items plus any implausible-quantity entries for
// supplies and groups that items does not list yet.
func withImplausible(items []string, supplies []SupplyMention, vulnerable []VulnerableGroupMention) []string {
	extra := Implausible(supplies, vulnerable)
	if len(extra) == 0 {
		return items
	}
	out := append([]string(nil), items...)
	for _, e := range extra {
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}
