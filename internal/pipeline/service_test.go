package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/reliefdesk/internal/aggregate"
	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/fulfillment"
	"github.com/linnemanlabs/reliefdesk/internal/review"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

func strp(s string) *string { return &s }

type countingEscalator struct {
	calls atomic.Int32
}

func (c *countingEscalator) Escalate(_ context.Context, _ extract.Input, keyword *extract.Result) (*extract.Result, bool) {
	c.calls.Add(1)
	if keyword.Confidence >= 0.6 {
		return nil, false
	}
	return &extract.Result{
		Supplies:   []extract.SupplyMention{{Item: "tarp", Category: "shelter", Priority: taxonomy.PriorityHigh}},
		Confidence: 0.9,
	}, true
}

type fixture struct {
	svc     *Service
	reviews *review.Queue
	metrics *Metrics
	esc     *countingEscalator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	tax := taxonomy.MustDefault()
	esc := &countingEscalator{}
	x := extract.New(tax, extract.WithEscalator(esc))
	reviews := review.NewQueue(nil, log.Nop())
	tracker := fulfillment.NewTracker(nil, log.Nop())
	m := NewMetrics(prometheus.NewRegistry())
	return &fixture{
		svc:     NewService(x, tax, reviews, tracker, cfg, log.Nop(), m),
		reviews: reviews,
		metrics: m,
		esc:     esc,
	}
}

func incidents() []Incident {
	return []Incident{
		{ID: "inc-1", Description: strp("Need 150 food packets and 200 water bottles for 120 children at Lincoln School")},
		{ID: "inc-2", Description: strp("Need insulin for 3 elderly residents at the shelter")},
		{ID: "inc-3", Description: strp("the road is blocked")},
		{ID: "inc-4", Description: nil},
		{ID: "inc-5", Description: strp("   ")},
	}
}

func TestIngest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Concurrency: 2, CacheSize: 16})
	sum, err := f.svc.Ingest(context.Background(), incidents())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if sum.Received != 5 || sum.Extracted != 3 || sum.Skipped != 2 || sum.Cached != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Queued != 1 {
		t.Errorf("queued = %d, want only the keyword-less report", sum.Queued)
	}
	if f.esc.calls.Load() != 0 {
		t.Errorf("escalator called %d times with UseLLM off", f.esc.calls.Load())
	}

	results := f.svc.Results()
	if len(results) != 3 || results[0].IncidentID != "inc-1" || results[2].IncidentID != "inc-3" {
		t.Fatalf("results out of ingest order: %d", len(results))
	}
	if _, err := f.svc.Review("rev_inc-3"); err != nil {
		t.Errorf("rev_inc-3: %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.ReviewItems.WithLabelValues("pending")); got != 1 {
		t.Errorf("pending gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.ExtractionsTotal.WithLabelValues("keyword")); got != 3 {
		t.Errorf("keyword extractions = %v, want 3", got)
	}
}

func TestIngestCanonicalTables(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	if _, err := f.svc.Ingest(context.Background(), incidents()[:1]); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	totals := map[string]int{}
	for _, n := range f.svc.SupplyNeeds() {
		totals[n.Key] = n.TotalQuantity
	}
	if totals["food-food packet"] != 150 || totals["water-water bottle"] != 200 {
		t.Errorf("supply totals = %v", totals)
	}
	groups := f.svc.VulnerableGroups()
	if len(groups) != 1 || groups[0].TotalCount != 120 {
		t.Errorf("groups = %+v", groups)
	}
	locs := f.svc.Locations()
	if s, ok := locs["school"]; !ok || s.TotalIncidents != 1 {
		t.Errorf("locations = %+v", locs)
	}
	if got := testutil.ToFloat64(f.metrics.SupplyGroups); got != 2 {
		t.Errorf("supply groups gauge = %v, want 2", got)
	}
}

func TestIngestReusesCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{CacheSize: 16})
	ctx := context.Background()
	if _, err := f.svc.Ingest(ctx, incidents()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	before := f.svc.Results()[0]

	changed := incidents()
	changed[1].Description = strp("Need 20 blankets at the shelter")
	sum, err := f.svc.Ingest(ctx, changed)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if sum.Cached != 2 || sum.Extracted != 1 {
		t.Errorf("summary = %+v, want 2 cached and 1 extracted", sum)
	}
	if sum.Queued != 0 {
		t.Errorf("queued = %d, want 0 on re-ingest", sum.Queued)
	}
	if f.svc.Results()[0] != before {
		t.Error("unchanged incident was re-extracted")
	}
	if got := len(f.reviews.List(review.FilterAll)); got != 1 {
		t.Errorf("review items = %d, want 1", got)
	}
}

func TestIngestReplacesSet(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	_, _ = f.svc.Ingest(ctx, incidents())
	_, _ = f.svc.Ingest(ctx, incidents()[1:2])

	results := f.svc.Results()
	if len(results) != 1 || results[0].IncidentID != "inc-2" {
		t.Errorf("results = %d, want only inc-2", len(results))
	}
}

func TestIngestEscalates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{UseLLM: true})
	sum, err := f.svc.Ingest(context.Background(), incidents()[2:3])
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if sum.Escalated != 1 {
		t.Errorf("escalated = %d, want 1", sum.Escalated)
	}
	res := f.svc.Results()[0]
	if res.ExtractionMethod != extract.MethodLLM {
		t.Errorf("method = %q, want llm", res.ExtractionMethod)
	}
	if got := testutil.ToFloat64(f.metrics.ExtractionsTotal.WithLabelValues("llm")); got != 1 {
		t.Errorf("llm extractions = %v, want 1", got)
	}
}

func TestIngestRejectsMissingID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.svc.Ingest(context.Background(), []Incident{{Description: strp("need water")}})
	if !errors.Is(err, ErrInvalidIncidents) {
		t.Errorf("err = %v, want ErrInvalidIncidents", err)
	}
}

func TestIngestCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.svc.Ingest(ctx, incidents()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExtractAdHoc(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	res, ok := f.svc.Extract(context.Background(), "adhoc-1", "need 5 tents", false)
	if !ok || res.IncidentID != "adhoc-1" {
		t.Fatalf("Extract = %+v, %v", res, ok)
	}
	if len(f.svc.Results()) != 0 {
		t.Error("ad-hoc extraction joined the current set")
	}
	if len(f.reviews.List(review.FilterAll)) != 0 {
		t.Error("ad-hoc extraction was queued")
	}
	if _, ok := f.svc.Extract(context.Background(), "adhoc-2", "", false); ok {
		t.Error("empty text produced a result")
	}
}

func TestDeliveredSurvivesReingest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{CacheSize: 16})
	ctx := context.Background()
	_, _ = f.svc.Ingest(ctx, incidents())

	if _, err := f.svc.MarkDelivered(ctx, "Food-Food Packet", "ana"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	_, _ = f.svc.Ingest(ctx, incidents())

	for _, n := range f.svc.SupplyNeeds() {
		want := aggregate.StatusPending
		if n.Key == "food-food packet" {
			want = aggregate.StatusDelivered
		}
		if n.FulfillmentStatus != want {
			t.Errorf("%s = %q, want %q", n.Key, n.FulfillmentStatus, want)
		}
	}
}

func TestDecideUpdatesGauge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	_, _ = f.svc.Ingest(ctx, incidents())

	if _, err := f.svc.Decide(ctx, "rev_inc-3", review.Decision{Status: review.StatusRejected, ReviewedBy: "ana"}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.ReviewItems.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected gauge = %v, want 1", got)
	}
	if got := len(f.svc.Reviews(review.FilterStatus(review.StatusPending))); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if _, err := f.svc.Decide(ctx, "rev_inc-3", review.Decision{Status: review.StatusApproved, ReviewedBy: "bo"}); !errors.Is(err, review.ErrAlreadyDecided) {
		t.Errorf("second decision err = %v, want ErrAlreadyDecided", err)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	_, _ = f.svc.Ingest(ctx, incidents())

	if n := f.svc.Refresh(ctx); n != 0 {
		t.Errorf("Refresh = %d, want 0 when nothing changed", n)
	}
	if got := len(f.reviews.List(review.FilterAll)); got != 1 {
		t.Errorf("items = %d, want 1", got)
	}
}

func TestExportCSV(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, _ = f.svc.Ingest(context.Background(), incidents()[:1])

	var buf bytes.Buffer
	if err := f.svc.ExportCSV(&buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "item,category,quantity,unit,priority,incidentCount" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 3 {
		t.Errorf("lines = %d, want header plus 2 rows", len(lines))
	}
}

func TestDecodeIncidents(t *testing.T) {
	t.Parallel()

	in := `[
		{"id":"1","description":"need water","created_at":"2026-03-01T10:00:00Z","responder_name":"ana","severity":"high","incident_type":"flood"},
		{"id":"2","description":null}
	]`
	got, err := DecodeIncidents(strings.NewReader(in))
	if err != nil {
		t.Fatalf("DecodeIncidents: %v", err)
	}
	if len(got) != 2 || got[0].Text() != "need water" || got[0].CreatedAt == nil || got[1].Extractable() {
		t.Errorf("incidents = %+v", got)
	}
	if _, err := DecodeIncidents(strings.NewReader(`{"id":1}`)); err == nil {
		t.Error("expected error for non-array input")
	}
}

func TestNewServicePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewService(nil, nil, nil, nil, Config{}, nil, nil)
}
