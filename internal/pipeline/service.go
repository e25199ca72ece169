// Package pipeline is the business boundary of reliefdesk. It owns the
// current incident set and its extraction results, feeds the review queue,
// and serves the aggregated tables with fulfillment marks applied.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/reliefdesk/internal/aggregate"
	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/fulfillment"
	"github.com/linnemanlabs/reliefdesk/internal/review"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// Config tunes ingest.
type Config struct {
	// Concurrency bounds parallel extractions.
	Concurrency int
	// CacheSize is the number of (incident, description) results kept
	// across ingests. Zero disables the cache.
	CacheSize int
	// UseLLM enables escalation for ingested incidents.
	UseLLM bool
}

// IngestSummary reports what one ingest did.
type IngestSummary struct {
	Received  int `json:"received"`
	Extracted int `json:"extracted"`
	Cached    int `json:"cached"`
	Skipped   int `json:"skipped"`
	Queued    int `json:"queued"`
	Escalated int `json:"escalated"`
}

// Service holds the current results and the review and fulfillment state
// derived from them.
type Service struct {
	x       *extract.Extractor
	tax     *taxonomy.Taxonomy
	reviews *review.Queue
	tracker *fulfillment.Tracker
	cfg     Config
	cache   *lru.Cache[string, *extract.Result]
	metrics *Metrics
	logger  log.Logger

	ingestMu sync.Mutex // serializes Ingest

	mu      sync.RWMutex
	results []*extract.Result
}

// NewService creates a service. metrics may be nil.
func NewService(x *extract.Extractor, tax *taxonomy.Taxonomy, reviews *review.Queue, tracker *fulfillment.Tracker, cfg Config, logger log.Logger, metrics *Metrics) *Service {
	if x == nil || tax == nil || reviews == nil || tracker == nil {
		panic(xerrors.New("pipeline: extractor, taxonomy, review queue and tracker are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		x:       x,
		tax:     tax,
		reviews: reviews,
		tracker: tracker,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
	if cfg.CacheSize > 0 {
		c, err := lru.New[string, *extract.Result](cfg.CacheSize)
		if err != nil {
			panic(xerrors.New("pipeline: " + err.Error()))
		}
		s.cache = c
	}
	if metrics != nil {
		metrics.setReviewCounts(reviews.Counts())
	}
	return s
}

// Ingest replaces the current incident set. Incidents without a
// description are skipped; unchanged incidents reuse their cached result.
// Every result that needs review is queued unless already decided.
func (s *Service) Ingest(ctx context.Context, incidents []Incident) (IngestSummary, error) {
	if err := ValidateIncidents(incidents); err != nil {
		return IngestSummary{}, err
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	sum := IngestSummary{Received: len(incidents)}
	opts := extract.Options{UseLLM: s.cfg.UseLLM}

	results := make([]*extract.Result, len(incidents))
	var (
		pending []Incident
		slots   []int
	)
	for i, inc := range incidents {
		if !inc.Extractable() {
			sum.Skipped++
			continue
		}
		if s.cache != nil {
			if res, ok := s.cache.Get(inc.cacheKey(opts.UseLLM)); ok {
				results[i] = res
				sum.Cached++
				continue
			}
		}
		pending = append(pending, inc)
		slots = append(slots, i)
	}

	fresh, err := ExtractAll(ctx, s.x, pending, s.cfg.Concurrency, opts)
	if err != nil {
		return IngestSummary{}, err
	}
	for j, res := range fresh {
		if res == nil {
			sum.Skipped++
			continue
		}
		results[slots[j]] = res
		sum.Extracted++
		if res.ExtractionMethod == extract.MethodLLM {
			sum.Escalated++
		}
		if s.cache != nil {
			s.cache.Add(pending[j].cacheKey(opts.UseLLM), res)
		}
		s.observeExtraction(res)
	}

	current := make([]*extract.Result, 0, len(results))
	for _, res := range results {
		if res != nil {
			current = append(current, res)
		}
	}

	s.mu.Lock()
	s.results = current
	s.mu.Unlock()

	sum.Queued = s.enqueue(ctx, current)
	s.observeIngest(sum)

	s.logger.Info(ctx, "incidents ingested",
		"received", sum.Received,
		"extracted", sum.Extracted,
		"cached", sum.Cached,
		"skipped", sum.Skipped,
		"queued", sum.Queued,
		"escalated", sum.Escalated,
	)
	return sum, nil
}

func (s *Service) enqueue(ctx context.Context, results []*extract.Result) int {
	queued := 0
	for _, res := range results {
		if _, created := s.reviews.Enqueue(ctx, res); created {
			queued++
		}
	}
	if s.metrics != nil {
		s.metrics.setReviewCounts(s.reviews.Counts())
	}
	return queued
}

// Extract runs an ad-hoc extraction. The result is not added to the current
// set and nothing is queued or persisted.
func (s *Service) Extract(ctx context.Context, id, text string, useLLM bool) (*extract.Result, bool) {
	res, ok := s.x.Extract(ctx, extract.Input{IncidentID: id, Text: text}, extract.Options{UseLLM: useLLM})
	if ok {
		s.observeExtraction(res)
	}
	return res, ok
}

// Results returns the current extraction results in ingest order.
func (s *Service) Results() []*extract.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*extract.Result(nil), s.results...)
}

// SupplyNeeds aggregates the current results with delivery marks applied.
func (s *Service) SupplyNeeds() []aggregate.SupplyNeed {
	needs := s.tracker.Apply(aggregate.SupplyNeeds(s.Results()))
	if s.metrics != nil {
		s.metrics.SupplyGroups.Set(float64(len(needs)))
	}
	return needs
}

// VulnerableGroups aggregates the current results by vulnerable group.
func (s *Service) VulnerableGroups() []aggregate.VulnerableGroupSummary {
	return aggregate.VulnerableGroups(s.Results(), s.tax)
}

// Locations aggregates the current results by location type.
func (s *Service) Locations() map[string]aggregate.LocationCategorySummary {
	return aggregate.ByLocation(s.Results())
}

// ExportCSV writes the current supply table as CSV.
func (s *Service) ExportCSV(w io.Writer) error {
	return aggregate.WriteCSV(w, s.SupplyNeeds())
}

// Reviews lists review items passing f.
func (s *Service) Reviews(f review.Filter) []review.Item {
	return s.reviews.List(f)
}

// Review returns one review item.
func (s *Service) Review(id string) (review.Item, error) {
	return s.reviews.Get(id)
}

// Decide records a review decision.
func (s *Service) Decide(ctx context.Context, id string, d review.Decision) (review.Item, error) {
	it, err := s.reviews.Decide(ctx, id, d)
	if err != nil {
		return review.Item{}, err
	}
	if s.metrics != nil {
		s.metrics.setReviewCounts(s.reviews.Counts())
	}
	return it, nil
}

// MarkDelivered marks a supply need as delivered.
func (s *Service) MarkDelivered(ctx context.Context, key, by string) (fulfillment.Record, error) {
	return s.tracker.MarkDelivered(ctx, key, by)
}

// Refresh re-runs review queue membership over the current results and
// returns the number of newly queued items.
func (s *Service) Refresh(ctx context.Context) int {
	n := s.enqueue(ctx, s.Results())
	if n > 0 {
		s.logger.Info(ctx, "review queue refreshed", "queued", n)
	}
	return n
}

func (s *Service) observeExtraction(res *extract.Result) {
	if s.metrics == nil {
		return
	}
	method := string(res.ExtractionMethod)
	s.metrics.ExtractionsTotal.WithLabelValues(method).Inc()
	s.metrics.ExtractionConfidence.WithLabelValues(method).Observe(res.Confidence)
}

func (s *Service) observeIngest(sum IngestSummary) {
	if s.metrics == nil {
		return
	}
	s.metrics.IngestIncidents.WithLabelValues("extracted").Add(float64(sum.Extracted))
	s.metrics.IngestIncidents.WithLabelValues("cached").Add(float64(sum.Cached))
	s.metrics.IngestIncidents.WithLabelValues("skipped").Add(float64(sum.Skipped))
}

// ValidateIncidents reports incidents that cannot be ingested.
func ValidateIncidents(incidents []Incident) error {
	var missing []string
	for i, inc := range incidents {
		if strings.TrimSpace(inc.ID) == "" {
			missing = append(missing, fmt.Sprintf("#%d", i))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: incidents without id: %s", ErrInvalidIncidents, strings.Join(missing, ", "))
	}
	return nil
}
