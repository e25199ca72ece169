package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/reliefdesk/internal/docstore"
	"github.com/linnemanlabs/reliefdesk/internal/escalation"
	"github.com/linnemanlabs/reliefdesk/internal/review"
)

// Metrics holds Prometheus metrics for the extraction pipeline.
type Metrics struct {
	ExtractionsTotal     *prometheus.CounterVec
	ExtractionConfidence *prometheus.HistogramVec
	IngestIncidents      *prometheus.CounterVec
	LLMAttemptsTotal     *prometheus.CounterVec
	LLMAttemptDuration   *prometheus.HistogramVec
	EscalationsTotal     *prometheus.CounterVec
	ReviewItems          *prometheus.GaugeVec
	SupplyGroups         prometheus.Gauge
	StoreWritesTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExtractionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reliefdesk_extractions_total",
			Help: "Total extractions by the method that produced the final result.",
		}, []string{"method"}),
		ExtractionConfidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reliefdesk_extraction_confidence",
			Help:    "Confidence of final extraction results.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10), // 0.1 .. 1.0
		}, []string{"method"}),
		IngestIncidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reliefdesk_ingest_incidents_total",
			Help: "Incidents seen by ingest, by outcome.",
		}, []string{"outcome"}),
		LLMAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reliefdesk_llm_attempts_total",
			Help: "Total LLM classification attempts by provider and status.",
		}, []string{"provider", "status"}),
		LLMAttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reliefdesk_llm_attempt_duration_seconds",
			Help:    "Duration of individual LLM classification attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. ~32s
		}, []string{"provider"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reliefdesk_escalations_total",
			Help: "Total escalations by provider and whether the LLM result was used.",
		}, []string{"provider", "outcome"}),
		ReviewItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reliefdesk_review_items",
			Help: "Review items by status.",
		}, []string{"status"}),
		SupplyGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reliefdesk_supply_groups",
			Help: "Distinct supply needs in the last computed table.",
		}),
		StoreWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reliefdesk_docstore_writes_total",
			Help: "Write-behind upserts by collection and final status.",
		}, []string{"collection", "status"}),
	}

	reg.MustRegister(
		m.ExtractionsTotal,
		m.ExtractionConfidence,
		m.IngestIncidents,
		m.LLMAttemptsTotal,
		m.LLMAttemptDuration,
		m.EscalationsTotal,
		m.ReviewItems,
		m.SupplyGroups,
		m.StoreWritesTotal,
	)

	return m
}

// EscalationHooks returns escalation.Hooks that update the LLM metrics.
func (m *Metrics) EscalationHooks() escalation.Hooks {
	return escalation.Hooks{
		OnAttempt: func(provider string, _ int, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.LLMAttemptsTotal.WithLabelValues(provider, status).Inc()
			m.LLMAttemptDuration.WithLabelValues(provider).Observe(duration)
		},
		OnOutcome: func(provider string, escalated bool) {
			outcome := "fallback"
			if escalated {
				outcome = "used"
			}
			m.EscalationsTotal.WithLabelValues(provider, outcome).Inc()
		},
	}
}

// WriterHooks returns docstore.WriterHooks that count write outcomes.
func (m *Metrics) WriterHooks() docstore.WriterHooks {
	return docstore.WriterHooks{
		OnWrite: func(collection string, err error) {
			status := "success"
			if err != nil {
				status = "failed"
			}
			m.StoreWritesTotal.WithLabelValues(collection, status).Inc()
		},
	}
}

func (m *Metrics) setReviewCounts(counts map[review.Status]int) {
	for s, n := range counts {
		m.ReviewItems.WithLabelValues(string(s)).Set(float64(n))
	}
}
