// Package reliefapi exposes the pipeline service over HTTP.
package reliefapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/reliefdesk/internal/aggregate"
	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/fulfillment"
	"github.com/linnemanlabs/reliefdesk/internal/pipeline"
	"github.com/linnemanlabs/reliefdesk/internal/review"
)

// ReliefService defines the business operations reliefapi needs.
type ReliefService interface {
	Ingest(ctx context.Context, incidents []pipeline.Incident) (pipeline.IngestSummary, error)
	Extract(ctx context.Context, id, text string, useLLM bool) (*extract.Result, bool)
	Results() []*extract.Result
	SupplyNeeds() []aggregate.SupplyNeed
	VulnerableGroups() []aggregate.VulnerableGroupSummary
	Locations() map[string]aggregate.LocationCategorySummary
	ExportCSV(w io.Writer) error
	Reviews(f review.Filter) []review.Item
	Review(id string) (review.Item, error)
	Decide(ctx context.Context, id string, d review.Decision) (review.Item, error)
	MarkDelivered(ctx context.Context, key, by string) (fulfillment.Record, error)
}

// Option configures an API.
type Option func(*API)

// WithReviewerAuth guards the review and fulfillment mutations with mw.
func WithReviewerAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.reviewerAuth = mw }
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	svc          ReliefService
	reviewerAuth func(http.Handler) http.Handler
}

// New creates a new API handler.
func New(logger log.Logger, svc ReliefService, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("relief service is required"))
	}
	a := &API{
		logger: logger,
		svc:    svc,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/incidents", a.handleIngest)
		r.Post("/extract", a.handleExtract)

		r.Get("/results", a.handleResults)
		r.Get("/supplies", a.handleSupplies)
		r.Get("/supplies.csv", a.handleSuppliesCSV)
		r.Get("/vulnerable-groups", a.handleVulnerableGroups)
		r.Get("/locations", a.handleLocations)

		r.Get("/reviews", a.handleListReviews)
		r.Get("/reviews/{id}", a.handleGetReview)

		r.Group(func(r chi.Router) {
			if a.reviewerAuth != nil {
				r.Use(a.reviewerAuth)
			}
			r.Post("/reviews/{id}/decision", a.handleDecide)
			r.Post("/supplies/{key}/delivered", a.handleDelivered)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors to HTTP status codes.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, review.ErrInvalidStatus),
		errors.Is(err, review.ErrInvalidDecision),
		errors.Is(err, fulfillment.ErrInvalidKey),
		errors.Is(err, pipeline.ErrInvalidIncidents):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, review.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, review.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
