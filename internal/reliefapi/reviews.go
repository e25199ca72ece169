package reliefapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/reliefdesk/internal/authmw"
	"github.com/linnemanlabs/reliefdesk/internal/review"
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func (a *API) handleListReviews(w http.ResponseWriter, r *http.Request) {
	f, err := review.ParseFilter(r.URL.Query().Get("status"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	items := a.svc.Reviews(f)
	if items == nil {
		items = []review.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) handleGetReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("reliefdesk.review.id", id))

	it, err := a.svc.Review(id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("reliefdesk.review.id", id))

	var d review.Decision
	if err := decodeBody(w, r, &d); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if name, ok := authmw.ReviewerFromContext(r.Context()); ok {
		d.ReviewedBy = name
	}

	it, err := a.svc.Decide(r.Context(), id, d)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.logger.Info(r.Context(), "review decided", "id", id, "status", it.Status, "reviewer", it.ReviewedBy)
	writeJSON(w, http.StatusOK, it)
}
