package reliefapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/reliefdesk/internal/aggregate"
	"github.com/linnemanlabs/reliefdesk/internal/authmw"
)

func (a *API) handleResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Results())
}

func (a *API) handleSupplies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.SupplyNeeds())
}

func (a *API) handleSuppliesCSV(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := a.svc.ExportCSV(&buf); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="supply_needs.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (a *API) handleVulnerableGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.VulnerableGroups())
}

func (a *API) handleLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Locations())
}

type deliveredRequest struct {
	DeliveredBy string `json:"delivered_by"`
}

func (a *API) handleDelivered(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, `{"error":"invalid key"}`, http.StatusBadRequest)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("reliefdesk.supply.key", aggregate.NormalizeKey(key)))

	var req deliveredRequest
	// an empty body is allowed when the reviewer comes from auth
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if name, ok := authmw.ReviewerFromContext(r.Context()); ok {
		req.DeliveredBy = name
	}

	rec, err := a.svc.MarkDelivered(r.Context(), key, req.DeliveredBy)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
