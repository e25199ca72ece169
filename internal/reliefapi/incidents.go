package reliefapi

import (
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/reliefdesk/internal/pipeline"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 8 << 20

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	incidents, err := pipeline.DecodeIncidents(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("reliefdesk.incidents.count", len(incidents)))

	sum, err := a.svc.Ingest(r.Context(), incidents)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type extractRequest struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	UseLLM bool   `json:"use_llm"`
}

func (a *API) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, `{"error":"text is required"}`, http.StatusUnprocessableEntity)
		return
	}
	if req.ID == "" {
		req.ID = "adhoc-" + ulid.Make().String()
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("reliefdesk.incident.id", req.ID),
		attribute.Bool("reliefdesk.extract.use_llm", req.UseLLM),
	)

	res, ok := a.svc.Extract(r.Context(), req.ID, req.Text, req.UseLLM)
	if !ok {
		http.Error(w, `{"error":"nothing to extract"}`, http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
