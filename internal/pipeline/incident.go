package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/reliefdesk/internal/extract"
)

// ErrInvalidIncidents is returned when an incident batch cannot be ingested.
var ErrInvalidIncidents = errors.New("invalid incidents")

// Incident is a field report as delivered by the incident feed.
type Incident struct {
	ID            string     `json:"id"`
	Description   *string    `json:"description"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	ResponderName string     `json:"responder_name,omitempty"`
	Severity      string     `json:"severity,omitempty"`
	IncidentType  string     `json:"incident_type,omitempty"`
}

// Text returns the description, or "" when there is none.
func (i Incident) Text() string {
	if i.Description == nil {
		return ""
	}
	return *i.Description
}

// Extractable reports whether the incident carries text worth extracting.
func (i Incident) Extractable() bool {
	return strings.TrimSpace(i.Text()) != ""
}

// cacheKey identifies an (incident, description) pair. Results are reused
// only while both stay the same.
func (i Incident) cacheKey(useLLM bool) string {
	sum := sha256.Sum256([]byte(i.Text()))
	return fmt.Sprintf("%s|%t|%s", i.ID, useLLM, hex.EncodeToString(sum[:]))
}

// DecodeIncidents reads a JSON array of incidents.
func DecodeIncidents(r io.Reader) ([]Incident, error) {
	var incidents []Incident
	dec := json.NewDecoder(r)
	if err := dec.Decode(&incidents); err != nil {
		return nil, fmt.Errorf("decode incidents: %w", err)
	}
	return incidents, nil
}

// DefaultConcurrency bounds parallel extractions when no limit is set.
const DefaultConcurrency = 8

// ExtractAll extracts every incident with a description, at most
// concurrency at a time. The returned slice is aligned with incidents and
// holds nil for incidents that were skipped. It fails only when ctx ends.
func ExtractAll(ctx context.Context, x *extract.Extractor, incidents []Incident, concurrency int, opts extract.Options) ([]*extract.Result, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	out := make([]*extract.Result, len(incidents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, inc := range incidents {
		if !inc.Extractable() {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if res, ok := x.Extract(gctx, extract.Input{IncidentID: inc.ID, Text: inc.Text()}, opts); ok {
				out[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extract incidents: %w", err)
	}
	return out, nil
}
