package review

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/linnemanlabs/reliefdesk/internal/extract"
)

// Status is where a review item is in its lifecycle.
type Status string

const (
	// StatusPending means waiting for a reviewer
	StatusPending Status = "pending"

	// StatusApproved means the extraction was accepted as is
	StatusApproved Status = "approved"

	// StatusCorrected means a reviewer replaced the extraction
	StatusCorrected Status = "corrected"

	// StatusRejected means the extraction was discarded
	StatusRejected Status = "rejected"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusApproved, StatusCorrected, StatusRejected}

// Terminal reports whether s is a decided status.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusCorrected || s == StatusRejected
}

var (
	// ErrInvalidStatus is returned for status values outside the known set.
	ErrInvalidStatus = errors.New("invalid review status")
	// ErrInvalidDecision is returned for decisions with missing or
	// inconsistent fields.
	ErrInvalidDecision = errors.New("invalid review decision")
	// ErrNotFound is returned for unknown review ids.
	ErrNotFound = errors.New("review item not found")
	// ErrAlreadyDecided is returned when deciding an item twice.
	ErrAlreadyDecided = errors.New("review item already decided")
)

// Item is one extraction waiting for, or carrying, a human decision.
type Item struct {
	ID            string          `json:"id"`
	IncidentID    string          `json:"incident_id"`
	OriginalText  string          `json:"original_text"`
	ExtractedData *extract.Result `json:"extracted_data"`
	Confidence    float64         `json:"confidence"`
	Reason        string          `json:"reason"`
	Status        Status          `json:"status"`
	AdminNotes    string          `json:"admin_notes,omitempty"`
	CorrectedData json.RawMessage `json:"corrected_data,omitempty"`
	ReviewedBy    string          `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time      `json:"reviewed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ID derives the review item id for an incident.
func ID(incidentID string) string {
	return "rev_" + incidentID
}

// Filter selects items by status.
type Filter struct {
	all    bool
	status Status
}

// FilterAll matches every item.
var FilterAll = Filter{all: true}

// FilterStatus matches items in status s.
func FilterStatus(s Status) Filter { return Filter{status: s} }

// ParseFilter reads a status query value. Empty means pending.
func ParseFilter(s string) (Filter, error) {
	switch v := Status(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return FilterStatus(StatusPending), nil
	case "all":
		return FilterAll, nil
	case StatusPending, StatusApproved, StatusCorrected, StatusRejected:
		return FilterStatus(v), nil
	default:
		return Filter{}, ErrInvalidStatus
	}
}

// Match reports whether an item in status s passes the filter.
func (f Filter) Match(s Status) bool {
	return f.all || f.status == s
}

func (f Filter) String() string {
	if f.all {
		return "all"
	}
	return string(f.status)
}

// Decision is a reviewer's verdict on one item.
type Decision struct {
	Status        Status          `json:"status"`
	AdminNotes    string          `json:"admin_notes,omitempty"`
	CorrectedData json.RawMessage `json:"corrected_data,omitempty"`
	ReviewedBy    string          `json:"reviewed_by"`
}

func hasData(raw json.RawMessage) bool {
	t := strings.TrimSpace(string(raw))
	return t != "" && t != "null"
}

// Validate checks d without looking at any item.
func (d Decision) Validate() error {
	switch d.Status {
	case StatusApproved, StatusCorrected, StatusRejected:
	case StatusPending:
		return errors.Join(ErrInvalidStatus, errors.New("decision cannot be pending"))
	default:
		return ErrInvalidStatus
	}

	var errs []error
	if strings.TrimSpace(d.ReviewedBy) == "" {
		errs = append(errs, errors.New("reviewed_by is required"))
	}
	switch {
	case d.Status == StatusCorrected && !hasData(d.CorrectedData):
		errs = append(errs, errors.New("corrected_data is required for corrected"))
	case d.Status != StatusCorrected && hasData(d.CorrectedData):
		errs = append(errs, errors.New("corrected_data is only allowed for corrected"))
	case hasData(d.CorrectedData) && !json.Valid(d.CorrectedData):
		errs = append(errs, errors.New("corrected_data is not valid JSON"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidDecision}, errs...)...)
	}
	return nil
}
