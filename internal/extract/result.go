package extract

import (
	"time"

	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// Method records which path produced a Result.
type Method string

const (
	MethodKeyword Method = "keyword"
	MethodLLM     Method = "llm"
)

// SupplyMention is one requested supply item.
type SupplyMention struct {
	Item     string            `json:"item"`
	Category string            `json:"category"`
	Quantity *int              `json:"quantity"`
	Unit     *string           `json:"unit"`
	Priority taxonomy.Priority `json:"priority"`
	Icon     string            `json:"icon"`
}

// VulnerableGroupMention is a population group named in a report.
type VulnerableGroupMention struct {
	Group        string            `json:"group"`
	Count        *int              `json:"count"`
	SpecialNeeds *string           `json:"special_needs"`
	Priority     taxonomy.Priority `json:"priority"`
}

// LocationMention is a kind of place named in a report, with its name when
// one could be read off the text.
type LocationMention struct {
	Type string  `json:"type"`
	Name *string `json:"name"`
}

// Result is the structured reading of one incident description.
type Result struct {
	IncidentID       string                   `json:"incident_id"`
	OriginalText     string                   `json:"original_text"`
	Supplies         []SupplyMention          `json:"supplies"`
	Locations        []LocationMention        `json:"locations"`
	VulnerableGroups []VulnerableGroupMention `json:"vulnerable_groups"`
	Urgency          taxonomy.Urgency         `json:"urgency"`
	Confidence       float64                  `json:"confidence"`
	NeedsReview      bool                     `json:"needs_review"`
	AutoApproved     bool                     `json:"auto_approved"`
	UncertainItems   []string                 `json:"uncertain_items"`
	ExtractionMethod Method                   `json:"extraction_method"`
	Timestamp        time.Time                `json:"timestamp"`
}

// Input is the text to extract from and the incident it belongs to.
type Input struct {
	IncidentID string
	Text       string
}

// Options tune a single extraction.
type Options struct {
	UseLLM bool
}
