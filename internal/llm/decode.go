package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// ErrMalformed marks a reply that could not be decoded into a result.
// Retrying the same prompt will not fix it.
var ErrMalformed = errors.New("llm: malformed response")

// DefaultConfidence is assumed when the model omits a confidence.
const DefaultConfidence = 0.7

type wireResult struct {
	Supplies []struct {
		Item     string   `json:"item"`
		Category string   `json:"category"`
		Quantity *float64 `json:"quantity"`
		Unit     *string  `json:"unit"`
		Priority string   `json:"priority"`
	} `json:"supplies"`
	Locations []struct {
		Type string  `json:"type"`
		Name *string `json:"name"`
	} `json:"locations"`
	VulnerableGroups []struct {
		Group        string   `json:"group"`
		Count        *float64 `json:"count"`
		SpecialNeeds *string  `json:"special_needs"`
	} `json:"vulnerable_groups"`
	Urgency        string   `json:"urgency"`
	Confidence     *float64 `json:"confidence"`
	UncertainItems []string `json:"uncertain_items"`
}

// Decode parses a model reply into a result, reconciling categories with
// tax. Unknown categories are resolved through the taxonomy classifier;
// what still cannot be placed is reported as uncertain.
func Decode(content string, tax *taxonomy.Taxonomy) (*extract.Result, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformed)
	}
	var w wireResult
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	res := &extract.Result{
		Supplies:         []extract.SupplyMention{},
		Locations:        []extract.LocationMention{},
		VulnerableGroups: []extract.VulnerableGroupMention{},
		UncertainItems:   []string{},
		Confidence:       DefaultConfidence,
		ExtractionMethod: extract.MethodLLM,
	}
	if w.Confidence != nil {
		res.Confidence = *w.Confidence
	}
	if u := taxonomy.Urgency(strings.ToLower(strings.TrimSpace(w.Urgency))); u.Tier() > 0 || u == taxonomy.UrgencyNone {
		res.Urgency = u
	}
	for _, s := range w.UncertainItems {
		if s = strings.TrimSpace(s); s != "" {
			res.UncertainItems = append(res.UncertainItems, s)
		}
	}

	for _, s := range w.Supplies {
		item := strings.ToLower(strings.TrimSpace(s.Item))
		if item == "" {
			continue
		}
		entry, ok := resolve(tax, taxonomy.DomainSupplies, s.Category, item)
		m := extract.SupplyMention{
			Item:     item,
			Quantity: count(s.Quantity),
			Unit:     trimmed(s.Unit),
		}
		if ok {
			m.Category = entry.Subcategory
			m.Priority = entry.Priority
			m.Icon = entry.Icon
			if m.Unit == nil && entry.Unit != "" {
				unit := entry.Unit
				m.Unit = &unit
			}
		} else {
			m.Category = taxonomy.Uncategorized
			m.Priority = taxonomy.PriorityLow
			if p := taxonomy.Priority(strings.ToLower(s.Priority)); p.Valid() {
				m.Priority = p
			}
			res.UncertainItems = append(res.UncertainItems, "unclassified supply: "+item)
		}
		res.Supplies = append(res.Supplies, m)
	}

	for _, l := range w.Locations {
		name := trimmed(l.Name)
		candidate := ""
		if name != nil {
			candidate = *name
		}
		entry, ok := resolve(tax, taxonomy.DomainLocations, l.Type, candidate)
		if !ok {
			if l.Type != "" || name != nil {
				res.UncertainItems = append(res.UncertainItems, "unclassified location: "+strings.TrimSpace(l.Type+" "+candidate))
			}
			continue
		}
		res.Locations = append(res.Locations, extract.LocationMention{Type: entry.Subcategory, Name: name})
	}

	for _, g := range w.VulnerableGroups {
		entry, ok := resolve(tax, taxonomy.DomainVulnerable, g.Group, "")
		if !ok {
			if g.Group != "" {
				res.UncertainItems = append(res.UncertainItems, "unclassified group: "+g.Group)
			}
			continue
		}
		res.VulnerableGroups = append(res.VulnerableGroups, extract.VulnerableGroupMention{
			Group:        entry.Subcategory,
			Count:        count(g.Count),
			SpecialNeeds: trimmed(g.SpecialNeeds),
			Priority:     entry.Priority,
		})
	}

	return res, nil
}

// resolve finds the entry named by category, falling back to classifying
// category and then fallback.
func resolve(tax *taxonomy.Taxonomy, d taxonomy.Domain, category, fallback string) (taxonomy.Entry, bool) {
	category = strings.ToLower(strings.TrimSpace(category))
	if e, ok := tax.Entry(d, category); ok {
		return e, true
	}
	for _, c := range []string{category, fallback} {
		if c == "" {
			continue
		}
		if m, ok := tax.Classify(c, d); ok {
			return tax.Entry(d, m.Subcategory)
		}
	}
	return taxonomy.Entry{}, false
}

func count(f *float64) *int {
	if f == nil {
		return nil
	}
	n, ok := extract.Quantity(*f)
	if !ok {
		return nil
	}
	return &n
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
