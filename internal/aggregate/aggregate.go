// Package aggregate rolls extraction results up into cross-incident tables.
// Every function is a pure, full recompute over the results it is given.
package aggregate

import (
	"sort"
	"strings"

	"github.com/linnemanlabs/reliefdesk/internal/extract"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// FulfillmentStatus is the delivery state of a supply need.
type FulfillmentStatus string

const (
	StatusPending   FulfillmentStatus = "pending"
	StatusDelivered FulfillmentStatus = "delivered"
)

// SupplyNeed is one (category, item) line of the supply table.
type SupplyNeed struct {
	Key               string            `json:"key"`
	Item              string            `json:"item"`
	Category          string            `json:"category"`
	TotalQuantity     int               `json:"total_quantity"`
	Unit              *string           `json:"unit"`
	Priority          taxonomy.Priority `json:"priority"`
	Icon              string            `json:"icon"`
	IncidentCount     int               `json:"incident_count"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
}

// VulnerableGroupSummary totals one vulnerable group across incidents.
type VulnerableGroupSummary struct {
	Group         string            `json:"group"`
	TotalCount    int               `json:"total_count"`
	IncidentCount int               `json:"incident_count"`
	Priority      taxonomy.Priority `json:"priority"`
}

// LocationCount is a named place and how many incidents mention it.
type LocationCount struct {
	Name          string `json:"name"`
	IncidentCount int    `json:"incident_count"`
}

// LocationCategorySummary totals one location type across incidents.
type LocationCategorySummary struct {
	Type           string          `json:"type"`
	TotalIncidents int             `json:"total_incidents"`
	Locations      []LocationCount `json:"locations"`
}

// NormalizeKey canonicalizes a supply key written by hand, such as a path
// segment. It lower-cases and trims around the first dash.
func NormalizeKey(key string) string {
	cat, item, found := strings.Cut(key, "-")
	if !found {
		return strings.ToLower(strings.TrimSpace(key))
	}
	return Key(cat, item)
}

// Key identifies a supply need by category and item.
func Key(category, item string) string {
	return strings.ToLower(strings.TrimSpace(category)) + "-" + strings.ToLower(strings.TrimSpace(item))
}

type supplyAcc struct {
	need      SupplyNeed
	incidents map[string]struct{}
	order     int
}

// SupplyNeeds groups supply mentions by Key. Quantities are summed where
// present, incidents are counted once, and the highest priority seen wins.
// The table is sorted by priority, then total quantity, then first sighting.
func SupplyNeeds(results []*extract.Result) []SupplyNeed {
	accs := make(map[string]*supplyAcc)
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, s := range r.Supplies {
			k := Key(s.Category, s.Item)
			a, ok := accs[k]
			if !ok {
				a = &supplyAcc{
					need: SupplyNeed{
						Key:               k,
						Item:              strings.TrimSpace(s.Item),
						Category:          strings.TrimSpace(s.Category),
						Priority:          s.Priority,
						Icon:              s.Icon,
						FulfillmentStatus: StatusPending,
					},
					incidents: make(map[string]struct{}),
					order:     len(accs),
				}
				accs[k] = a
			}
			if s.Quantity != nil {
				a.need.TotalQuantity += *s.Quantity
			}
			if a.need.Unit == nil && s.Unit != nil {
				u := *s.Unit
				a.need.Unit = &u
			}
			if s.Priority.Rank() < a.need.Priority.Rank() {
				a.need.Priority = s.Priority
			}
			a.incidents[r.IncidentID] = struct{}{}
		}
	}

	list := make([]*supplyAcc, 0, len(accs))
	for _, a := range accs {
		a.need.IncidentCount = len(a.incidents)
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if ra, rb := a.need.Priority.Rank(), b.need.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if a.need.TotalQuantity != b.need.TotalQuantity {
			return a.need.TotalQuantity > b.need.TotalQuantity
		}
		return a.order < b.order
	})

	out := make([]SupplyNeed, len(list))
	for i, a := range list {
		out[i] = a.need
	}
	return out
}

type groupAcc struct {
	sum       VulnerableGroupSummary
	incidents map[string]struct{}
	order     int
}

// VulnerableGroups totals each group across incidents. Priority comes from
// the taxonomy entry for the group, falling back to the highest priority on
// the mentions for groups the taxonomy does not know.
func VulnerableGroups(results []*extract.Result, tax *taxonomy.Taxonomy) []VulnerableGroupSummary {
	accs := make(map[string]*groupAcc)
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, g := range r.VulnerableGroups {
			a, ok := accs[g.Group]
			if !ok {
				a = &groupAcc{
					sum:       VulnerableGroupSummary{Group: g.Group, Priority: g.Priority},
					incidents: make(map[string]struct{}),
					order:     len(accs),
				}
				accs[g.Group] = a
			}
			if g.Count != nil {
				a.sum.TotalCount += *g.Count
			}
			if g.Priority.Rank() < a.sum.Priority.Rank() {
				a.sum.Priority = g.Priority
			}
			a.incidents[r.IncidentID] = struct{}{}
		}
	}

	list := make([]*groupAcc, 0, len(accs))
	for _, a := range accs {
		a.sum.IncidentCount = len(a.incidents)
		if tax != nil {
			if e, ok := tax.Entry(taxonomy.DomainVulnerable, a.sum.Group); ok {
				a.sum.Priority = e.Priority
			}
		}
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if ra, rb := a.sum.Priority.Rank(), b.sum.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if a.sum.TotalCount != b.sum.TotalCount {
			return a.sum.TotalCount > b.sum.TotalCount
		}
		return a.order < b.order
	})

	out := make([]VulnerableGroupSummary, len(list))
	for i, a := range list {
		out[i] = a.sum
	}
	return out
}

type nameAcc struct {
	display   string
	incidents map[string]struct{}
	order     int
}

type typeAcc struct {
	incidents map[string]struct{}
	names     map[string]*nameAcc
}

// ByLocation groups location mentions by type. Named mentions are grouped
// case-insensitively under the first spelling seen; unnamed mentions only
// count toward the type's incident total.
func ByLocation(results []*extract.Result) map[string]LocationCategorySummary {
	accs := make(map[string]*typeAcc)
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, l := range r.Locations {
			a, ok := accs[l.Type]
			if !ok {
				a = &typeAcc{incidents: make(map[string]struct{}), names: make(map[string]*nameAcc)}
				accs[l.Type] = a
			}
			a.incidents[r.IncidentID] = struct{}{}
			if l.Name == nil {
				continue
			}
			display := strings.TrimSpace(*l.Name)
			if display == "" {
				continue
			}
			norm := strings.ToLower(display)
			n, ok := a.names[norm]
			if !ok {
				n = &nameAcc{display: display, incidents: make(map[string]struct{}), order: len(a.names)}
				a.names[norm] = n
			}
			n.incidents[r.IncidentID] = struct{}{}
		}
	}

	out := make(map[string]LocationCategorySummary, len(accs))
	for typ, a := range accs {
		names := make([]*nameAcc, 0, len(a.names))
		for _, n := range a.names {
			names = append(names, n)
		}
		sort.Slice(names, func(i, j int) bool {
			if li, lj := len(names[i].incidents), len(names[j].incidents); li != lj {
				return li > lj
			}
			return names[i].order < names[j].order
		})
		locs := make([]LocationCount, len(names))
		for i, n := range names {
			locs[i] = LocationCount{Name: n.display, IncidentCount: len(n.incidents)}
		}
		out[typ] = LocationCategorySummary{Type: typ, TotalIncidents: len(a.incidents), Locations: locs}
	}
	return out
}
