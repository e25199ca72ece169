package extract

import (
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	tax, err := taxonomy.Default()
	if err != nil {
		t.Fatalf("taxonomy.Default: %v", err)
	}
	return NewMatcher(tax)
}

func intp(n int) *int { return &n }

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func fmtInt(p *int) string {
	if p == nil {
		return "nil"
	}
	return strconv.Itoa(*p)
}

func TestScanSupplies(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)

	tests := []struct {
		name     string
		text     string
		item     string
		category string
		qty      *int
		unit     string
	}{
		{"number before keyword", "Need 150 food packets now", "food packet", "food", intp(150), "packets"},
		{"explicit unit", "Please send 5 kg of rice", "rice", "food", intp(5), "kg"},
		{"words between", "2 vials of insulin needed", "insulin", "medical", intp(2), "vials"},
		{"thousands separator", "1,200 blankets", "blanket", "clothing", intp(1200), "pieces"},
		{"no number", "we need insulin", "insulin", "medical", nil, "units"},
		{"number too far", "5 of us here have been waiting for insulin", "insulin", "medical", nil, "units"},
		{"people count is not a quantity", "200 people need food", "food", "food", nil, "packets"},
		{"sentence boundary", "We are 40. Water is gone", "water", "water", nil, "bottles"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := m.ScanSupplies(tt.text)
			if len(got) != 1 {
				t.Fatalf("got %d mentions (%+v), want 1", len(got), got)
			}
			s := got[0]
			if s.Item != tt.item {
				t.Errorf("item = %q, want %q", s.Item, tt.item)
			}
			if s.Category != tt.category {
				t.Errorf("category = %q, want %q", s.Category, tt.category)
			}
			if !eqInt(s.Quantity, tt.qty) {
				t.Errorf("quantity = %s, want %s", fmtInt(s.Quantity), fmtInt(tt.qty))
			}
			if s.Unit == nil || *s.Unit != tt.unit {
				t.Errorf("unit = %v, want %q", s.Unit, tt.unit)
			}
		})
	}
}

func TestScanSuppliesLongestKeywordWins(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	got := m.ScanSupplies("We need water bottles")
	if len(got) != 1 {
		t.Fatalf("got %d mentions, want 1: %+v", len(got), got)
	}
	if got[0].Item != "water bottle" {
		t.Errorf("item = %q, want water bottle", got[0].Item)
	}
}

func TestScanSuppliesFirstOccurrenceWins(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	got := m.ScanSupplies("20 blankets at the school, and later 30 blankets more")
	if len(got) != 1 {
		t.Fatalf("got %d mentions, want 1", len(got))
	}
	if !eqInt(got[0].Quantity, intp(20)) {
		t.Errorf("quantity = %s, want 20", fmtInt(got[0].Quantity))
	}
}

func TestScanSuppliesCrossDomainClaim(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	scan := m.Scan("We need 20 baby food jars")
	if len(scan.VulnerableGroups) != 0 {
		t.Errorf("baby food must not count as an infant mention: %+v", scan.VulnerableGroups)
	}
	if len(scan.Supplies) != 1 || scan.Supplies[0].Category != "baby" {
		t.Fatalf("supplies = %+v, want one baby mention", scan.Supplies)
	}
}

func TestScanCanonicalReport(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	scan := m.Scan("Need 150 food packets and 200 water bottles for 120 children at Lincoln School")

	if len(scan.Supplies) != 2 {
		t.Fatalf("supplies = %+v, want 2", scan.Supplies)
	}
	if scan.Supplies[0].Category != "food" || !eqInt(scan.Supplies[0].Quantity, intp(150)) {
		t.Errorf("supplies[0] = %+v, want food x150", scan.Supplies[0])
	}
	if scan.Supplies[1].Category != "water" || !eqInt(scan.Supplies[1].Quantity, intp(200)) {
		t.Errorf("supplies[1] = %+v, want water x200", scan.Supplies[1])
	}
	// Items carry the canonical singular keyword, not the plural in the text.
	if scan.Supplies[0].Item != "food packet" || scan.Supplies[1].Item != "water bottle" {
		t.Errorf("items = %q, %q, want food packet, water bottle", scan.Supplies[0].Item, scan.Supplies[1].Item)
	}

	if len(scan.VulnerableGroups) != 1 {
		t.Fatalf("vulnerable = %+v, want 1", scan.VulnerableGroups)
	}
	if g := scan.VulnerableGroups[0]; g.Group != "children" || !eqInt(g.Count, intp(120)) {
		t.Errorf("vulnerable[0] = %+v, want children x120", g)
	}

	if len(scan.Locations) != 1 {
		t.Fatalf("locations = %+v, want 1", scan.Locations)
	}
	loc := scan.Locations[0]
	if loc.Type != "school" {
		t.Errorf("location type = %q, want school", loc.Type)
	}
	if loc.Name == nil || *loc.Name != "Lincoln School" {
		t.Errorf("location name = %v, want Lincoln School", loc.Name)
	}

	if scan.Urgency != taxonomy.UrgencyMedium {
		t.Errorf("urgency = %q, want medium", scan.Urgency)
	}
	if len(scan.UncertainItems) != 0 {
		t.Errorf("uncertain = %v, want none", scan.UncertainItems)
	}
}

func TestScanLocations(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)

	tests := []struct {
		name     string
		text     string
		wantType string
		wantName string
	}{
		{"preceding capitalized run", "Flooding at St. Mary's Church since morning", "religious", "St. Mary's Church"},
		{"following after connector", "Families sleeping in the shelter at Riverside Park", "shelter", "Riverside Park"},
		{"following without connector", "The hospital Mercy General has no power", "hospital", "Mercy General"},
		{"unnamed", "water entered the school", "school", ""},
		{"article dropped", "Send tents to The Community Center", "government", "Community Center"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := m.ScanLocations(tt.text)
			if len(got) != 1 {
				t.Fatalf("got %d locations (%+v), want 1", len(got), got)
			}
			if got[0].Type != tt.wantType {
				t.Errorf("type = %q, want %q", got[0].Type, tt.wantType)
			}
			name := ""
			if got[0].Name != nil {
				name = *got[0].Name
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
		})
	}
}

func TestScanLocationsDedup(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	got := m.ScanLocations("the school is flooded, the school roof is gone")
	if len(got) != 1 {
		t.Errorf("got %d locations, want 1", len(got))
	}
}

func TestScanVulnerableGroups(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	got := m.ScanVulnerableGroups("A 3 month old baby and 4 diabetic patients are stranded")

	byGroup := make(map[string]VulnerableGroupMention)
	for _, g := range got {
		byGroup[g.Group] = g
	}

	infant, ok := byGroup["infant"]
	if !ok {
		t.Fatalf("infant mention missing: %+v", got)
	}
	if infant.Count != nil {
		t.Errorf("infant count = %d, want nil", *infant.Count)
	}
	if infant.SpecialNeeds == nil || *infant.SpecialNeeds != "3 month old" {
		t.Errorf("special needs = %v, want 3 month old", infant.SpecialNeeds)
	}
	if infant.Priority != taxonomy.PriorityCritical {
		t.Errorf("infant priority = %q, want critical", infant.Priority)
	}

	med, ok := byGroup["medical_conditions"]
	if !ok {
		t.Fatalf("medical_conditions mention missing: %+v", got)
	}
	if !eqInt(med.Count, intp(4)) {
		t.Errorf("medical_conditions count = %s, want 4", fmtInt(med.Count))
	}
}

func TestScanVulnerableGroupsSumsCounts(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	got := m.ScanVulnerableGroups("15 children in block A and 20 kids in block B")
	if len(got) != 1 {
		t.Fatalf("got %d groups, want 1: %+v", len(got), got)
	}
	if !eqInt(got[0].Count, intp(35)) {
		t.Errorf("count = %s, want 35", fmtInt(got[0].Count))
	}
}

func TestScanUrgency(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	if got := m.ScanUrgency("URGENT: people trapped"); got != taxonomy.UrgencyCritical {
		t.Errorf("urgency = %q, want critical", got)
	}
	if got := m.ScanUrgency("all calm"); got != taxonomy.UrgencyNone {
		t.Errorf("urgency = %q, want none", got)
	}
}

func TestUncertain(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)

	tests := []struct {
		name string
		text string
		want string
	}{
		{"negation", "We have no water but need blankets", "possible negation: water"},
		{"implausible quantity", "Need 90,000 blankets", "implausible quantity: blanket (90000)"},
		{"implausible count", "60,000 children displaced", "implausible count: children (60000)"},
		{"overflowing quantity", "Need 99999999999999999999 water bottles", "implausible quantity: water bottle (2147483647)"},
		{"max int quantity", "Need 9223372036854775807 blankets", "implausible quantity: blanket (2147483647)"},
		{"out of float range", "Need 1" + strings.Repeat("0", 400) + " blankets", "implausible quantity: blanket (2147483647)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			scan := m.Scan(tt.text)
			found := false
			for _, u := range scan.UncertainItems {
				if u == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("uncertain = %v, want %q", scan.UncertainItems, tt.want)
			}
		})
	}
}

func TestUncertainCleanText(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	if got := m.Scan("Need 40 blankets and 10 tents").UncertainItems; len(got) != 0 {
		t.Errorf("uncertain = %v, want none", got)
	}
}

func TestDecimalQuantities(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)

	tests := []struct {
		text     string
		category string
		qty      int
		unit     string
	}{
		{"Need 1.5 liters of water", "water", 2, "liters"},
		{"Need 2.5 kg rice", "food", 3, "kg"},
		{"Need 2.4 kg of flour", "food", 2, "kg"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got := m.ScanSupplies(tt.text)
			if len(got) != 1 {
				t.Fatalf("supplies = %+v, want 1", got)
			}
			s := got[0]
			if s.Category != tt.category || !eqInt(s.Quantity, intp(tt.qty)) {
				t.Errorf("supply = %s x%v, want %s x%d", s.Category, s.Quantity, tt.category, tt.qty)
			}
			if s.Unit == nil || *s.Unit != tt.unit {
				t.Errorf("unit = %v, want %s", s.Unit, tt.unit)
			}
		})
	}
}

func TestQuantity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     float64
		want   int
		wantOK bool
	}{
		{0, 0, true},
		{12, 12, true},
		{1.5, 2, true},
		{1e20, math.MaxInt32, true},
		{math.Inf(1), math.MaxInt32, true},
		{-3, 0, false},
		{math.NaN(), 0, false},
	}
	for _, tt := range tests {
		got, ok := Quantity(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Quantity(%v) = %d, %v, want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNegationStopsAtClause(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	got := m.Scan("no water, need food").UncertainItems
	if len(got) != 1 || got[0] != "possible negation: water" {
		t.Errorf("uncertain = %v, want only the water negation", got)
	}
}
