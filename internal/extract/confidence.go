package extract

import "math"

// Default thresholds.
const (
	DefaultReviewThreshold      = 0.5
	DefaultAutoApproveThreshold = 0.85
)

const maxCountedHits = 5

// Confidence scores how much of a report the keyword scan understood. It
// grows with the number of distinct categories found, with the share of
// mentions that carry a quantity, and with urgency.
func Confidence(scan Scan) float64 {
	tier := float64(scan.Urgency.Tier())

	hits := distinctSupplyCategories(scan.Supplies) + distinctGroups(scan.VulnerableGroups) + distinctLocationTypes(scan.Locations)
	if hits == 0 {
		return round2(clamp(0.10 + 0.04*tier))
	}

	quantifiable := len(scan.Supplies) + len(scan.VulnerableGroups)
	resolved := 0
	for _, s := range scan.Supplies {
		if s.Quantity != nil {
			resolved++
		}
	}
	for _, v := range scan.VulnerableGroups {
		if v.Count != nil {
			resolved++
		}
	}

	c := 0.30 + 0.08*float64(min(hits, maxCountedHits)) + 0.03*tier
	if quantifiable > 0 {
		c += 0.20 * float64(resolved) / float64(quantifiable)
	}
	return round2(clamp(c))
}

func distinctSupplyCategories(s []SupplyMention) int {
	seen := make(map[string]struct{}, len(s))
	for _, m := range s {
		seen[m.Category] = struct{}{}
	}
	return len(seen)
}

func distinctGroups(v []VulnerableGroupMention) int {
	seen := make(map[string]struct{}, len(v))
	for _, m := range v {
		seen[m.Group] = struct{}{}
	}
	return len(seen)
}

func distinctLocationTypes(l []LocationMention) int {
	seen := make(map[string]struct{}, len(l))
	for _, m := range l {
		seen[m.Type] = struct{}{}
	}
	return len(seen)
}

func clamp(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}

func round2(c float64) float64 {
	return math.Round(c*100) / 100
}
