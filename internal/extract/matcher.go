package extract

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// MaxPlausibleQuantity is the largest quantity accepted without flagging the
// mention as uncertain.
const MaxPlausibleQuantity = 50000

// maxQuantity caps parsed numbers. Larger values are reported as maxQuantity
// so they still read as implausible.
const maxQuantity = math.MaxInt32

// maxWordsAfterNumber bounds how far a number may sit from the keyword it
// quantifies ("2 vials of insulin").
const maxWordsAfterNumber = 3

var (
	numberRe        = regexp.MustCompile(`\b\d+(?:,\d{3})*(?:\.\d+)?\b`)
	sentenceBreakRe = regexp.MustCompile(`[!?;\n]|\.(?:\s|$)`)
	clauseBreakRe   = regexp.MustCompile(`[,:](?:\s|$)`)
	precedingNameRe = regexp.MustCompile(`(?:^|\s)((?:[A-Z][\w'.-]*[ \t]+){1,3})$`)
	followingNameRe = regexp.MustCompile(`^[ \t]+(?:(?:at|in|near|of|on|called|named)[ \t]+)?([A-Z][\w'.-]*(?:[ \t]+[A-Z][\w'.-]*){0,3})`)
)

var negations = map[string]struct{}{
	"no": {}, "not": {}, "don't": {}, "dont": {}, "doesn't": {}, "without": {}, "never": {}, "enough": {},
}

// Matcher scans free text against a taxonomy. It holds no per-call state
// and is safe for concurrent use.
type Matcher struct {
	tax      *taxonomy.Taxonomy
	patterns []domainPattern
	byWord   map[taxonomy.Domain]map[string]*regexp.Regexp
}

type domainPattern struct {
	domain taxonomy.Domain
	taxonomy.KeywordPattern
}

type hit struct {
	start, end int
	domain     taxonomy.Domain
	keyword    string
	entry      taxonomy.Entry
}

// Scan is everything the matcher read off one text.
type Scan struct {
	Supplies         []SupplyMention
	Locations        []LocationMention
	VulnerableGroups []VulnerableGroupMention
	Urgency          taxonomy.Urgency
	UncertainItems   []string
}

// NewMatcher builds a matcher over tax.
func NewMatcher(tax *taxonomy.Taxonomy) *Matcher {
	m := &Matcher{tax: tax, byWord: make(map[taxonomy.Domain]map[string]*regexp.Regexp)}
	for _, d := range taxonomy.Domains {
		m.byWord[d] = make(map[string]*regexp.Regexp)
		for _, kp := range tax.Keywords(d) {
			m.patterns = append(m.patterns, domainPattern{domain: d, KeywordPattern: kp})
			m.byWord[d][kp.Keyword] = kp.Regex
		}
	}
	// Spans are claimed across all domains, longest keyword first, so
	// "baby food" is a supply and not an infant mention.
	sort.SliceStable(m.patterns, func(i, j int) bool {
		return len(m.patterns[i].Keyword) > len(m.patterns[j].Keyword)
	})
	return m
}

// Scan runs every scan over text.
func (m *Matcher) Scan(text string) Scan {
	hits := m.hits(text)
	s := Scan{
		Supplies:         m.supplies(text, hits),
		Locations:        m.locations(text, hits),
		VulnerableGroups: m.vulnerable(text, hits),
		Urgency:          m.tax.DetectUrgency(text),
	}
	s.UncertainItems = m.Uncertain(text, s.Supplies, s.VulnerableGroups)
	return s
}

// ScanSupplies returns the supply mentions in text.
func (m *Matcher) ScanSupplies(text string) []SupplyMention {
	return m.supplies(text, m.hits(text))
}

// ScanLocations returns the location mentions in text.
func (m *Matcher) ScanLocations(text string) []LocationMention {
	return m.locations(text, m.hits(text))
}

// ScanVulnerableGroups returns the vulnerable group mentions in text.
func (m *Matcher) ScanVulnerableGroups(text string) []VulnerableGroupMention {
	return m.vulnerable(text, m.hits(text))
}

// ScanUrgency returns the highest urgency tier present in text.
func (m *Matcher) ScanUrgency(text string) taxonomy.Urgency {
	return m.tax.DetectUrgency(text)
}

// Uncertain lists the mentions a human should double check: negated
// mentions and implausibly large quantities.
func (m *Matcher) Uncertain(text string, supplies []SupplyMention, vulnerable []VulnerableGroupMention) []string {
	var out []string
	for _, s := range supplies {
		if m.negated(text, taxonomy.DomainSupplies, s.Item) {
			out = append(out, "possible negation: "+s.Item)
		}
	}
	return append(out, Implausible(supplies, vulnerable)...)
}

// Implausible lists quantities and counts above MaxPlausibleQuantity.
func Implausible(supplies []SupplyMention, vulnerable []VulnerableGroupMention) []string {
	var out []string
	for _, s := range supplies {
		if s.Quantity != nil && *s.Quantity > MaxPlausibleQuantity {
			out = append(out, fmt.Sprintf("implausible quantity: %s (%d)", s.Item, *s.Quantity))
		}
	}
	for _, v := range vulnerable {
		if v.Count != nil && *v.Count > MaxPlausibleQuantity {
			out = append(out, fmt.Sprintf("implausible count: %s (%d)", v.Group, *v.Count))
		}
	}
	return out
}

func (m *Matcher) hits(text string) []hit {
	var out []hit
	for _, p := range m.patterns {
		entry := m.tax.Entries(p.domain)[p.Entry]
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			if overlaps(out, loc[0], loc[1]) {
				continue
			}
			out = append(out, hit{start: loc[0], end: loc[1], domain: p.domain, keyword: p.Keyword, entry: entry})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func overlaps(hits []hit, start, end int) bool {
	for _, h := range hits {
		if start < h.end && h.start < end {
			return true
		}
	}
	return false
}

func (m *Matcher) supplies(text string, hits []hit) []SupplyMention {
	var out []SupplyMention
	seen := make(map[string]struct{})
	for i, h := range hits {
		if h.domain != taxonomy.DomainSupplies {
			continue
		}
		if _, dup := seen[h.keyword]; dup {
			continue
		}
		seen[h.keyword] = struct{}{}

		from := 0
		if i > 0 {
			from = hits[i-1].end
		}
		qty, unit := m.quantityBefore(text, from, h.start)
		if unit == "" {
			unit = h.entry.Unit
		}
		out = append(out, SupplyMention{
			Item:     h.keyword,
			Category: h.entry.Subcategory,
			Quantity: qty,
			Unit:     optional(unit),
			Priority: h.entry.Priority,
			Icon:     h.entry.Icon,
		})
	}
	return out
}

// quantityBefore finds the number nearest to the end of text[from:to],
// within the same sentence and no more than a few words from to.
func (m *Matcher) quantityBefore(text string, from, to int) (*int, string) {
	gap := text[from:to]
	if breaks := sentenceBreakRe.FindAllStringIndex(gap, -1); len(breaks) > 0 {
		gap = gap[breaks[len(breaks)-1][1]:]
	}
	nums := numberRe.FindAllStringIndex(gap, -1)
	if len(nums) == 0 {
		return nil, ""
	}
	last := nums[len(nums)-1]
	if len(strings.Fields(gap[last[1]:])) > maxWordsAfterNumber {
		return nil, ""
	}
	tail := gap[last[0]:]
	unit := ""
	for _, p := range m.tax.QuantityPatterns() {
		loc := p.Regex.FindStringIndex(tail)
		if loc == nil || loc[0] != 0 {
			continue
		}
		if p.Kind == taxonomy.KindPopulation {
			// "200 people need food" counts people, not food.
			return nil, ""
		}
		unit = p.ResultType
		break
	}
	n, ok := parseNumber(gap[last[0]:last[1]])
	if !ok {
		return nil, ""
	}
	return &n, unit
}

func (m *Matcher) locations(text string, hits []hit) []LocationMention {
	var out []LocationMention
	seen := make(map[string]struct{})
	for _, h := range hits {
		if h.domain != taxonomy.DomainLocations {
			continue
		}
		name := locationName(text, h)
		key := h.entry.Subcategory + "|"
		if name != nil {
			key += strings.ToLower(*name)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, LocationMention{Type: h.entry.Subcategory, Name: name})
	}
	return out
}

func locationName(text string, h hit) *string {
	written := text[h.start:h.end]
	if isCapitalized(written) {
		if sub := precedingNameRe.FindStringSubmatch(text[:h.start]); sub != nil {
			return optional(cleanName(sub[1] + written))
		}
	}
	if sub := followingNameRe.FindStringSubmatch(text[h.end:]); sub != nil {
		return optional(cleanName(sub[1]))
	}
	return nil
}

func cleanName(s string) string {
	fields := strings.Fields(s)
	for len(fields) > 1 && articles[fields[0]] {
		fields = fields[1:]
	}
	return strings.TrimRight(strings.Join(fields, " "), ".,'-")
}

var articles = map[string]bool{"The": true, "A": true, "An": true}

func isCapitalized(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}

func (m *Matcher) vulnerable(text string, hits []hit) []VulnerableGroupMention {
	var out []VulnerableGroupMention
	index := make(map[string]int)
	for _, h := range hits {
		if h.domain != taxonomy.DomainVulnerable {
			continue
		}
		g := h.entry.Subcategory
		i, ok := index[g]
		if !ok {
			i = len(out)
			index[g] = i
			out = append(out, VulnerableGroupMention{Group: g, Priority: h.entry.Priority})
		}
		if n, found := m.groupCount(text, g, h); found {
			if out[i].Count == nil {
				out[i].Count = new(int)
			}
			*out[i].Count += n
		}
		if out[i].SpecialNeeds == nil {
			out[i].SpecialNeeds = m.specialNeeds(sentenceAround(text, h.start, h.end))
		}
	}
	return out
}

func (m *Matcher) groupCount(text, group string, h hit) (int, bool) {
	for _, p := range m.tax.QuantityPatterns() {
		if p.Kind != taxonomy.KindPopulation || p.ResultType != group {
			continue
		}
		for _, loc := range p.Regex.FindAllStringSubmatchIndex(text, -1) {
			if loc[0] <= h.start && loc[1] >= h.end && loc[2] >= 0 {
				return parseNumber(text[loc[2]:loc[3]])
			}
		}
	}
	return 0, false
}

func (m *Matcher) specialNeeds(sentence string) *string {
	for _, re := range m.tax.SpecialNeedsPatterns() {
		if frag := re.FindString(sentence); frag != "" {
			return optional(strings.ToLower(strings.Join(strings.Fields(frag), " ")))
		}
	}
	return nil
}

func sentenceAround(text string, start, end int) string {
	from := 0
	if breaks := sentenceBreakRe.FindAllStringIndex(text[:start], -1); len(breaks) > 0 {
		from = breaks[len(breaks)-1][1]
	}
	to := len(text)
	if loc := sentenceBreakRe.FindStringIndex(text[end:]); loc != nil {
		to = end + loc[0]
	}
	return text[from:to]
}

// negated reports whether a negation word sits within the three words
// before the first occurrence of keyword, inside the same clause.
func (m *Matcher) negated(text string, d taxonomy.Domain, keyword string) bool {
	re, ok := m.byWord[d][keyword]
	if !ok {
		return false
	}
	loc := re.FindStringIndex(text)
	if loc == nil {
		return false
	}
	before := text[:loc[0]]
	if breaks := sentenceBreakRe.FindAllStringIndex(before, -1); len(breaks) > 0 {
		before = before[breaks[len(breaks)-1][1]:]
	}
	if breaks := clauseBreakRe.FindAllStringIndex(before, -1); len(breaks) > 0 {
		before = before[breaks[len(breaks)-1][1]:]
	}
	words := strings.Fields(strings.ToLower(before))
	if len(words) > maxWordsAfterNumber {
		words = words[len(words)-maxWordsAfterNumber:]
	}
	for _, w := range words {
		if _, neg := negations[strings.Trim(w, ",:\"()")]; neg {
			return true
		}
	}
	return false
}

func parseNumber(s string) (int, bool) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	return Quantity(f)
}

// Quantity converts a parsed amount to a whole quantity. Fractions round to
// the nearest integer and values beyond maxQuantity are capped. Negative and
// NaN amounts are rejected.
func Quantity(f float64) (int, bool) {
	if math.IsNaN(f) || f < 0 {
		return 0, false
	}
	if f > maxQuantity {
		return maxQuantity, true
	}
	return int(math.Round(f)), true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
