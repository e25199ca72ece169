package taxonomy

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomy string

// Domain names one of the taxonomy's keyword families.
type Domain string

const (
	DomainSupplies   Domain = "supplies"
	DomainLocations  Domain = "locations"
	DomainVulnerable Domain = "vulnerable_groups"
)

// Domains lists every domain in declaration order.
var Domains = []Domain{DomainSupplies, DomainLocations, DomainVulnerable}

// Priority is the relief priority of a subcategory.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities for sorting; lower ranks sort first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool { return p.Rank() < 4 }

// Urgency is the detected urgency tier of a free-text report.
type Urgency string

const (
	UrgencyNone     Urgency = "none"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Tier maps urgency onto 0 (none) .. 3 (critical).
func (u Urgency) Tier() int {
	switch u {
	case UrgencyCritical:
		return 3
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 1
	default:
		return 0
	}
}

// urgencyOrder is the detection order: the highest tier wins.
var urgencyOrder = []Urgency{UrgencyCritical, UrgencyHigh, UrgencyMedium}

// Uncategorized is the subcategory reported when classification finds nothing.
const Uncategorized = "uncategorized"

// NoCategory is the sentinel match returned alongside ok=false.
var NoCategory = Match{Subcategory: Uncategorized, Priority: PriorityLow}

// Entry is one subcategory inside a domain.
type Entry struct {
	Domain      Domain   `yaml:"-"`
	Subcategory string   `yaml:"subcategory"`
	Priority    Priority `yaml:"priority"`
	Icon        string   `yaml:"icon"`
	Unit        string   `yaml:"unit,omitempty"`
	Keywords    []string `yaml:"keywords"`
}

// Match is the classification of a keyword or free-form candidate.
type Match struct {
	Subcategory string
	Priority    Priority
	Icon        string
	Unit        string
}

func (e Entry) match() Match {
	return Match{Subcategory: e.Subcategory, Priority: e.Priority, Icon: e.Icon, Unit: e.Unit}
}

// PatternKind separates unit patterns from people-count patterns.
type PatternKind string

const (
	KindUnit       PatternKind = "unit"
	KindPopulation PatternKind = "population"
)

// QuantityPattern is a compiled quantity regex. The first capture group is
// the number; ResultType is the unit or the group the count belongs to.
type QuantityPattern struct {
	Regex      *regexp.Regexp
	ResultType string
	Kind       PatternKind
}

// KeywordPattern is a compiled keyword of a domain entry.
type KeywordPattern struct {
	Keyword string
	Entry   int
	Regex   *regexp.Regexp
}

// Taxonomy is the immutable keyword store. Safe for concurrent use.
type Taxonomy struct {
	entries      map[Domain][]Entry
	keywords     map[Domain][]KeywordPattern
	quantities   []QuantityPattern
	specialNeeds []*regexp.Regexp
	urgency      map[Urgency][]string
	urgencyRe    map[Urgency]*regexp.Regexp
	classifier   Classifier
}

type document struct {
	Supplies         []Entry             `yaml:"supplies"`
	Locations        []Entry             `yaml:"locations"`
	VulnerableGroups []Entry             `yaml:"vulnerable_groups"`
	QuantityPatterns []patternDoc        `yaml:"quantity_patterns"`
	SpecialNeeds     []string            `yaml:"special_needs"`
	Urgency          map[string][]string `yaml:"urgency"`
}

type patternDoc struct {
	Pattern string      `yaml:"pattern"`
	Type    string      `yaml:"type"`
	Kind    PatternKind `yaml:"kind"`
}

var (
	defaultOnce = sync.OnceValues(func() (*Taxonomy, error) {
		return Load(strings.NewReader(defaultTaxonomy))
	})
)

// Default returns the embedded taxonomy, parsed once.
func Default() (*Taxonomy, error) {
	return defaultOnce()
}

// MustDefault is Default for callers that treat a broken embedded file as fatal.
func MustDefault() *Taxonomy {
	t, err := Default()
	if err != nil {
		panic(fmt.Sprintf("taxonomy: embedded taxonomy: %v", err))
	}
	return t
}

// LoadFile loads the taxonomy at path, or the embedded one when path is
// empty.
func LoadFile(path string) (*Taxonomy, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path) //nolint:gosec // path is operator config
	if err != nil {
		return nil, fmt.Errorf("taxonomy: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load parses and validates a YAML taxonomy document.
func Load(r io.Reader) (*Taxonomy, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("taxonomy: decode: %w", err)
	}

	t := &Taxonomy{
		entries: map[Domain][]Entry{
			DomainSupplies:   normalizeEntries(DomainSupplies, doc.Supplies),
			DomainLocations:  normalizeEntries(DomainLocations, doc.Locations),
			DomainVulnerable: normalizeEntries(DomainVulnerable, doc.VulnerableGroups),
		},
		keywords:   make(map[Domain][]KeywordPattern, len(Domains)),
		urgency:    make(map[Urgency][]string, len(urgencyOrder)),
		urgencyRe:  make(map[Urgency]*regexp.Regexp, len(urgencyOrder)),
		classifier: FirstMatch{},
	}

	var errs []error
	for _, d := range Domains {
		if len(t.entries[d]) == 0 {
			errs = append(errs, fmt.Errorf("%s: no entries", d))
		}
		for i, e := range t.entries[d] {
			if e.Subcategory == "" {
				errs = append(errs, fmt.Errorf("%s[%d]: subcategory is required", d, i))
			}
			if !e.Priority.Valid() {
				errs = append(errs, fmt.Errorf("%s/%s: invalid priority %q", d, e.Subcategory, e.Priority))
			}
			if len(e.Keywords) == 0 {
				errs = append(errs, fmt.Errorf("%s/%s: no keywords", d, e.Subcategory))
			}
			for _, kw := range e.Keywords {
				t.keywords[d] = append(t.keywords[d], KeywordPattern{Keyword: kw, Entry: i, Regex: KeywordRegex(kw)})
			}
		}
		// Longest keyword first so "water bottle" claims its span before "water".
		sort.SliceStable(t.keywords[d], func(i, j int) bool {
			return len(t.keywords[d][i].Keyword) > len(t.keywords[d][j].Keyword)
		})
	}

	for i, p := range doc.QuantityPatterns {
		re, err := regexp.Compile(`(?i)` + p.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("quantity_patterns[%d]: %w", i, err))
			continue
		}
		if re.NumSubexp() < 1 {
			errs = append(errs, fmt.Errorf("quantity_patterns[%d]: pattern needs a capture group", i))
			continue
		}
		kind := p.Kind
		if kind == "" {
			kind = KindUnit
		}
		if kind != KindUnit && kind != KindPopulation {
			errs = append(errs, fmt.Errorf("quantity_patterns[%d]: unknown kind %q", i, p.Kind))
			continue
		}
		t.quantities = append(t.quantities, QuantityPattern{Regex: re, ResultType: p.Type, Kind: kind})
	}
	for _, e := range t.entries[DomainVulnerable] {
		if len(e.Keywords) == 0 {
			continue
		}
		t.quantities = append(t.quantities, QuantityPattern{
			Regex:      groupCountRegex(e.Keywords),
			ResultType: e.Subcategory,
			Kind:       KindPopulation,
		})
	}

	for i, p := range doc.SpecialNeeds {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			errs = append(errs, fmt.Errorf("special_needs[%d]: %w", i, err))
			continue
		}
		t.specialNeeds = append(t.specialNeeds, re)
	}

	for name, words := range doc.Urgency {
		u := Urgency(strings.ToLower(name))
		if u.Tier() == 0 {
			errs = append(errs, fmt.Errorf("urgency: unknown tier %q", name))
			continue
		}
		words = normalizeKeywords(words)
		if len(words) == 0 {
			continue
		}
		t.urgency[u] = words
		t.urgencyRe[u] = alternationRegex(words)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("taxonomy: invalid: %w", err)
	}
	return t, nil
}

// WithClassifier returns a copy of t that classifies with c.
func (t *Taxonomy) WithClassifier(c Classifier) *Taxonomy {
	cp := *t
	if c == nil {
		c = FirstMatch{}
	}
	cp.classifier = c
	return &cp
}

// Entries returns the entries of a domain in declaration order.
func (t *Taxonomy) Entries(d Domain) []Entry {
	return t.entries[d]
}

// Entry returns the entry with the given subcategory.
func (t *Taxonomy) Entry(d Domain, subcategory string) (Entry, bool) {
	for _, e := range t.entries[d] {
		if e.Subcategory == subcategory {
			return e, true
		}
	}
	return Entry{}, false
}

// Keywords returns the compiled keywords of a domain, longest first.
func (t *Taxonomy) Keywords(d Domain) []KeywordPattern {
	return t.keywords[d]
}

// AllKeywords returns every keyword of a domain in declaration order.
func (t *Taxonomy) AllKeywords(d Domain) []string {
	var out []string
	for _, e := range t.entries[d] {
		out = append(out, e.Keywords...)
	}
	return out
}

// QuantityPatterns returns the declared patterns followed by the group-count
// patterns derived from the vulnerable group keywords.
func (t *Taxonomy) QuantityPatterns() []QuantityPattern {
	return t.quantities
}

// SpecialNeedsPatterns returns the phrases captured as special needs.
func (t *Taxonomy) SpecialNeedsPatterns() []*regexp.Regexp {
	return t.specialNeeds
}

// UrgencyIndicators returns the indicator words of a tier.
func (t *Taxonomy) UrgencyIndicators(u Urgency) []string {
	return t.urgency[u]
}

// DetectUrgency returns the highest tier with an indicator present in text.
func (t *Taxonomy) DetectUrgency(text string) Urgency {
	for _, u := range urgencyOrder {
		if re, ok := t.urgencyRe[u]; ok && re.MatchString(text) {
			return u
		}
	}
	return UrgencyNone
}

// Classify maps a candidate onto a subcategory of the domain.
func (t *Taxonomy) Classify(candidate string, d Domain) (Match, bool) {
	return t.classifier.Classify(t.entries[d], candidate)
}

// Summary renders the domains for inclusion in an LLM prompt.
func (t *Taxonomy) Summary() string {
	var b strings.Builder
	for _, d := range Domains {
		fmt.Fprintf(&b, "%s:\n", d)
		for _, e := range t.entries[d] {
			fmt.Fprintf(&b, "  - %s (%s): %s\n", e.Subcategory, e.Priority, strings.Join(e.Keywords, ", "))
		}
	}
	return b.String()
}

// KeywordRegex matches kw on word boundaries with an optional plural suffix.
func KeywordRegex(kw string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + phrase(kw) + `(?:s|es)?\b`)
}

func alternationRegex(words []string) *regexp.Regexp {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = phrase(w)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)(?:s|es)?\b`)
}

func groupCountRegex(keywords []string) *regexp.Regexp {
	parts := make([]string, len(keywords))
	for i, w := range keywords {
		parts[i] = phrase(w)
	}
	return regexp.MustCompile(`(?i)(\d[\d,]*)\s+(?:[a-z-]+\s+)?(?:` + strings.Join(parts, "|") + `)(?:s|es)?\b`)
}

// phrase quotes kw and lets any run of whitespace separate its words.
func phrase(kw string) string {
	fields := strings.Fields(kw)
	for i, f := range fields {
		fields[i] = regexp.QuoteMeta(f)
	}
	return strings.Join(fields, `\s+`)
}

func normalizeEntries(d Domain, in []Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		e.Domain = d
		e.Subcategory = strings.TrimSpace(e.Subcategory)
		e.Priority = Priority(strings.ToLower(strings.TrimSpace(string(e.Priority))))
		e.Keywords = normalizeKeywords(e.Keywords)
		out[i] = e
	}
	return out
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, kw := range in {
		kw = strings.ToLower(strings.Join(strings.Fields(kw), " "))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
