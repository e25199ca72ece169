package taxonomy

import "strings"

// Classifier resolves a free-form candidate against the entries of one domain.
type Classifier interface {
	Classify(entries []Entry, candidate string) (Match, bool)
}

// FirstMatch returns the first entry, in declaration order, holding a
// keyword that contains the candidate or is contained in it. Ambiguous
// candidates resolve to whichever entry is declared first.
type FirstMatch struct{}

func (FirstMatch) Classify(entries []Entry, candidate string) (Match, bool) {
	c := strings.ToLower(strings.Join(strings.Fields(candidate), " "))
	if c == "" {
		return NoCategory, false
	}
	for _, e := range entries {
		for _, kw := range e.Keywords {
			if strings.Contains(c, kw) || strings.Contains(kw, c) {
				return e.match(), true
			}
		}
	}
	return NoCategory, false
}
