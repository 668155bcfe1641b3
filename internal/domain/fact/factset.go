package fact

import "sort"

// Set holds the latest surviving fact per key for one encounter. It is owned
// by a single encounter pipeline and is not safe for concurrent mutation.
type Set struct {
	encounterID string
	facts       map[Key]ClinicalFact
}

// NewSet returns an empty fact set for the encounter.
func NewSet(encounterID string) *Set {
	return &Set{encounterID: encounterID, facts: make(map[Key]ClinicalFact)}
}

// EncounterID returns the encounter the set belongs to.
func (s *Set) EncounterID() string {
	return s.encounterID
}

// Len returns the number of surviving facts.
func (s *Set) Len() int {
	return len(s.facts)
}

// Get returns the surviving fact for key.
func (s *Set) Get(k Key) (ClinicalFact, bool) {
	f, ok := s.facts[k]
	return f, ok
}

// Lookup returns the surviving fact for a category and code in this encounter.
func (s *Set) Lookup(cat Category, code string) (ClinicalFact, bool) {
	return s.Get(Key{EncounterID: s.encounterID, Category: cat, Code: code})
}

// Apply commits a resolution. It returns true when the set changed.
func (s *Set) Apply(r Resolution) bool {
	if !r.Outcome.Changed() {
		return false
	}
	s.facts[r.Fact.Key()] = r.Fact
	return true
}

// Facts returns the surviving facts ordered by sequence number, then category
// and code. The order depends only on the contents of the set.
func (s *Set) Facts() []ClinicalFact {
	out := make([]ClinicalFact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.NormalizedCode < b.NormalizedCode
	})
	return out
}

// ByCategory returns the surviving facts of one category, in Facts order.
func (s *Set) ByCategory(cat Category) []ClinicalFact {
	var out []ClinicalFact
	for _, f := range s.Facts() {
		if f.Category == cat {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	c := NewSet(s.encounterID)
	for k, f := range s.facts {
		c.facts[k] = f
	}
	return c
}
