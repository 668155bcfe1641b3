package fact

// Resolution is the verdict for one incoming fact against the current set.
type Resolution struct {
	Fact     ClinicalFact
	Outcome  Outcome
	Previous *ClinicalFact
}

// Resolve arbitrates an incoming fact against the facts already known for the
// encounter. The higher sequence number wins outright, whatever the polarities
// involved; contradictory polarities are never blended. Confidence always
// comes from the incoming fact. Resolve does not modify set.
func Resolve(f ClinicalFact, set *Set) Resolution {
	prev, ok := set.Get(f.Key())
	if !ok {
		return Resolution{Fact: f, Outcome: OutcomeAccepted}
	}
	res := Resolution{Fact: f, Previous: &prev}
	switch {
	case f.SequenceNumber > prev.SequenceNumber:
		res.Outcome = OutcomeSuperseded
	case f.SequenceNumber == prev.SequenceNumber:
		res.Outcome = OutcomeDuplicate
	default:
		res.Outcome = OutcomeStale
	}
	return res
}

// PolarityFlipped reports whether the resolution replaces a fact of the
// opposite or a different polarity.
func (r Resolution) PolarityFlipped() bool {
	return r.Outcome == OutcomeSuperseded && r.Previous != nil && r.Previous.Polarity != r.Fact.Polarity
}
