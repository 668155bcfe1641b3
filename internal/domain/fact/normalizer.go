package fact

import (
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// factNamespace seeds the name-based fact ids so a replayed event maps to the
// same id.
var factNamespace = uuid.MustParse("6f1c2a9e-3b7d-4f0a-9c55-2d8e1b4a7c10")

// Normalizer validates fact events and canonicalizes their text to codes.
// It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	vocab *Vocabulary
}

// NewNormalizer returns a normalizer backed by vocab.
func NewNormalizer(vocab *Vocabulary) *Normalizer {
	return &Normalizer{vocab: vocab}
}

// Normalize turns an event into a ClinicalFact or returns a *ValidationError.
func (n *Normalizer) Normalize(ev Event) (ClinicalFact, error) {
	encounterID := CanonicalEncounterID(ev.EncounterID)
	if encounterID == "" {
		return ClinicalFact{}, invalid("encounter_id", "is required")
	}
	if !ev.Category.Valid() {
		return ClinicalFact{}, invalid("category", "%q is not a known category", ev.Category)
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return ClinicalFact{}, invalid("text", "is required")
	}
	if math.IsNaN(ev.Confidence) || ev.Confidence < 0 || ev.Confidence > 1 {
		return ClinicalFact{}, invalid("confidence", "%v is outside [0,1]", ev.Confidence)
	}
	polarity := ev.Polarity
	if polarity == "" {
		polarity = PolarityAffirmed
	}
	if !polarity.Valid() {
		return ClinicalFact{}, invalid("polarity", "%q is not a known polarity", ev.Polarity)
	}
	if ev.SequenceNumber == nil {
		return ClinicalFact{}, invalid("sequence_number", "is required")
	}

	code := n.code(ev.Category, text, ev.NormalizedCodeHint)
	seq := *ev.SequenceNumber

	return ClinicalFact{
		ID:              factID(encounterID, ev.Category, code, seq),
		EncounterID:     encounterID,
		Category:        ev.Category,
		Text:            text,
		NormalizedCode:  code,
		Polarity:        polarity,
		Confidence:      ev.Confidence,
		SourceTimestamp: ev.Timestamp,
		SequenceNumber:  seq,
	}, nil
}

func (n *Normalizer) code(cat Category, text, hint string) string {
	if hint = strings.TrimSpace(strings.ToLower(hint)); hint != "" && n.vocab.HasCode(cat, hint) {
		return hint
	}
	normalized := NormalizeText(text)
	if code, ok := n.vocab.Lookup(cat, normalized); ok {
		return code
	}
	if normalized == "" {
		normalized = strings.ToLower(text)
	}
	return string(cat) + ":" + normalized
}

func factID(encounterID string, cat Category, code string, seq uint64) string {
	name := encounterID + "/" + string(cat) + "/" + code + "/" + strconv.FormatUint(seq, 10)
	return uuid.NewSHA1(factNamespace, []byte(name)).String()
}
