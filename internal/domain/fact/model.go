package fact

import (
	"strings"
	"time"
)

// Category classifies a clinical statement extracted from the conversation.
type Category string

const (
	CategorySymptom    Category = "symptom"
	CategoryFinding    Category = "finding"
	CategoryMedication Category = "medication"
	CategoryAllergy    Category = "allergy"
	CategoryHistory    Category = "history"
	CategoryRedFlag    Category = "red_flag"
)

var validCategories = map[Category]bool{
	CategorySymptom: true, CategoryFinding: true, CategoryMedication: true,
	CategoryAllergy: true, CategoryHistory: true, CategoryRedFlag: true,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return validCategories[c]
}

// Categories returns all known categories in a fixed order.
func Categories() []Category {
	return []Category{
		CategorySymptom, CategoryFinding, CategoryMedication,
		CategoryAllergy, CategoryHistory, CategoryRedFlag,
	}
}

// Polarity records whether a statement was asserted, denied or left open.
type Polarity string

const (
	PolarityAffirmed  Polarity = "affirmed"
	PolarityNegated   Polarity = "negated"
	PolarityUncertain Polarity = "uncertain"
)

var validPolarities = map[Polarity]bool{
	PolarityAffirmed: true, PolarityNegated: true, PolarityUncertain: true,
}

// Valid reports whether p is one of the known polarities.
func (p Polarity) Valid() bool {
	return validPolarities[p]
}

// Key is the identity of a fact within an encounter.
type Key struct {
	EncounterID string   `json:"encounter_id"`
	Category    Category `json:"category"`
	Code        string   `json:"code"`
}

func (k Key) String() string {
	return k.EncounterID + "/" + string(k.Category) + "/" + k.Code
}

// ClinicalFact is a normalized, immutable clinical statement.
type ClinicalFact struct {
	ID              string    `json:"id"`
	EncounterID     string    `json:"encounter_id"`
	Category        Category  `json:"category"`
	Text            string    `json:"text"`
	NormalizedCode  string    `json:"normalized_code"`
	Polarity        Polarity  `json:"polarity"`
	Confidence      float64   `json:"confidence"`
	SourceTimestamp time.Time `json:"source_timestamp"`
	SequenceNumber  uint64    `json:"sequence_number"`
}

// CanonicalEncounterID returns the form of an encounter id used for routing,
// fact keys and panel boards.
func CanonicalEncounterID(id string) string {
	return strings.TrimSpace(id)
}

// Key returns the supersession identity of the fact.
func (f ClinicalFact) Key() Key {
	return Key{EncounterID: f.EncounterID, Category: f.Category, Code: f.NormalizedCode}
}

// Affirmed reports whether the fact asserts its statement.
func (f ClinicalFact) Affirmed() bool {
	return f.Polarity == PolarityAffirmed
}

// Event is a fact as emitted by the upstream NLP and negation tagger.
type Event struct {
	EncounterID        string    `json:"encounter_id"`
	Category           Category  `json:"category"`
	Text               string    `json:"text"`
	NormalizedCodeHint string    `json:"normalized_code_hint,omitempty"`
	Polarity           Polarity  `json:"polarity"`
	Confidence         float64   `json:"confidence"`
	Timestamp          time.Time `json:"timestamp"`
	SequenceNumber     *uint64   `json:"sequence_number,omitempty"`
}

// LifecycleKind distinguishes encounter start from encounter end.
type LifecycleKind string

const (
	LifecycleStart LifecycleKind = "start"
	LifecycleEnd   LifecycleKind = "end"
)

// LifecycleEvent is emitted by the session layer when an encounter opens or closes.
type LifecycleEvent struct {
	EncounterID string        `json:"encounter_id"`
	Kind        LifecycleKind `json:"kind"`
}
