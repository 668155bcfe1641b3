package rules

import (
	"github.com/ehr/livepanels/internal/domain/fact"
)

// PredicateDefinition names a fact by category and canonical code.
type PredicateDefinition struct {
	Category fact.Category `yaml:"category" json:"category"`
	Code     string        `yaml:"code" json:"code"`
}

// DiscriminatorDefinition is a fact whose presence or absence helps confirm or
// rule out a hypothesis.
type DiscriminatorDefinition struct {
	Fact      PredicateDefinition `yaml:"fact" json:"fact"`
	Question  string              `yaml:"question" json:"question"`
	Rationale string              `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// ActionDefinition is a management action with its rationale.
type ActionDefinition struct {
	Action    string `yaml:"action" json:"action"`
	Rationale string `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// RuleDefinition is the declarative, serialized form of a rule. It is stored
// as YAML in the embedded table and as JSONB in the clinical_rule table.
type RuleDefinition struct {
	ID             string                    `yaml:"id" json:"id"`
	Label          string                    `yaml:"label" json:"label"`
	BaseConfidence *float64                  `yaml:"base_confidence" json:"base_confidence"`
	Required       []PredicateDefinition     `yaml:"required" json:"required"`
	Excluded       []PredicateDefinition     `yaml:"excluded,omitempty" json:"excluded,omitempty"`
	Discriminating []DiscriminatorDefinition `yaml:"discriminating,omitempty" json:"discriminating,omitempty"`
	Management     []ActionDefinition        `yaml:"management,omitempty" json:"management,omitempty"`

	// decodeErr is set when the stored form of the rule could not be read.
	decodeErr error
}

// ScreeningDefinition asks about a category nobody has mentioned yet.
type ScreeningDefinition struct {
	Category  fact.Category `yaml:"category" json:"category"`
	Question  string        `yaml:"question" json:"question"`
	Rationale string        `yaml:"rationale,omitempty" json:"rationale,omitempty"`
}

// TableDefinition is the full rule table document.
type TableDefinition struct {
	Rules          []RuleDefinition            `yaml:"rules"`
	RedFlagActions map[string]ActionDefinition `yaml:"red_flag_actions"`
	Screening      []ScreeningDefinition       `yaml:"screening"`
	Fallback       *ActionDefinition           `yaml:"fallback"`
	FollowUp       *ActionDefinition           `yaml:"follow_up"`
}

// Predicate is a compiled PredicateDefinition.
type Predicate struct {
	Category fact.Category
	Code     string
}

// Discriminator is a compiled DiscriminatorDefinition.
type Discriminator struct {
	Fact      Predicate
	Question  string
	Rationale string
}

// Rule is a validated rule ready for evaluation.
type Rule struct {
	ID             string
	Label          string
	BaseConfidence float64
	Required       []Predicate
	Excluded       []Predicate
	Discriminating []Discriminator
	Management     []ActionDefinition
}

// Specificity is the number of required predicates.
func (r Rule) Specificity() int {
	return len(r.Required)
}

// DiagnosticHypothesis is a fired rule.
type DiagnosticHypothesis struct {
	RuleID            string   `json:"rule_id"`
	Label             string   `json:"label"`
	SupportingFactIDs []string `json:"supporting_fact_ids"`
	Confidence        float64  `json:"confidence"`
	Rank              int      `json:"rank"`
}

// InformationGap is a question worth asking next.
type InformationGap struct {
	Question          string   `json:"question"`
	Rationale         string   `json:"rationale"`
	TriggeringFactIDs []string `json:"triggering_fact_ids,omitempty"`
}

// ManagementSuggestion is one line of the management panel. Priority is the
// 1-based position in the panel; Urgent marks red-flag suggestions.
type ManagementSuggestion struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
	Priority  int    `json:"priority"`
	Urgent    bool   `json:"urgent"`
}

// Evaluation is the engine output for one fact set.
type Evaluation struct {
	Summary    string                 `json:"syndromic_summary"`
	Hypotheses []DiagnosticHypothesis `json:"hypotheses"`
	Gaps       []InformationGap       `json:"gaps"`
	Management []ManagementSuggestion `json:"management"`
}
