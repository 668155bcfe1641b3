package rules

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultTableYAML []byte

// Table is a compiled, read-only rule table. It is shared by every encounter
// pipeline without locking.
type Table struct {
	rules          []Rule
	redFlagActions map[string]ActionDefinition
	screening      []ScreeningDefinition
	fallback       *ActionDefinition
	followUp       *ActionDefinition
}

// Rules returns the compiled rules in definition order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len returns the number of compiled rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// ParseTable decodes a YAML rule table document.
func ParseTable(data []byte) (TableDefinition, error) {
	var def TableDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return TableDefinition{}, fmt.Errorf("parse rule table: %w", err)
	}
	return def, nil
}

// DefaultDefinition returns the embedded rule table document.
func DefaultDefinition() (TableDefinition, error) {
	return ParseTable(defaultTableYAML)
}

// ReadFile reads a YAML rule table document from disk.
func ReadFile(path string) (TableDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TableDefinition{}, fmt.Errorf("read rule table %s: %w", path, err)
	}
	return ParseTable(data)
}

// Compile validates every entry of def. Invalid entries are dropped and
// reported as *RuleConfigError diagnostics; compilation goes on with the
// remaining entries. ErrNoValidRules is returned only when no rule survives.
func Compile(def TableDefinition, logger zerolog.Logger) (*Table, []*RuleConfigError, error) {
	var diags []*RuleConfigError
	t := &Table{
		redFlagActions: make(map[string]ActionDefinition),
		fallback:       def.Fallback,
		followUp:       def.FollowUp,
	}

	seen := make(map[string]bool)
	for i, rd := range def.Rules {
		rule, err := compileRule(i, rd)
		if err == nil && seen[rule.ID] {
			err = &RuleConfigError{RuleID: rd.ID, Index: i, Reason: "duplicate rule id"}
		}
		if err != nil {
			diags = append(diags, err)
			continue
		}
		seen[rule.ID] = true
		t.rules = append(t.rules, rule)
	}

	codes := make([]string, 0, len(def.RedFlagActions))
	for code := range def.RedFlagActions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		a := def.RedFlagActions[code]
		if strings.TrimSpace(a.Action) == "" {
			diags = append(diags, &RuleConfigError{RuleID: "red_flag_actions." + code, Reason: "action is required"})
			continue
		}
		t.redFlagActions[code] = a
	}

	for i, s := range def.Screening {
		if !s.Category.Valid() || strings.TrimSpace(s.Question) == "" {
			diags = append(diags, &RuleConfigError{RuleID: "screening", Index: i, Reason: "category and question are required"})
			continue
		}
		t.screening = append(t.screening, s)
	}

	for _, d := range diags {
		logger.Error().Str("rule_id", d.RuleID).Int("index", d.Index).Str("reason", d.Reason).Msg("rule rejected")
	}

	if len(t.rules) == 0 {
		return nil, diags, ErrNoValidRules
	}
	logger.Info().Int("rules", len(t.rules)).Int("rejected", len(diags)).Msg("rule table loaded")
	return t, diags, nil
}

// DefaultTable compiles the embedded rule table.
func DefaultTable(logger zerolog.Logger) (*Table, []*RuleConfigError, error) {
	def, err := DefaultDefinition()
	if err != nil {
		return nil, nil, err
	}
	return Compile(def, logger)
}

func compileRule(i int, rd RuleDefinition) (Rule, *RuleConfigError) {
	fail := func(format string, args ...interface{}) (Rule, *RuleConfigError) {
		return Rule{}, &RuleConfigError{RuleID: rd.ID, Index: i, Reason: fmt.Sprintf(format, args...)}
	}

	if rd.decodeErr != nil {
		return fail("undecodable definition: %v", rd.decodeErr)
	}

	if strings.TrimSpace(rd.ID) == "" {
		return fail("id is required")
	}
	if strings.TrimSpace(rd.Label) == "" {
		return fail("label is required")
	}
	if rd.BaseConfidence == nil {
		return fail("base_confidence is required")
	}
	if c := *rd.BaseConfidence; !(c > 0 && c <= 1) {
		return fail("base_confidence %v is outside (0,1]", c)
	}
	if len(rd.Required) == 0 {
		return fail("at least one required predicate is needed")
	}

	r := Rule{ID: rd.ID, Label: rd.Label, BaseConfidence: *rd.BaseConfidence}

	required := make(map[Predicate]bool)
	for _, pd := range rd.Required {
		p, err := compilePredicate(pd)
		if err != "" {
			return fail("required: %s", err)
		}
		if required[p] {
			return fail("required: duplicate predicate %s/%s", p.Category, p.Code)
		}
		required[p] = true
		r.Required = append(r.Required, p)
	}
	for _, pd := range rd.Excluded {
		p, err := compilePredicate(pd)
		if err != "" {
			return fail("excluded: %s", err)
		}
		if required[p] {
			return fail("excluded: %s/%s is also required, rule can never fire", p.Category, p.Code)
		}
		r.Excluded = append(r.Excluded, p)
	}
	for _, dd := range rd.Discriminating {
		p, err := compilePredicate(dd.Fact)
		if err != "" {
			return fail("discriminating: %s", err)
		}
		if strings.TrimSpace(dd.Question) == "" {
			return fail("discriminating: question is required for %s/%s", p.Category, p.Code)
		}
		r.Discriminating = append(r.Discriminating, Discriminator{Fact: p, Question: dd.Question, Rationale: dd.Rationale})
	}
	for _, a := range rd.Management {
		if strings.TrimSpace(a.Action) == "" {
			return fail("management: action is required")
		}
		r.Management = append(r.Management, a)
	}
	return r, nil
}

func compilePredicate(pd PredicateDefinition) (Predicate, string) {
	if !pd.Category.Valid() {
		return Predicate{}, fmt.Sprintf("unknown category %q", pd.Category)
	}
	if strings.TrimSpace(pd.Code) == "" {
		return Predicate{}, "code is required"
	}
	return Predicate{Category: pd.Category, Code: pd.Code}, ""
}
