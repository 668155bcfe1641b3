package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/livepanels/internal/domain/fact"
)

func TestDefaultTable_Compiles(t *testing.T) {
	table, diags, err := DefaultTable(zerolog.Nop())
	if err != nil {
		t.Fatalf("DefaultTable() error: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if table.Len() != 17 {
		t.Errorf("expected 17 rules, got %d", table.Len())
	}
	if len(table.redFlagActions) != 9 {
		t.Errorf("expected 9 red flag actions, got %d", len(table.redFlagActions))
	}
	if table.fallback == nil || table.followUp == nil {
		t.Error("expected fallback and follow-up actions")
	}
}

func TestDefaultTable_PredicatesUseVocabularyCodes(t *testing.T) {
	vocab, err := fact.DefaultVocabulary()
	if err != nil {
		t.Fatalf("DefaultVocabulary() error: %v", err)
	}
	table, _, err := DefaultTable(zerolog.Nop())
	if err != nil {
		t.Fatalf("DefaultTable() error: %v", err)
	}
	check := func(ruleID string, p Predicate) {
		if !vocab.HasCode(p.Category, p.Code) {
			t.Errorf("rule %s: %s/%s is not a vocabulary code", ruleID, p.Category, p.Code)
		}
	}
	for _, r := range table.Rules() {
		for _, p := range r.Required {
			check(r.ID, p)
		}
		for _, p := range r.Excluded {
			check(r.ID, p)
		}
		for _, d := range r.Discriminating {
			check(r.ID, d.Fact)
		}
	}
	for code := range table.redFlagActions {
		check("red_flag_actions", Predicate{Category: fact.CategoryRedFlag, Code: code})
	}
}

func TestCompile_RejectsBadRulesAndKeepsTheRest(t *testing.T) {
	good := rule("good", "Good", 0.5, "cough")

	noBase := rule("no_base", "No base", 0.5, "cough")
	noBase.BaseConfidence = nil

	overOne := rule("over_one", "Over one", 1.5, "cough")

	noRequired := rule("no_required", "No required", 0.5)

	badCategory := rule("bad_category", "Bad category", 0.5)
	badCategory.Required = []PredicateDefinition{{Category: "lab", Code: "crp"}}

	contradictory := rule("contradictory", "Contradictory", 0.5, "cough")
	contradictory.Excluded = []PredicateDefinition{{Category: fact.CategorySymptom, Code: "cough"}}

	noQuestion := rule("no_question", "No question", 0.5, "cough")
	noQuestion.Discriminating = []DiscriminatorDefinition{{Fact: PredicateDefinition{Category: fact.CategorySymptom, Code: "fever"}}}

	noLabel := rule("no_label", "", 0.5, "cough")
	duplicate := rule("good", "Good again", 0.7, "fever")

	def := TableDefinition{
		Rules:          []RuleDefinition{good, noBase, overOne, noRequired, badCategory, contradictory, noQuestion, noLabel, duplicate},
		RedFlagActions: map[string]ActionDefinition{"syncope": {Action: ""}},
	}

	table, diags, err := Compile(def, zerolog.Nop())
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if table.Len() != 1 || table.Rules()[0].ID != "good" {
		t.Fatalf("expected only the good rule, got %+v", table.Rules())
	}

	wantReasons := map[string]string{
		"no_base":                  "base_confidence is required",
		"over_one":                 "outside (0,1]",
		"no_required":              "at least one required predicate",
		"bad_category":             "unknown category",
		"contradictory":            "also required",
		"no_question":              "question is required",
		"no_label":                 "label is required",
		"good":                     "duplicate rule id",
		"red_flag_actions.syncope": "action is required",
	}
	if len(diags) != len(wantReasons) {
		t.Fatalf("expected %d diagnostics, got %d: %v", len(wantReasons), len(diags), diags)
	}
	for _, d := range diags {
		want, ok := wantReasons[d.RuleID]
		if !ok {
			t.Errorf("unexpected diagnostic %v", d)
			continue
		}
		if !strings.Contains(d.Reason, want) {
			t.Errorf("%s: expected reason containing %q, got %q", d.RuleID, want, d.Reason)
		}
		var target *RuleConfigError
		if !errors.As(error(d), &target) {
			t.Errorf("diagnostic is not a *RuleConfigError: %T", d)
		}
	}
}

func TestCompile_NoValidRules(t *testing.T) {
	def := TableDefinition{Rules: []RuleDefinition{rule("", "Nameless", 0.5, "cough")}}

	_, diags, err := Compile(def, zerolog.Nop())
	if !errors.Is(err, ErrNoValidRules) {
		t.Fatalf("expected ErrNoValidRules, got %v", err)
	}
	if len(diags) != 1 {
		t.Errorf("expected 1 diagnostic, got %d", len(diags))
	}
}

func TestRuleConfigError_Message(t *testing.T) {
	err := &RuleConfigError{RuleID: "flu", Index: 3, Reason: "label is required"}
	if got := err.Error(); got != `rule "flu" (#3): label is required` {
		t.Errorf("unexpected message %q", got)
	}
	anon := &RuleConfigError{Index: 0, Reason: "id is required"}
	if got := anon.Error(); got != "rule #0: id is required" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestParseTable_InvalidYAML(t *testing.T) {
	if _, err := ParseTable([]byte("rules: [unterminated")); err == nil {
		t.Error("expected an error for invalid YAML")
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
rules:
  - id: cough_only
    label: Cough
    base_confidence: 0.5
    required:
      - {category: symptom, code: cough}
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	table, _, err := Load(context.Background(), LoadOptions{Source: SourceFile, File: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if table.Len() != 1 {
		t.Errorf("expected 1 rule, got %d", table.Len())
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

type fakeRepo struct {
	defs []RuleDefinition
	err  error
}

func (f *fakeRepo) ListActive(ctx context.Context) ([]RuleDefinition, error) {
	return f.defs, f.err
}

func (f *fakeRepo) Upsert(ctx context.Context, defs []RuleDefinition) (int, error) {
	f.defs = append(f.defs, defs...)
	return len(defs), nil
}

func TestLoad_PostgresKeepsEmbeddedTableSettings(t *testing.T) {
	repo := &fakeRepo{defs: []RuleDefinition{rule("stored", "Stored", 0.6, "cough")}}

	table, diags, err := Load(context.Background(), LoadOptions{Source: SourcePostgres, Repo: repo}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if table.Len() != 1 || table.Rules()[0].ID != "stored" {
		t.Errorf("expected the stored rule only, got %+v", table.Rules())
	}
	if _, ok := table.redFlagActions["syncope"]; !ok {
		t.Error("expected embedded red flag actions to stay in effect")
	}
	if len(table.screening) == 0 {
		t.Error("expected embedded screening questions to stay in effect")
	}
}

func TestLoadDefinition_Errors(t *testing.T) {
	ctx := context.Background()
	repoErr := errors.New("connection refused")

	tests := []struct {
		name string
		opts LoadOptions
	}{
		{"unknown source", LoadOptions{Source: "s3"}},
		{"postgres without repo", LoadOptions{Source: SourcePostgres}},
		{"repo failure", LoadOptions{Source: SourcePostgres, Repo: &fakeRepo{err: repoErr}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadDefinition(ctx, tt.opts); err == nil {
				t.Error("expected an error")
			}
		})
	}

	_, err := LoadDefinition(ctx, LoadOptions{Source: SourcePostgres, Repo: &fakeRepo{err: repoErr}})
	if !errors.Is(err, repoErr) {
		t.Errorf("expected wrapped repository error, got %v", err)
	}
}

func TestDecodeDefinition(t *testing.T) {
	d := decodeDefinition("row-id", []byte(`{"label":"Cough","base_confidence":0.5,"required":[{"category":"symptom","code":"cough"}]}`))
	if d.ID != "row-id" {
		t.Errorf("expected the row id to fill a missing id, got %q", d.ID)
	}
	if d.BaseConfidence == nil || *d.BaseConfidence != 0.5 {
		t.Errorf("unexpected base confidence %v", d.BaseConfidence)
	}

	bad := decodeDefinition("broken", []byte(`{"label":`))
	_, diags, err := Compile(TableDefinition{Rules: []RuleDefinition{rule("ok", "Ok", 0.5, "cough"), bad}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if len(diags) != 1 || diags[0].RuleID != "broken" {
		t.Fatalf("expected the broken row alone to be rejected, got %v", diags)
	}
	if !strings.HasPrefix(diags[0].Reason, "undecodable definition: ") || !strings.Contains(diags[0].Reason, "unexpected end of JSON input") {
		t.Errorf("expected the decode error in the reason, got %q", diags[0].Reason)
	}
	if !strings.Contains(diags[0].Error(), "unexpected end of JSON input") {
		t.Errorf("expected the decode error in %q", diags[0].Error())
	}

	wrongType := decodeDefinition("typed", []byte(`{"label":"Cough","base_confidence":"high","required":[{"category":"symptom","code":"cough"}]}`))
	_, diags, _ = Compile(TableDefinition{Rules: []RuleDefinition{wrongType}}, zerolog.Nop())
	if len(diags) != 1 || !strings.Contains(diags[0].Reason, "base_confidence") {
		t.Errorf("expected the field decode error in the reason, got %v", diags)
	}
}
