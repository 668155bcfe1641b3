package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ehr/livepanels/internal/config"
	"github.com/ehr/livepanels/internal/domain/panel"
	"github.com/ehr/livepanels/internal/domain/rules"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                 "test",
		LogLevel:            "info",
		RulesSource:         "embedded",
		EncounterQueueSize:  8,
		EncounterEndedLimit: 16,
		MaxHypotheses:       5,
		MaxGaps:             6,
		MaxManagement:       8,
		GapConfidenceFloor:  0.30,
		ManagementThreshold: 0.50,
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	var got []string
	for _, c := range root.Commands() {
		got = append(got, c.Name())
	}
	want := []string{"migrate", "replay", "rules", "serve"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("subcommands mismatch (-want +got):\n%s", diff)
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "debug"
	if lvl := newLogger(cfg).GetLevel(); lvl != zerolog.DebugLevel {
		t.Errorf("expected debug, got %s", lvl)
	}

	cfg.LogLevel = "nonsense"
	if lvl := newLogger(cfg).GetLevel(); lvl != zerolog.InfoLevel {
		t.Errorf("expected info for an unknown level, got %s", lvl)
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxGaps = 4
	cfg.ManagementThreshold = 0.6

	opts := engineOptions(cfg)
	want := rules.DefaultOptions()
	want.MaxGaps = 4
	want.ManagementThreshold = 0.6
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}

	d := dispatcherOptions(cfg)
	if d.QueueSize != 8 || d.AutoStart || d.EndedLimit != 16 {
		t.Errorf("unexpected dispatcher options %+v", d)
	}
}

func TestValidateRules(t *testing.T) {
	def, err := rules.DefaultDefinition()
	if err != nil {
		t.Fatalf("DefaultDefinition: %v", err)
	}

	var out bytes.Buffer
	if err := validateRules(&out, def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "17 rule(s) valid, 0 rejected") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	err = validateRules(&out, rules.TableDefinition{Rules: []rules.RuleDefinition{{ID: "broken"}}})
	if !errors.Is(err, rules.ErrNoValidRules) {
		t.Fatalf("expected ErrNoValidRules, got %v", err)
	}
	if !strings.Contains(out.String(), `rejected: rule "broken"`) {
		t.Errorf("expected the broken rule to be reported, got %q", out.String())
	}
}

type recordingRepo struct {
	upserted []rules.RuleDefinition
}

func (r *recordingRepo) ListActive(context.Context) ([]rules.RuleDefinition, error) {
	return r.upserted, nil
}

func (r *recordingRepo) Upsert(_ context.Context, defs []rules.RuleDefinition) (int, error) {
	r.upserted = append(r.upserted, defs...)
	return len(defs), nil
}

func TestImportRules_SkipsRejected(t *testing.T) {
	def, err := rules.DefaultDefinition()
	if err != nil {
		t.Fatalf("DefaultDefinition: %v", err)
	}
	def.Rules = append(def.Rules, def.Rules[0], rules.RuleDefinition{ID: "broken"})

	repo := &recordingRepo{}
	n, err := importRules(context.Background(), repo, def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 17 || len(repo.upserted) != 17 {
		t.Fatalf("expected 17 rules imported, got %d (%d stored)", n, len(repo.upserted))
	}
	seen := make(map[string]bool)
	for _, rd := range repo.upserted {
		if seen[rd.ID] {
			t.Errorf("rule %s imported twice", rd.ID)
		}
		if rd.ID == "broken" {
			t.Error("rejected rule was imported")
		}
		seen[rd.ID] = true
	}
}

const replayInput = `# recorded encounter
{"encounter_id":"enc-1","kind":"start"}
{"encounter_id":"enc-1","category":"symptom","text":"cough","polarity":"affirmed","confidence":0.9,"sequence_number":1}
{"encounter_id":"enc-1","category":"symptom","text":"cough","polarity":"affirmed","confidence":0.9,"sequence_number":1}

not json
{"encounter_id":"enc-9","category":"symptom","text":"cough","confidence":0.5,"sequence_number":1}
{"encounter_id":"enc-1","kind":"end"}
`

func TestReplay(t *testing.T) {
	cfg := testConfig()
	d, err := buildDispatcher(context.Background(), cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildDispatcher: %v", err)
	}

	var out bytes.Buffer
	stats, err := replay(context.Background(), strings.NewReader(replayInput), &out, d, zerolog.Nop())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	want := replayStats{Events: 6, Published: 2, Rejected: 2}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	var versions []uint64
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var s panel.PanelState
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			t.Fatalf("decode snapshot %q: %v", scanner.Text(), err)
		}
		if s.EncounterID != "enc-1" {
			t.Errorf("unexpected encounter %s", s.EncounterID)
		}
		versions = append(versions, s.Version)
	}
	if diff := cmp.Diff([]uint64{0, 1}, versions); diff != "" {
		t.Errorf("versions mismatch (-want +got):\n%s", diff)
	}
	if len(d.Encounters()) != 0 {
		t.Errorf("expected replay to end every encounter, got %v", d.Encounters())
	}
}

func TestReplay_AutoStart(t *testing.T) {
	cfg := testConfig()
	cfg.EncounterAutoStart = true
	d, err := buildDispatcher(context.Background(), cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildDispatcher: %v", err)
	}

	in := `{"encounter_id":"enc-2","category":"symptom","text":"fever","confidence":0.8,"sequence_number":1}`
	var out bytes.Buffer
	stats, err := replay(context.Background(), strings.NewReader(in), &out, d, zerolog.Nop())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if stats.Published != 1 || stats.Rejected != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestNewServer_Routes(t *testing.T) {
	cfg := testConfig()
	d, err := buildDispatcher(context.Background(), cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildDispatcher: %v", err)
	}
	t.Cleanup(func() { d.Shutdown(context.Background()) })

	e := newServer(cfg, zerolog.Nop(), d, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected /health 200, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/encounters", strings.NewReader(`{"encounter_id":"enc-1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 in development auth, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestNewServer_RequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.AuthSigningKey = strings.Repeat("k", 32)
	d, err := buildDispatcher(context.Background(), cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildDispatcher: %v", err)
	}
	t.Cleanup(func() { d.Shutdown(context.Background()) })

	e := newServer(cfg, zerolog.Nop(), d, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/encounters/enc-1/panels", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected /health to stay public, got %d", rec.Code)
	}
}
