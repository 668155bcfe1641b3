package panel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/livepanels/internal/domain/fact"
	"github.com/ehr/livepanels/internal/domain/rules"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	table, _, err := rules.DefaultTable(zerolog.Nop())
	if err != nil {
		t.Fatalf("DefaultTable() error: %v", err)
	}
	engine := rules.NewEngine(table, rules.DefaultOptions())
	return NewManager(engine, zerolog.Nop(), WithClock(func() time.Time { return fixedNow }))
}

func addSymptom(set *fact.Set, seq uint64, code string) {
	f := fact.ClinicalFact{
		ID:             code,
		EncounterID:    set.EncounterID(),
		Category:       fact.CategorySymptom,
		Text:           code,
		NormalizedCode: code,
		Polarity:       fact.PolarityAffirmed,
		Confidence:     0.9,
		SequenceNumber: seq,
	}
	set.Apply(fact.Resolve(f, set))
}

func receive(t *testing.T, ch <-chan PanelState) PanelState {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return PanelState{}
}

func expectClosed(t *testing.T, ch <-chan PanelState) {
	t.Helper()
	select {
	case s, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel, got version %d", s.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestOpen_InitialSnapshot(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Open("enc-1")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if s.Version != 0 {
		t.Errorf("expected version 0, got %d", s.Version)
	}
	if s.Summary != rules.InsufficientDataSummary {
		t.Errorf("unexpected summary %q", s.Summary)
	}
	if s.Hypotheses == nil || s.Gaps == nil || s.Management == nil {
		t.Error("expected empty, non-nil panel lists")
	}
	if !s.GeneratedAt.Equal(fixedNow) {
		t.Errorf("expected timestamp from the injected clock, got %v", s.GeneratedAt)
	}

	if _, err := m.Open("enc-1"); !errors.Is(err, ErrBoardExists) {
		t.Errorf("expected ErrBoardExists, got %v", err)
	}
}

func TestApply_PublishesOnlyChangedContent(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Open("enc-1"); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	set := fact.NewSet("enc-1")

	addSymptom(set, 1, "cough")
	s, published, err := m.Apply("enc-1", set)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !published || s.Version != 1 {
		t.Fatalf("expected version 1 published, got version %d published=%v", s.Version, published)
	}

	s, published, err = m.Apply("enc-1", set)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if published || s.Version != 1 {
		t.Errorf("expected unchanged recomputation to keep version 1, got %d published=%v", s.Version, published)
	}

	addSymptom(set, 2, "fever")
	s, published, _ = m.Apply("enc-1", set)
	if !published || s.Version != 2 {
		t.Errorf("expected version 2 published, got %d published=%v", s.Version, published)
	}

	current, err := m.Current("enc-1")
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if current.Version != 2 {
		t.Errorf("expected current version 2, got %d", current.Version)
	}
}

func TestApply_UnknownEncounter(t *testing.T) {
	m := newTestManager(t)
	if _, _, err := m.Apply("missing", fact.NewSet("missing")); !errors.Is(err, ErrNoBoard) {
		t.Errorf("expected ErrNoBoard, got %v", err)
	}
	if _, err := m.Current("missing"); !errors.Is(err, ErrNoBoard) {
		t.Errorf("expected ErrNoBoard, got %v", err)
	}
	if _, _, err := m.Subscribe(context.Background(), "missing"); !errors.Is(err, ErrNoBoard) {
		t.Errorf("expected ErrNoBoard, got %v", err)
	}
}

func TestSubscribe_LateJoinerGetsCurrentSnapshot(t *testing.T) {
	m := newTestManager(t)
	m.Open("enc-1")
	set := fact.NewSet("enc-1")
	addSymptom(set, 1, "cough")
	m.Apply("enc-1", set)
	addSymptom(set, 2, "fever")
	m.Apply("enc-1", set)

	ch, cancel, err := m.Subscribe(context.Background(), "enc-1")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer cancel()

	if s := receive(t, ch); s.Version != 2 {
		t.Errorf("expected version 2 first, got %d", s.Version)
	}
}

func TestSubscribe_SlowReaderGetsEveryVersionInOrder(t *testing.T) {
	m := newTestManager(t)
	m.Open("enc-1")
	ch, cancel, err := m.Subscribe(context.Background(), "enc-1")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer cancel()

	set := fact.NewSet("enc-1")
	for i, code := range []string{"cough", "fever", "dyspnea", "myalgia"} {
		addSymptom(set, uint64(i+1), code)
		if _, published, err := m.Apply("enc-1", set); err != nil || !published {
			t.Fatalf("Apply(%s) published=%v err=%v", code, published, err)
		}
	}

	for want := uint64(0); want <= 4; want++ {
		if s := receive(t, ch); s.Version != want {
			t.Fatalf("expected version %d, got %d", want, s.Version)
		}
	}
}

func TestSubscribe_MultipleSubscribersIndependent(t *testing.T) {
	m := newTestManager(t)
	m.Open("enc-1")
	slow, cancelSlow, _ := m.Subscribe(context.Background(), "enc-1")
	defer cancelSlow()
	fast, cancelFast, _ := m.Subscribe(context.Background(), "enc-1")
	defer cancelFast()

	receive(t, fast)
	set := fact.NewSet("enc-1")
	addSymptom(set, 1, "cough")
	m.Apply("enc-1", set)

	if s := receive(t, fast); s.Version != 1 {
		t.Errorf("fast subscriber: expected version 1, got %d", s.Version)
	}
	if s := receive(t, slow); s.Version != 0 {
		t.Errorf("slow subscriber: expected version 0, got %d", s.Version)
	}
	if s := receive(t, slow); s.Version != 1 {
		t.Errorf("slow subscriber: expected version 1, got %d", s.Version)
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	m := newTestManager(t)
	m.Open("enc-1")
	ch, cancel, _ := m.Subscribe(context.Background(), "enc-1")

	cancel()
	cancel()

	for range ch {
	}
}

func TestSubscribe_ContextDoneClosesChannel(t *testing.T) {
	m := newTestManager(t)
	m.Open("enc-1")
	ctx, stop := context.WithCancel(context.Background())
	ch, cancel, _ := m.Subscribe(ctx, "enc-1")
	defer cancel()

	stop()

	for range ch {
	}
}

func TestClose_DrainsThenClosesSubscribers(t *testing.T) {
	m := newTestManager(t)
	m.Open("enc-1")
	ch, cancel, _ := m.Subscribe(context.Background(), "enc-1")
	defer cancel()

	set := fact.NewSet("enc-1")
	addSymptom(set, 1, "cough")
	m.Apply("enc-1", set)

	if err := m.Close("enc-1"); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if s := receive(t, ch); s.Version != 0 {
		t.Errorf("expected version 0, got %d", s.Version)
	}
	if s := receive(t, ch); s.Version != 1 {
		t.Errorf("expected version 1, got %d", s.Version)
	}
	expectClosed(t, ch)

	if m.Len() != 0 {
		t.Errorf("expected no boards, got %d", m.Len())
	}
	if err := m.Close("enc-1"); !errors.Is(err, ErrNoBoard) {
		t.Errorf("expected ErrNoBoard on second close, got %v", err)
	}
	if _, _, err := m.Apply("enc-1", set); !errors.Is(err, ErrNoBoard) {
		t.Errorf("expected ErrNoBoard after close, got %v", err)
	}
}

func TestPanelState_SameContent(t *testing.T) {
	base := PanelState{
		EncounterID: "enc-1",
		Version:     1,
		Summary:     "Early encounter - Symptoms: cough",
		Hypotheses: []rules.DiagnosticHypothesis{
			{RuleID: "respiratory_syndrome", Label: "Respiratory syndrome", SupportingFactIDs: []string{"a"}, Confidence: 0.63, Rank: 1},
		},
		Gaps:        []rules.InformationGap{{Question: "Any fever?", Rationale: "r", TriggeringFactIDs: []string{"a"}}},
		Management:  []rules.ManagementSuggestion{{Action: "Relative rest", Rationale: "x", Priority: 1}},
		GeneratedAt: fixedNow,
	}

	other := base
	other.Version = 7
	other.GeneratedAt = fixedNow.Add(time.Minute)
	if !base.SameContent(other) {
		t.Error("version and timestamp must not affect content equality")
	}

	changed := base
	changed.Hypotheses = []rules.DiagnosticHypothesis{
		{RuleID: "respiratory_syndrome", Label: "Respiratory syndrome", SupportingFactIDs: []string{"a"}, Confidence: 0.64, Rank: 1},
	}
	if base.SameContent(changed) {
		t.Error("a confidence change must count as new content")
	}

	reordered := base
	reordered.Gaps = append([]rules.InformationGap{{Question: "Any cough?"}}, base.Gaps...)
	if base.SameContent(reordered) {
		t.Error("a gap list change must count as new content")
	}

	summary := base
	summary.Summary = "Encounter in progress - Symptoms: cough"
	if base.SameContent(summary) {
		t.Error("a summary change must count as new content")
	}
}

func TestPanelState_JSONFields(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Open("enc-1")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	for _, key := range []string{"encounter_id", "version", "syndromic_summary", "hypotheses", "gaps", "management", "generated_at"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("expected %q in %s", key, data)
		}
	}
	if _, ok := fields["updated_at"]; ok {
		t.Errorf("unexpected updated_at in %s", data)
	}

	var at time.Time
	if err := json.Unmarshal(fields["generated_at"], &at); err != nil || !at.Equal(fixedNow) {
		t.Errorf("expected generated_at %v, got %s (%v)", fixedNow, fields["generated_at"], err)
	}
}
