package rules

import (
	"sort"

	"github.com/ehr/livepanels/internal/domain/fact"
)

// Options bound the panels and fix the confidence thresholds.
type Options struct {
	MaxHypotheses       int
	MaxGaps             int
	MaxManagement       int
	GapHypotheses       int
	GapConfidenceFloor  float64
	ManagementThreshold float64
}

// DefaultOptions returns the documented panel limits and thresholds.
func DefaultOptions() Options {
	return Options{
		MaxHypotheses:       5,
		MaxGaps:             6,
		MaxManagement:       8,
		GapHypotheses:       3,
		GapConfidenceFloor:  0.30,
		ManagementThreshold: 0.50,
	}
}

// Engine evaluates a fact set against a rule table. Evaluate is a pure
// function of its input; an Engine is safe for concurrent use.
type Engine struct {
	table *Table
	opts  Options
}

// NewEngine returns an engine over a compiled table.
func NewEngine(table *Table, opts Options) *Engine {
	return &Engine{table: table, opts: opts}
}

// Options returns the engine limits.
func (e *Engine) Options() Options {
	return e.opts
}

type fired struct {
	rule       Rule
	hypothesis DiagnosticHypothesis
}

// Evaluate derives the summary, hypotheses, gaps and management suggestions
// for the facts in set. The result depends only on the contents of set.
func (e *Engine) Evaluate(set *fact.Set) Evaluation {
	ranked := e.hypotheses(set)

	ev := Evaluation{
		Summary:    Summarize(set),
		Hypotheses: make([]DiagnosticHypothesis, 0, len(ranked)),
	}
	for _, f := range ranked {
		ev.Hypotheses = append(ev.Hypotheses, f.hypothesis)
	}
	ev.Gaps = e.gaps(set, ranked)
	ev.Management = e.management(set, ranked)
	return ev
}

func (e *Engine) hypotheses(set *fact.Set) []fired {
	var out []fired
	for _, r := range e.table.rules {
		h, ok := fire(r, set)
		if ok {
			out = append(out, fired{rule: r, hypothesis: h})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.hypothesis.Confidence != b.hypothesis.Confidence {
			return a.hypothesis.Confidence > b.hypothesis.Confidence
		}
		if a.rule.Specificity() != b.rule.Specificity() {
			return a.rule.Specificity() > b.rule.Specificity()
		}
		if a.rule.Label != b.rule.Label {
			return a.rule.Label < b.rule.Label
		}
		return a.rule.ID < b.rule.ID
	})
	if max := e.opts.MaxHypotheses; max > 0 && len(out) > max {
		out = out[:max]
	}
	for i := range out {
		out[i].hypothesis.Rank = i + 1
	}
	return out
}

// fire checks a rule against the affirmed facts of set.
func fire(r Rule, set *fact.Set) (DiagnosticHypothesis, bool) {
	for _, p := range r.Excluded {
		if f, ok := set.Lookup(p.Category, p.Code); ok && f.Affirmed() {
			return DiagnosticHypothesis{}, false
		}
	}
	var sum float64
	ids := make([]string, 0, len(r.Required))
	for _, p := range r.Required {
		f, ok := set.Lookup(p.Category, p.Code)
		if !ok || !f.Affirmed() {
			return DiagnosticHypothesis{}, false
		}
		sum += f.Confidence
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)
	mean := sum / float64(len(r.Required))
	return DiagnosticHypothesis{
		RuleID:            r.ID,
		Label:             r.Label,
		SupportingFactIDs: ids,
		Confidence:        clamp(r.BaseConfidence * mean),
	}, true
}

func (e *Engine) gaps(set *fact.Set, ranked []fired) []InformationGap {
	var out []InformationGap
	asked := make(map[string]bool)
	add := func(g InformationGap) {
		if asked[g.Question] {
			return
		}
		asked[g.Question] = true
		out = append(out, g)
	}

	for i, f := range ranked {
		if i >= e.opts.GapHypotheses {
			break
		}
		if f.hypothesis.Confidence < e.opts.GapConfidenceFloor {
			continue
		}
		for _, d := range f.rule.Discriminating {
			if known(set, d.Fact) {
				continue
			}
			rationale := d.Rationale
			if rationale == "" {
				rationale = "Helps confirm or rule out " + f.rule.Label
			}
			add(InformationGap{
				Question:          d.Question,
				Rationale:         rationale,
				TriggeringFactIDs: f.hypothesis.SupportingFactIDs,
			})
		}
	}

	if set.Len() > 0 {
		for _, s := range e.table.screening {
			if len(set.ByCategory(s.Category)) > 0 {
				continue
			}
			add(InformationGap{Question: s.Question, Rationale: s.Rationale})
		}
	}

	if max := e.opts.MaxGaps; max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// known reports whether the fact was affirmed or negated. Uncertain facts
// still leave the question open.
func known(set *fact.Set, p Predicate) bool {
	f, ok := set.Lookup(p.Category, p.Code)
	return ok && f.Polarity != fact.PolarityUncertain
}

func (e *Engine) management(set *fact.Set, ranked []fired) []ManagementSuggestion {
	var urgent []ManagementSuggestion
	for _, f := range set.ByCategory(fact.CategoryRedFlag) {
		if !f.Affirmed() {
			continue
		}
		a, ok := e.table.redFlagActions[f.NormalizedCode]
		if !ok {
			a = ActionDefinition{Action: "Immediate evaluation: " + f.Text}
		}
		rationale := "Red flag reported: " + f.Text
		if a.Rationale != "" {
			rationale = a.Rationale + " (" + f.Text + ")"
		}
		urgent = append(urgent, ManagementSuggestion{Action: a.Action, Rationale: rationale, Urgent: true})
	}

	seen := make(map[string]bool)
	for _, s := range urgent {
		seen[s.Action] = true
	}
	var rest []ManagementSuggestion
	add := func(a ActionDefinition, fallbackRationale string) {
		if seen[a.Action] {
			return
		}
		seen[a.Action] = true
		rationale := a.Rationale
		if rationale == "" {
			rationale = fallbackRationale
		}
		rest = append(rest, ManagementSuggestion{Action: a.Action, Rationale: rationale})
	}

	triggered := false
	for _, f := range ranked {
		if f.hypothesis.Confidence < e.opts.ManagementThreshold {
			continue
		}
		triggered = true
		for _, a := range f.rule.Management {
			add(a, f.rule.Label)
		}
	}
	if !triggered && len(urgent) == 0 && len(ranked) > 0 && e.table.fallback != nil {
		add(*e.table.fallback, "")
	}
	if (len(urgent) > 0 || len(rest) > 0) && e.table.followUp != nil {
		add(*e.table.followUp, "")
	}

	if max := e.opts.MaxManagement; max > 0 {
		room := max - len(urgent)
		if room < 0 {
			room = 0
		}
		if len(rest) > room {
			rest = rest[:room]
		}
	}

	out := append(urgent, rest...)
	for i := range out {
		out[i].Priority = i + 1
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
