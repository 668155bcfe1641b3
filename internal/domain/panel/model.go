package panel

import (
	"errors"
	"slices"
	"time"

	"github.com/ehr/livepanels/internal/domain/rules"
)

var (
	ErrNoBoard     = errors.New("no panel board for encounter")
	ErrBoardExists = errors.New("panel board already open for encounter")
)

// PanelState is one immutable snapshot of the four panels of an encounter.
type PanelState struct {
	EncounterID string                       `json:"encounter_id"`
	Version     uint64                       `json:"version"`
	Summary     string                       `json:"syndromic_summary"`
	Hypotheses  []rules.DiagnosticHypothesis `json:"hypotheses"`
	Gaps        []rules.InformationGap       `json:"gaps"`
	Management  []rules.ManagementSuggestion `json:"management"`
	GeneratedAt time.Time                    `json:"generated_at"`
}

func newState(encounterID string, ev rules.Evaluation, at time.Time) PanelState {
	s := PanelState{
		EncounterID: encounterID,
		Summary:     ev.Summary,
		Hypotheses:  ev.Hypotheses,
		Gaps:        ev.Gaps,
		Management:  ev.Management,
		GeneratedAt: at,
	}
	if s.Hypotheses == nil {
		s.Hypotheses = []rules.DiagnosticHypothesis{}
	}
	if s.Gaps == nil {
		s.Gaps = []rules.InformationGap{}
	}
	if s.Management == nil {
		s.Management = []rules.ManagementSuggestion{}
	}
	return s
}

// SameContent compares the summary and the ordered panel lists. Version and
// timestamp are ignored.
func (s PanelState) SameContent(o PanelState) bool {
	return s.Summary == o.Summary &&
		slices.EqualFunc(s.Hypotheses, o.Hypotheses, sameHypothesis) &&
		slices.EqualFunc(s.Gaps, o.Gaps, sameGap) &&
		slices.Equal(s.Management, o.Management)
}

func sameHypothesis(a, b rules.DiagnosticHypothesis) bool {
	return a.RuleID == b.RuleID &&
		a.Label == b.Label &&
		a.Confidence == b.Confidence &&
		a.Rank == b.Rank &&
		slices.Equal(a.SupportingFactIDs, b.SupportingFactIDs)
}

func sameGap(a, b rules.InformationGap) bool {
	return a.Question == b.Question &&
		a.Rationale == b.Rationale &&
		slices.Equal(a.TriggeringFactIDs, b.TriggeringFactIDs)
}
