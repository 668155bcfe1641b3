package rules

import (
	"strings"

	"github.com/ehr/livepanels/internal/domain/fact"
)

// InsufficientDataSummary is the summary for a set with nothing affirmed to
// describe.
const InsufficientDataSummary = "Insufficient data for a syndromic summary. Continue the encounter."

const (
	maxSummarySymptoms = 5
	maxSummaryFindings = 3
)

// Summarize renders the one-line syndromic summary of set. Facts are listed in
// sequence order so the text depends only on the set contents.
func Summarize(set *fact.Set) string {
	var symptoms, findings, alerts, denies, uncertain []string
	for _, f := range set.Facts() {
		switch f.Polarity {
		case fact.PolarityNegated:
			denies = append(denies, f.Text)
			continue
		case fact.PolarityUncertain:
			uncertain = append(uncertain, f.Text)
			continue
		}
		switch f.Category {
		case fact.CategorySymptom:
			symptoms = append(symptoms, f.Text)
		case fact.CategoryFinding:
			findings = append(findings, f.Text)
		case fact.CategoryRedFlag:
			alerts = append(alerts, f.Text)
		}
	}

	if len(symptoms)+len(findings)+len(alerts) == 0 {
		return InsufficientDataSummary
	}

	var parts []string
	section := func(name string, items []string, max int) {
		if len(items) == 0 {
			return
		}
		if max > 0 && len(items) > max {
			items = items[:max]
		}
		parts = append(parts, name+": "+strings.Join(items, ", "))
	}
	section("Symptoms", symptoms, maxSummarySymptoms)
	section("Findings", findings, maxSummaryFindings)
	section("Alerts", alerts, 0)
	section("Denies", denies, 0)
	section("Uncertain", uncertain, 0)

	return stage(set.Len()) + " - " + strings.Join(parts, "; ")
}

func stage(facts int) string {
	switch {
	case facts < 4:
		return "Early encounter"
	case facts < 10:
		return "Encounter in progress"
	default:
		return "Established picture"
	}
}
