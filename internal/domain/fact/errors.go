package fact

import "fmt"

// ValidationError reports a fact event that cannot enter the pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fact: %s %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Outcome is what happened to a normalized fact when it met the current fact set.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeStale      Outcome = "stale"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeRejected   Outcome = "rejected"
)

// Changed reports whether the outcome modifies the fact set.
func (o Outcome) Changed() bool {
	return o == OutcomeAccepted || o == OutcomeSuperseded
}
