package rules

import (
	"errors"
	"fmt"
)

// ErrNoValidRules is returned when a rule table compiles to zero usable rules.
var ErrNoValidRules = errors.New("rule table has no valid rules")

// RuleConfigError describes one rejected rule table entry. Index is the
// position of the entry in its list.
type RuleConfigError struct {
	RuleID string
	Index  int
	Reason string
}

func (e *RuleConfigError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("rule #%d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("rule %q (#%d): %s", e.RuleID, e.Index, e.Reason)
}
