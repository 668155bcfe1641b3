package encounter

import "errors"

var (
	// ErrUnknownEncounter is returned for an encounter with no active pipeline,
	// including one that has already ended.
	ErrUnknownEncounter = errors.New("unknown encounter")
	// ErrEncounterExists is returned when starting an encounter that is active.
	ErrEncounterExists = errors.New("encounter already active")
	// ErrEncounterClosed is returned when the pipeline stops before a fact is
	// processed, or when an ended encounter id is started again.
	ErrEncounterClosed = errors.New("encounter closed")
)
