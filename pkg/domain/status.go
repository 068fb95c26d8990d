package domain

import "fmt"

// legalTransitions lists the only edges a document status may follow.
// Forward-only, except that any non-terminal state may fall to failed and a
// failed document may re-enter processing on an explicit reprocess request.
var legalTransitions = map[DocumentStatus][]DocumentStatus{
	StatusPending:    {StatusUploading, StatusFailed},
	StatusUploading:  {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing},
	StatusCompleted:  {},
}

// Valid reports whether s is one of the five persisted statuses.
func (s DocumentStatus) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// Terminal reports whether s ends a processing attempt.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IllegalTransitionError is returned when a status change is rejected rather
// than silently ignored.
type IllegalTransitionError struct {
	From DocumentStatus
	To   DocumentStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal document status transition %s -> %s", e.From, e.To)
}

// CheckTransition returns an IllegalTransitionError unless from -> to is legal.
func CheckTransition(from, to DocumentStatus) error {
	if !from.CanTransition(to) {
		return &IllegalTransitionError{From: from, To: to}
	}
	return nil
}
