package action

import "fmt"

// Status is the action lifecycle state, stored as a single letter.
type Status rune

const (
	// StatusActive marks an action in good standing (new, accepted or
	// approved).
	StatusActive Status = 'A'
	// StatusConfirmation marks an action awaiting a user decision.
	StatusConfirmation Status = 'C'
	// StatusNotification marks an informational, auto-processed action.
	StatusNotification Status = 'N'
	// StatusDeleted is terminal: rejected or removed. Deleted actions are
	// never physically purged by the engine.
	StatusDeleted Status = 'D'
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusConfirmation, StatusNotification, StatusDeleted:
		return true
	}
	return false
}

func (s Status) String() string { return string(rune(s)) }

// ParseStatus converts the single-letter wire form back to a Status.
func ParseStatus(v string) (Status, error) {
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: status %q", ErrInvalidStatus, v)
	}
	s := Status(v[0])
	if !s.Valid() {
		return 0, fmt.Errorf("%w: status %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// CanTransition reports whether from → to is a legal status transition.
// DELETED is terminal; CONFIRMATION may resolve to ACTIVE or DELETED;
// NOTIFICATION and ACTIVE may only be deleted.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusConfirmation:
		return to == StatusActive || to == StatusDeleted
	case StatusNotification, StatusActive:
		return to == StatusDeleted
	case StatusDeleted:
		return false
	}
	return false
}

// Transition validates from → to and returns the new status, or
// ErrStatusTransition if the transition is illegal. Callers must use this
// rather than assigning Status directly so that illegal transitions fail
// instead of silently succeeding.
func Transition(from, to Status) (Status, error) {
	if !to.Valid() {
		return from, fmt.Errorf("%w: target %q", ErrInvalidStatus, to)
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s → %s", ErrStatusTransition, from, to)
	}
	return to, nil
}
