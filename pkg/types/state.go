package types

import "fmt"

// State is the persisted lifecycle state of a memory.
type State int

// Lifecycle states. Transitions only move forward.
const (
	StateActive     State = 0 // Live and retrievable
	StateSuperseded State = 1 // Replaced by a newer memory via conflict resolution
	StateDeleted    State = 2 // Soft-deleted or archived
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s >= StateActive && s <= StateDeleted
}

// IsValidStateTransition validates a state change.
//
// Valid transitions:
//
//	active -> superseded | deleted
//	superseded -> deleted
//	deleted -> (terminal)
//
// Setting a state to itself is accepted so that repeated soft deletes are
// idempotent. Nothing ever returns to active.
func IsValidStateTransition(current, next State) bool {
	if !current.Valid() || !next.Valid() {
		return false
	}
	if current == next {
		return true
	}
	return next > current
}
