package domain

import "fmt"

// State is a task's position in the bounded state machine.
type State string

const (
	StateQueued     State = "QUEUED"
	StateRunning    State = "RUNNING"
	StateRetry      State = "RETRY"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
	StateDeadLetter State = "DEAD_LETTER"
)

var validTransitions = map[State]map[State]struct{}{
	StateQueued: {
		StateRunning:   {},
		StateCancelled: {},
	},
	StateRunning: {
		StateDone:      {},
		StateRetry:     {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateRetry: {
		StateRunning:   {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateFailed: {
		StateDeadLetter: {},
	},
	StateDone:       {},
	StateCancelled:  {},
	StateDeadLetter: {},
}

// Terminal reports whether no further transitions are allowed from s.
// FAILED is not terminal; it always drains into DEAD_LETTER.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateDeadLetter
}

// CanTransition reports whether the move s -> to is in the transition table.
func (s State) CanTransition(to State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// EnsureTransition returns an error describing an illegal move.
func (s State) EnsureTransition(to State) error {
	if s.Terminal() {
		return fmt.Errorf("task in terminal state %s", s)
	}
	if !s.CanTransition(to) {
		return fmt.Errorf("invalid task state transition %s -> %s", s, to)
	}
	return nil
}
