package domain

import "testing"

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateQueued, StateRunning},
		{StateQueued, StateCancelled},
		{StateRunning, StateDone},
		{StateRunning, StateRetry},
		{StateRunning, StateFailed},
		{StateRunning, StateCancelled},
		{StateRetry, StateRunning},
		{StateRetry, StateFailed},
		{StateRetry, StateCancelled},
		{StateFailed, StateDeadLetter},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateQueued, StateDone},
		{StateQueued, StateRetry},
		{StateRetry, StateDone},
		{StateDone, StateRunning},
		{StateCancelled, StateRunning},
		{StateDeadLetter, StateRetry},
		{StateFailed, StateRunning},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateDone, StateCancelled, StateDeadLetter} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	// FAILED is a holding state on the way to DEAD_LETTER, not an endpoint.
	for _, s := range []State{StateQueued, StateRunning, StateRetry, StateFailed} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestEnsureTransitionErrors(t *testing.T) {
	if err := StateDone.EnsureTransition(StateRunning); err == nil {
		t.Fatalf("terminal state must refuse all moves")
	}
	if err := StateQueued.EnsureTransition(StateDone); err == nil {
		t.Fatalf("skipping RUNNING must be rejected")
	}
	if err := StateQueued.EnsureTransition(StateRunning); err != nil {
		t.Fatalf("legal move rejected: %v", err)
	}
}
