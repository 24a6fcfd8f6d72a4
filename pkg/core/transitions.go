package core

// transitions is the authoritative edge table of the run state machine.
// A state missing from a target list cannot be entered from that source.
var transitions = map[RunState][]RunState{
	StateCreated:   {StatePending, StateCancelled},
	StatePending:   {StateRunning, StateCancelled},
	StateRunning:   {StateCompleted, StateFailed, StatePaused, StateCancelled, StateTimeout},
	StatePaused:    {StateResuming, StateCancelled},
	StateResuming:  {StateRunning, StateFailed, StateCancelled},
	StateRetrying:  {StateRunning, StateFailed, StateCancelled},
	StateFailed:    {StateRetrying},
	StateTimeout:   {StateRetrying},
	StateCompleted: {},
	StateCancelled: {},
}

// CanTransition reports whether the edge (from, to) is in the transition
// table. Unknown states always return false.
func CanTransition(from, to RunState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the states reachable from the given state in a
// single transition. The returned slice is a copy.
func AllowedTargets(from RunState) []RunState {
	targets := transitions[from]
	out := make([]RunState, len(targets))
	copy(out, targets)
	return out
}

// IsValidState reports whether s is a known lifecycle state.
func IsValidState(s RunState) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s RunState) bool {
	targets, ok := transitions[s]
	return ok && len(targets) == 0
}

// EndsExecution reports whether entering s should stamp completed_at.
// Unlike IsTerminal, this includes failed and timeout, which can still be
// retried but mark the end of an execution attempt.
func EndsExecution(s RunState) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}
