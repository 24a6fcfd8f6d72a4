package core

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("runstate: run not found")

	// ErrStepNotFound is returned when a step id is unknown.
	ErrStepNotFound = errors.New("runstate: step not found")

	// ErrInvalidTransition is returned when the requested edge is not in
	// the transition table. The run is left untouched.
	ErrInvalidTransition = errors.New("runstate: invalid state transition")

	// ErrConcurrentModification is returned when a compare-and-swap update
	// finds the run's version already advanced by another writer. Callers
	// must re-fetch and re-apply their own logic; the engine never retries
	// the CAS itself.
	ErrConcurrentModification = errors.New("runstate: concurrent modification detected")

	// ErrRetryExhausted is returned when a retry is requested at or beyond
	// the run's max_retries.
	ErrRetryExhausted = errors.New("runstate: retry limit exhausted")

	// ErrInvalidState is returned when an operation is requested from a
	// state where it is not defined, e.g. pause on a paused run.
	ErrInvalidState = errors.New("runstate: operation not valid in current state")

	// ErrNotClaimOwner is returned when a worker touches a run it does not
	// currently hold a lease on.
	ErrNotClaimOwner = errors.New("runstate: run is claimed by another worker")
)

// Validation errors.
var (
	ErrInvalidOwnerID    = errors.New("runstate: invalid owner id")
	ErrInvalidTaskType   = errors.New("runstate: invalid task type (must be alphanumeric, start with letter)")
	ErrTaskTypeTooLong   = errors.New("runstate: task type too long")
	ErrTaskInputTooLarge = errors.New("runstate: task input exceeds size limit")
	ErrCheckpointTooBig  = errors.New("runstate: checkpoint payload exceeds size limit")
)

// TransitionError describes a rejected transition. It unwraps to
// ErrInvalidTransition so callers can match either the sentinel or the
// concrete edge.
type TransitionError struct {
	From RunState
	To   RunState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("runstate: invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// StoreError wraps an underlying storage failure. Storage failures on the
// primary transition path are always surfaced, never swallowed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("runstate: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
