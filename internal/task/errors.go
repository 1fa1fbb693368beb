// internal/task/errors.go
package task

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when no task has the requested id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when creating a task whose id is taken.
	ErrTaskExists = errors.New("task already exists")
	// ErrDatasetNotFound is returned when a dataset reference is unknown.
	ErrDatasetNotFound = errors.New("dataset not found")
	// ErrInvalidStateTransition is returned for a status change the state
	// machine does not permit.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrTerminationConditionMissing is returned when a continuous task has
	// neither an iteration cap nor a score threshold.
	ErrTerminationConditionMissing = errors.New("continuous task requires max_iterations or performance_threshold")
	// ErrConcurrentModification is returned when an update was based on a
	// stale version of the task.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDuplicateExecution is returned when a ledger row already exists for
	// the same (task, iteration, phase).
	ErrDuplicateExecution = errors.New("phase execution already recorded")
	// ErrExecutionClosed is returned when closing a ledger row that is no
	// longer running.
	ErrExecutionClosed = errors.New("phase execution already closed")
	// ErrExecutionNotFound is returned when closing a ledger row that was
	// never recorded.
	ErrExecutionNotFound = errors.New("phase execution not found")
	// ErrInvalidTask is returned when task fields fail validation.
	ErrInvalidTask = errors.New("invalid task")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// Unwrap allows errors.Is(err, ErrInvalidStateTransition).
func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// PhaseError wraps a collaborator failure with the phase it happened in.
type PhaseError struct {
	Phase Phase
	Cause error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Cause)
}

// Unwrap exposes the collaborator error to errors.Is and errors.As.
func (e *PhaseError) Unwrap() error {
	return e.Cause
}

// NewPhaseError wraps cause as a failure of phase.
func NewPhaseError(phase Phase, cause error) *PhaseError {
	return &PhaseError{Phase: phase, Cause: cause}
}
