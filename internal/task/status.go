// internal/task/status.go
package task

import "fmt"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusOptimizing Status = "optimizing"
	StatusTraining   Status = "training"
	StatusEvaluating Status = "evaluating"
	StatusLooping    Status = "looping"
	StatusSuspended  Status = "suspended"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusOptimizing,
	StatusTraining,
	StatusEvaluating,
	StatusLooping,
	StatusSuspended,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusOptimizing, StatusCancelled},
	StatusOptimizing: {StatusTraining, StatusFailed, StatusCancelled},
	StatusTraining:   {StatusEvaluating, StatusFailed, StatusCancelled},
	StatusEvaluating: {StatusCompleted, StatusLooping, StatusFailed, StatusCancelled},
	StatusLooping:    {StatusOptimizing, StatusCompleted, StatusCancelled},
	StatusSuspended:  {StatusOptimizing, StatusTraining, StatusEvaluating, StatusCancelled},
}

// CanTransition reports whether from -> to is a permitted status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the targets reachable from s. Terminal states
// return nil.
func AllowedTransitions(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	if len(out) == 0 {
		return nil
	}
	return out
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsRunning reports whether a driver owns the task in state s.
func (s Status) IsRunning() bool {
	switch s {
	case StatusOptimizing, StatusTraining, StatusEvaluating, StatusLooping:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", v)
	}
	return s, nil
}

// Mode selects the pipeline shape.
type Mode string

const (
	// ModeStandard runs one optimize -> train -> evaluate pass.
	ModeStandard Mode = "standard"
	// ModeContinuous repeats the pass until a termination condition holds.
	ModeContinuous Mode = "continuous"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeStandard || m == ModeContinuous
}

// Phase is one step of an iteration.
type Phase string

const (
	PhaseOptimization Phase = "optimization"
	PhaseTraining     Phase = "training"
	PhaseEvaluation   Phase = "evaluation"
)

// Phases lists the phases of an iteration in execution order.
var Phases = []Phase{PhaseOptimization, PhaseTraining, PhaseEvaluation}

// Status returns the task status that corresponds to running p.
func (p Phase) Status() Status {
	switch p {
	case PhaseOptimization:
		return StatusOptimizing
	case PhaseTraining:
		return StatusTraining
	case PhaseEvaluation:
		return StatusEvaluating
	}
	return ""
}

// Order returns the position of p within an iteration, or -1.
func (p Phase) Order() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// ExecutionStatus is the state of a ledger row.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ControlRequest is a pending cooperative instruction for a task's driver.
type ControlRequest string

const (
	ControlNone    ControlRequest = ""
	ControlSuspend ControlRequest = "suspend"
	ControlCancel  ControlRequest = "cancel"
)
