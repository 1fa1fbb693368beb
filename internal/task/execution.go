// internal/task/execution.go
package task

import (
	"sort"
	"time"
)

// PhaseExecution is one row of the execution ledger.
type PhaseExecution struct {
	TaskID    string          `json:"task_id"`
	Iteration int             `json:"iteration"`
	Phase     Phase           `json:"phase"`
	Status    ExecutionStatus `json:"status"`

	InputRef  string `json:"input_ref,omitempty"`
	OutputRef string `json:"output_ref,omitempty"`

	// Evaluation rows only.
	Score       *float64 `json:"score,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`

	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// ExecutionKey identifies a ledger row.
type ExecutionKey struct {
	TaskID    string
	Iteration int
	Phase     Phase
}

// Key returns the row's identity.
func (e *PhaseExecution) Key() ExecutionKey {
	return ExecutionKey{TaskID: e.TaskID, Iteration: e.Iteration, Phase: e.Phase}
}

// StartExecution opens a running row.
func StartExecution(taskID string, iteration int, phase Phase, inputRef string, now time.Time) *PhaseExecution {
	return &PhaseExecution{
		TaskID:    taskID,
		Iteration: iteration,
		Phase:     phase,
		Status:    ExecutionRunning,
		InputRef:  inputRef,
		StartedAt: now,
	}
}

// Complete closes the row successfully.
func (e *PhaseExecution) Complete(outputRef string, now time.Time) error {
	if e.Status != ExecutionRunning {
		return ErrExecutionClosed
	}
	e.Status = ExecutionCompleted
	e.OutputRef = outputRef
	e.close(now)
	return nil
}

// CompleteEvaluation closes an evaluation row with its score and suggestions.
func (e *PhaseExecution) CompleteEvaluation(outputRef string, score float64, suggestions []string, now time.Time) error {
	if err := e.Complete(outputRef, now); err != nil {
		return err
	}
	s := score
	e.Score = &s
	e.Suggestions = append([]string(nil), suggestions...)
	return nil
}

// Fail closes the row with an error.
func (e *PhaseExecution) Fail(msg string, now time.Time) error {
	if e.Status != ExecutionRunning {
		return ErrExecutionClosed
	}
	e.Status = ExecutionFailed
	e.ErrorMessage = msg
	e.close(now)
	return nil
}

func (e *PhaseExecution) close(now time.Time) {
	done := now
	e.CompletedAt = &done
	d := now.Sub(e.StartedAt).Seconds()
	if d < 0 {
		d = 0
	}
	e.DurationSeconds = &d
}

// Clone returns a deep copy.
func (e *PhaseExecution) Clone() *PhaseExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Score = clonePtr(e.Score)
	c.CompletedAt = clonePtr(e.CompletedAt)
	c.DurationSeconds = clonePtr(e.DurationSeconds)
	if e.Suggestions != nil {
		c.Suggestions = append([]string(nil), e.Suggestions...)
	}
	return &c
}

// SortHistory orders rows newest iteration first, phases in execution order.
func SortHistory(rows []*PhaseExecution) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Iteration != rows[j].Iteration {
			return rows[i].Iteration > rows[j].Iteration
		}
		return rows[i].Phase.Order() < rows[j].Phase.Order()
	})
}

// SortPhases orders rows of one iteration by phase.
func SortPhases(rows []*PhaseExecution) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Iteration != rows[j].Iteration {
			return rows[i].Iteration < rows[j].Iteration
		}
		return rows[i].Phase.Order() < rows[j].Phase.Order()
	})
}
