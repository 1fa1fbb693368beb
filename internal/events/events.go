// Package events publishes task lifecycle notifications.
//
// Publishing is best effort: the orchestrator logs publish failures and
// carries on, because the task store is the source of truth.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/trainloop/internal/task"
	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	TypeTaskCreated    Type = "task.created"
	TypeTaskDeleted    Type = "task.deleted"
	TypeStatusChanged  Type = "task.status_changed"
	TypePhaseStarted   Type = "phase.started"
	TypePhaseCompleted Type = "phase.completed"
	TypePhaseFailed    Type = "phase.failed"
)

// Event is a single notification.
type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	TaskID    string      `json:"task_id"`
	OwnerID   string      `json:"owner_id,omitempty"`
	Iteration int         `json:"iteration"`
	Phase     task.Phase  `json:"phase,omitempty"`
	From      task.Status `json:"from,omitempty"`
	To        task.Status `json:"to,omitempty"`
	OutputRef string      `json:"output_ref,omitempty"`
	Score     *float64    `json:"score,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// New stamps an event with an id and time.
func New(typ Type, t *task.Task, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    t.ID,
		OwnerID:   t.OwnerID,
		Iteration: t.CurrentIteration,
		Timestamp: now,
	}
}

// StatusChanged builds a status transition event.
func StatusChanged(t *task.Task, from task.Status, now time.Time) Event {
	e := New(TypeStatusChanged, t, now)
	e.From = from
	e.To = t.Status
	e.Score = t.LatestScore
	e.Error = t.ErrorMessage
	return e
}

// PhaseEvent builds an event for a ledger row.
func PhaseEvent(typ Type, t *task.Task, row *task.PhaseExecution, now time.Time) Event {
	e := New(typ, t, now)
	e.Iteration = row.Iteration
	e.Phase = row.Phase
	e.OutputRef = row.OutputRef
	e.Score = row.Score
	e.Error = row.ErrorMessage
	return e
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps events in memory. Used in tests and for local inspection.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a snapshot of everything published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters the snapshot by type.
func (r *Recorder) OfType(typ Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
