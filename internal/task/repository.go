// internal/task/repository.go
package task

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	OwnerID string
	Status  Status
	Mode    Mode
	Limit   int
}

// Matches reports whether t passes the filter.
func (f Filter) Matches(t *Task) bool {
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Mode != "" && t.Mode != f.Mode {
		return false
	}
	return true
}

// Repository persists tasks and their execution ledger.
//
// Update is a compare-and-swap on Version: it fails with
// ErrConcurrentModification when the stored version differs from t.Version,
// and on success increments Version on both the stored row and t.
type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	// Delete removes the task and all of its ledger rows.
	Delete(ctx context.Context, id string) error
	// List returns matching tasks, newest first.
	List(ctx context.Context, f Filter) ([]*Task, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// AppendExecution inserts a running row. Returns ErrDuplicateExecution
	// when the key is taken.
	AppendExecution(ctx context.Context, e *PhaseExecution) error
	// CloseExecution persists the terminal state of a row. Returns
	// ErrExecutionClosed when the stored row is not running and
	// ErrExecutionNotFound when no row has that key.
	CloseExecution(ctx context.Context, e *PhaseExecution) error
	// Executions returns every row of a task, newest iteration first.
	Executions(ctx context.Context, taskID string) ([]*PhaseExecution, error)
	// IterationExecutions returns the rows of one iteration in phase order.
	IterationExecutions(ctx context.Context, taskID string, iteration int) ([]*PhaseExecution, error)
	// OpenExecutions returns all rows still running, across tasks.
	OpenExecutions(ctx context.Context) ([]*PhaseExecution, error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrUnchanged may be returned by a Mutate callback to skip the write.
var ErrUnchanged = errors.New("task unchanged")

// DefaultMutateTries bounds optimistic retries in Mutate.
const DefaultMutateTries = 5

// Mutate performs a read-modify-write on a task, retrying when another
// writer got there first. fn runs against a fresh copy on every attempt.
func Mutate(ctx context.Context, repo Repository, id string, maxTries uint, fn func(*Task) error) (*Task, error) {
	if maxTries == 0 {
		maxTries = DefaultMutateTries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (*Task, error) {
		t, err := repo.Get(ctx, id)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := fn(t); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return t, nil
			}
			return nil, backoff.Permanent(err)
		}
		if err := repo.Update(ctx, t); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return t, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
}
