// Package memory provides an in-process task.Repository.
//
// It is the default store for local runs and the backing store for most
// tests. Values are cloned on the way in and out so callers never alias
// stored state.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/trainloop/internal/task"
)

// Store is a mutex-guarded map of tasks and ledger rows.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*task.Task
	executions map[task.ExecutionKey]*task.PhaseExecution
	closed     bool
}

var _ task.Repository = (*Store)(nil)

var errClosed = errors.New("store is closed")

// New returns an empty store.
func New() *Store {
	return &Store{
		tasks:      make(map[string]*task.Task),
		executions: make(map[task.ExecutionKey]*task.PhaseExecution),
	}
}

func (s *Store) Create(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.tasks[t.ID]; ok {
		return task.ErrTaskExists
	}
	t.Version = 1
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *Store) Update(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	cur, ok := s.tasks[t.ID]
	if !ok {
		return task.ErrTaskNotFound
	}
	if cur.Version != t.Version {
		return task.ErrConcurrentModification
	}
	t.Version++
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.tasks[id]; !ok {
		return task.ErrTaskNotFound
	}
	delete(s.tasks, id)
	for k := range s.executions {
		if k.TaskID == id {
			delete(s.executions, k)
		}
	}
	return nil
}

func (s *Store) List(_ context.Context, f task.Filter) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[task.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	counts := make(map[task.Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *Store) AppendExecution(_ context.Context, e *task.PhaseExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.tasks[e.TaskID]; !ok {
		return task.ErrTaskNotFound
	}
	key := e.Key()
	if _, ok := s.executions[key]; ok {
		return task.ErrDuplicateExecution
	}
	s.executions[key] = e.Clone()
	return nil
}

func (s *Store) CloseExecution(_ context.Context, e *task.PhaseExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	cur, ok := s.executions[e.Key()]
	if !ok {
		return fmt.Errorf("%w: %s iteration %d of task %s", task.ErrExecutionNotFound, e.Phase, e.Iteration, e.TaskID)
	}
	if cur.Status != task.ExecutionRunning {
		return task.ErrExecutionClosed
	}
	s.executions[e.Key()] = e.Clone()
	return nil
}

func (s *Store) Executions(_ context.Context, taskID string) ([]*task.PhaseExecution, error) {
	rows, err := s.collect(func(e *task.PhaseExecution) bool { return e.TaskID == taskID })
	if err != nil {
		return nil, err
	}
	task.SortHistory(rows)
	return rows, nil
}

func (s *Store) IterationExecutions(_ context.Context, taskID string, iteration int) ([]*task.PhaseExecution, error) {
	rows, err := s.collect(func(e *task.PhaseExecution) bool {
		return e.TaskID == taskID && e.Iteration == iteration
	})
	if err != nil {
		return nil, err
	}
	task.SortPhases(rows)
	return rows, nil
}

func (s *Store) OpenExecutions(_ context.Context) ([]*task.PhaseExecution, error) {
	rows, err := s.collect(func(e *task.PhaseExecution) bool { return e.Status == task.ExecutionRunning })
	if err != nil {
		return nil, err
	}
	task.SortPhases(rows)
	return rows, nil
}

func (s *Store) collect(match func(*task.PhaseExecution) bool) ([]*task.PhaseExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	var out []*task.PhaseExecution
	for _, e := range s.executions {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
