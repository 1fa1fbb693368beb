package memory

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/trainloop/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(t *testing.T, s *Store, owner string, created time.Time) *task.Task {
	t.Helper()
	tk := task.New("demo", owner, task.ModeStandard, task.ModelSpec{ModelName: "m"}, "ds_1", created)
	require.NoError(t, s.Create(context.Background(), tk))
	return tk
}

func TestStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := New()
	tk := newTask(t, s, "u1", time.Now())

	assert.Equal(t, int64(1), tk.Version)
	assert.ErrorIs(t, s.Create(ctx, tk), task.ErrTaskExists)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)

	got.Name = "mutated"
	again, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", again.Name, "returned tasks must not alias storage")

	_, err = s.Get(ctx, "task_missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestStore_UpdateVersioning(t *testing.T) {
	ctx := context.Background()
	s := New()
	tk := newTask(t, s, "", time.Now())

	a, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	b, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)

	a.Name = "first"
	require.NoError(t, s.Update(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.Name = "second"
	assert.ErrorIs(t, s.Update(ctx, b), task.ErrConcurrentModification)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func TestStore_ListAndCount(t *testing.T) {
	ctx := context.Background()
	s := New()
	t0 := time.Now()
	older := newTask(t, s, "u1", t0)
	newer := newTask(t, s, "u1", t0.Add(time.Minute))
	other := newTask(t, s, "u2", t0.Add(2*time.Minute))

	other.Status = task.StatusCompleted
	require.NoError(t, s.Update(ctx, other))

	got, err := s.List(ctx, task.Filter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID, "newest first")
	assert.Equal(t, older.ID, got[1].ID)

	got, err = s.List(ctx, task.Filter{Status: task.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, other.ID, got[0].ID)

	got, err = s.List(ctx, task.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[task.StatusPending])
	assert.Equal(t, 1, counts[task.StatusCompleted])
}

func TestStore_Executions(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	tk := newTask(t, s, "", now)

	opt := task.StartExecution(tk.ID, 0, task.PhaseOptimization, "ds_1", now)
	require.NoError(t, s.AppendExecution(ctx, opt))
	assert.ErrorIs(t, s.AppendExecution(ctx, opt), task.ErrDuplicateExecution)

	open, err := s.OpenExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, opt.Complete("ds_opt", now.Add(time.Second)))
	require.NoError(t, s.CloseExecution(ctx, opt))
	assert.ErrorIs(t, s.CloseExecution(ctx, opt), task.ErrExecutionClosed)

	missing := task.StartExecution(tk.ID, 0, task.PhaseEvaluation, "model", now)
	require.NoError(t, missing.Complete("eval", now))
	err = s.CloseExecution(ctx, missing)
	assert.ErrorIs(t, err, task.ErrExecutionNotFound)
	assert.NotErrorIs(t, err, task.ErrTaskNotFound, "the task exists; only the row is missing")

	train := task.StartExecution(tk.ID, 0, task.PhaseTraining, "ds_opt", now)
	require.NoError(t, s.AppendExecution(ctx, train))
	next := task.StartExecution(tk.ID, 1, task.PhaseOptimization, "ds_opt", now)
	require.NoError(t, s.AppendExecution(ctx, next))

	rows, err := s.IterationExecutions(ctx, tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, task.PhaseOptimization, rows[0].Phase)
	assert.Equal(t, task.ExecutionCompleted, rows[0].Status)
	assert.Equal(t, task.PhaseTraining, rows[1].Phase)

	all, err := s.Executions(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Iteration, "newest iteration first")

	unknown := task.StartExecution("task_missing", 0, task.PhaseTraining, "", now)
	assert.ErrorIs(t, s.AppendExecution(ctx, unknown), task.ErrTaskNotFound)
}

func TestStore_DeleteRemovesExecutions(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	tk := newTask(t, s, "", now)
	require.NoError(t, s.AppendExecution(ctx, task.StartExecution(tk.ID, 0, task.PhaseOptimization, "", now)))

	require.NoError(t, s.Delete(ctx, tk.ID))
	_, err := s.Get(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	rows, err := s.Executions(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	assert.ErrorIs(t, s.Delete(ctx, tk.ID), task.ErrTaskNotFound)
}

func TestStore_Closed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
	_, err := s.Get(context.Background(), "x")
	assert.Error(t, err)
}
