package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fyrsmithlabs/trainloop/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ms), 2)

	for i, m := range ms {
		assert.Equal(t, i+1, m.Version, "migrations are contiguous")
		assert.NotEmpty(t, m.SQL)
	}
	assert.Contains(t, ms[0].SQL, `"phase_executions"`)
	assert.Contains(t, ms[1].SQL, `"datasets"`)
}

func TestListQuery(t *testing.T) {
	q, args := listQuery(task.Filter{})
	assert.NotContains(t, q, "WHERE")
	assert.Contains(t, q, `ORDER BY "created_at" DESC`)
	assert.Empty(t, args)

	q, args = listQuery(task.Filter{OwnerID: "u1", Status: task.StatusTraining, Limit: 10})
	assert.Contains(t, q, `WHERE "owner_id" = $1 AND "status" = $2`)
	assert.Contains(t, q, "LIMIT 10")
	assert.Equal(t, []interface{}{"u1", "training"}, args)

	_, args = listQuery(task.Filter{Mode: task.ModeContinuous})
	assert.Equal(t, []interface{}{"continuous"}, args)
}

// openTestStore connects to TRAINLOOP_TEST_POSTGRES_URL, migrates, and
// truncates. Tests are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TRAINLOOP_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TRAINLOOP_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	s, err := Open(ctx, Config{URL: url, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = Migrate(ctx, s.Pool())
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `TRUNCATE "tasks", "datasets" CASCADE`)
	require.NoError(t, err)
	return s
}

func TestStore_Integration_TaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tk := task.New("pg", "u1", task.ModeContinuous, task.ModelSpec{ModelName: "m", Extra: map[string]any{"seed": 7.0}}, "ds_1", now)
	tk.MaxIterations = task.Ptr(3)
	require.NoError(t, s.Create(ctx, tk))
	assert.ErrorIs(t, s.Create(ctx, tk), task.ErrTaskExists)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, *got.MaxIterations)
	assert.Nil(t, got.PerformanceThreshold)
	assert.Equal(t, 7.0, got.ModelSpec.Extra["seed"])
	assert.Equal(t, int64(1), got.Version)

	stale := got.Clone()
	require.NoError(t, got.UpdateStatus(task.StatusOptimizing, now))
	require.NoError(t, s.Update(ctx, got))
	assert.Equal(t, int64(2), got.Version)
	assert.ErrorIs(t, s.Update(ctx, stale), task.ErrConcurrentModification)

	listed, err := s.List(ctx, task.Filter{OwnerID: "u1", Status: task.StatusOptimizing})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[task.StatusOptimizing])

	e := task.StartExecution(tk.ID, 0, task.PhaseOptimization, "ds_1", now)
	require.NoError(t, s.AppendExecution(ctx, e))
	assert.ErrorIs(t, s.AppendExecution(ctx, e), task.ErrDuplicateExecution)

	open, err := s.OpenExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, e.Complete("ds_opt", now.Add(time.Second)))
	require.NoError(t, s.CloseExecution(ctx, e))
	assert.ErrorIs(t, s.CloseExecution(ctx, e), task.ErrExecutionClosed)

	missing := task.StartExecution(tk.ID, 0, task.PhaseEvaluation, "model", now)
	require.NoError(t, missing.Complete("eval", now))
	assert.ErrorIs(t, s.CloseExecution(ctx, missing), task.ErrExecutionNotFound)

	rows, err := s.IterationExecutions(ctx, tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ds_opt", rows[0].OutputRef)
	assert.Equal(t, 1.0, *rows[0].DurationSeconds)

	require.NoError(t, s.Delete(ctx, tk.ID))
	rows, err = s.Executions(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.ErrorIs(t, s.Delete(ctx, tk.ID), task.ErrTaskNotFound)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openTestStore(t)
	n, err := Migrate(context.Background(), s.Pool())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	v, err := SchemaVersion(context.Background(), s.Pool())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 2)
}
