package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/trainloop/internal/dataset"
	"github.com/fyrsmithlabs/trainloop/internal/events"
	"github.com/fyrsmithlabs/trainloop/internal/store/memory"
	"github.com/fyrsmithlabs/trainloop/internal/task"
)

type mockOrchestrator struct {
	mock.Mock
}

func (m *mockOrchestrator) Start(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOrchestrator) Suspend(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOrchestrator) Cancel(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOrchestrator) Forget(id string) {
	m.Called(id)
}

type fixture struct {
	repo   *memory.Store
	orch   *mockOrchestrator
	events *events.Recorder
	svc    Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   memory.New(),
		orch:   &mockOrchestrator{},
		events: &events.Recorder{},
	}
	svc, err := NewService(Dependencies{
		Repo:         f.repo,
		Datasets:     dataset.NewMemoryStore(dataset.Dataset{Ref: "ds_qa", Location: "s3://bucket/datasets/ds_qa.jsonl"}),
		Orchestrator: f.orch,
		Events:       f.events,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func standardRequest() *CreateRequest {
	return &CreateRequest{
		Name:       "qa-sft",
		OwnerID:    "user_7",
		Mode:       task.ModeStandard,
		ModelSpec:  task.ModelSpec{ModelName: "llama-3-8b"},
		DatasetRef: "ds_qa",
	}
}

func (f *fixture) setStatus(t *testing.T, id string, statuses ...task.Status) {
	t.Helper()
	_, err := task.Mutate(context.Background(), f.repo, id, 0, func(tk *task.Task) error {
		for _, s := range statuses {
			if err := tk.UpdateStatus(s, time.Now()); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(Dependencies{})
	assert.Error(t, err)
}

func TestCreate_Standard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, err := f.svc.Create(ctx, standardRequest())
	require.NoError(t, err)

	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Equal(t, "ds_qa", tk.CurrentDatasetRef)
	assert.Equal(t, task.DefaultBatchSize, tk.ModelSpec.BatchSize)
	assert.Nil(t, tk.MaxIterations)

	stored, err := f.svc.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, stored.ID)
	assert.Len(t, f.events.OfType(events.TypeTaskCreated), 1)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr error
	}{
		{"unknown dataset", func(r *CreateRequest) { r.DatasetRef = "ds_missing" }, task.ErrDatasetNotFound},
		{"continuous without termination", func(r *CreateRequest) {
			r.Mode = task.ModeContinuous
		}, task.ErrTerminationConditionMissing},
		{"zero max iterations", func(r *CreateRequest) {
			r.Mode = task.ModeContinuous
			r.MaxIterations = task.Ptr(0)
		}, task.ErrInvalidTask},
		{"threshold above one", func(r *CreateRequest) {
			r.Mode = task.ModeContinuous
			r.PerformanceThreshold = task.Ptr(1.2)
		}, task.ErrInvalidTask},
		{"missing model", func(r *CreateRequest) { r.ModelSpec.ModelName = "" }, task.ErrInvalidTask},
		{"unknown mode", func(r *CreateRequest) { r.Mode = "forever" }, task.ErrInvalidTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := standardRequest()
			tt.mutate(req)

			_, err := f.svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)

			all, err := f.repo.List(context.Background(), task.Filter{})
			require.NoError(t, err)
			assert.Empty(t, all, "validation errors never store a task")
		})
	}
}

func TestCreate_Continuous(t *testing.T) {
	f := newFixture(t)
	req := standardRequest()
	req.Mode = task.ModeContinuous
	req.MaxIterations = task.Ptr(4)

	tk, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, tk.MaxIterations)
	assert.Equal(t, 4, *tk.MaxIterations)
	assert.Nil(t, tk.PerformanceThreshold)
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk, err := f.svc.Create(ctx, standardRequest())
	require.NoError(t, err)

	f.orch.On("Start", mock.Anything, tk.ID).Return(nil).Once()
	require.NoError(t, f.svc.Start(ctx, tk.ID))
	f.orch.AssertExpectations(t)

	f.setStatus(t, tk.ID, task.StatusOptimizing)
	err = f.svc.Start(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrInvalidStateTransition)
	f.orch.AssertNumberOfCalls(t, "Start", 1)

	assert.ErrorIs(t, f.svc.Start(ctx, "task_nope"), task.ErrTaskNotFound)
}

func TestSuspendCancel_Forwarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.On("Suspend", mock.Anything, "task_a").Return(nil).Once()
	f.orch.On("Cancel", mock.Anything, "task_b").Return(task.ErrTaskNotFound).Once()

	assert.NoError(t, f.svc.Suspend(ctx, "task_a"))
	assert.ErrorIs(t, f.svc.Cancel(ctx, "task_b"), task.ErrTaskNotFound)
	f.orch.AssertExpectations(t)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk, err := f.svc.Create(ctx, standardRequest())
	require.NoError(t, err)

	err = f.svc.Delete(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrInvalidStateTransition, "pending tasks cannot be deleted")

	f.setStatus(t, tk.ID, task.StatusOptimizing)
	require.NoError(t, f.repo.AppendExecution(ctx, task.StartExecution(tk.ID, 0, task.PhaseOptimization, "ds_qa", time.Now())))
	f.setStatus(t, tk.ID, task.StatusFailed)

	f.orch.On("Forget", tk.ID).Return().Once()
	require.NoError(t, f.svc.Delete(ctx, tk.ID))
	f.orch.AssertExpectations(t)

	_, err = f.svc.Get(ctx, tk.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	rows, err := f.repo.Executions(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Len(t, f.events.OfType(events.TypeTaskDeleted), 1)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Create(ctx, standardRequest())
	require.NoError(t, err)
	other := standardRequest()
	other.OwnerID = "user_8"
	other.Mode = task.ModeContinuous
	other.PerformanceThreshold = task.Ptr(0.9)
	b, err := f.svc.Create(ctx, other)
	require.NoError(t, err)

	f.setStatus(t, b.ID, task.StatusOptimizing)
	now := time.Now()
	opt := task.StartExecution(b.ID, 0, task.PhaseOptimization, "ds_qa", now)
	require.NoError(t, f.repo.AppendExecution(ctx, opt))
	require.NoError(t, opt.Complete("ds_opt", now))
	require.NoError(t, f.repo.CloseExecution(ctx, opt))

	byOwner, err := f.svc.List(ctx, task.Filter{OwnerID: "user_7"})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, a.ID, byOwner[0].ID)

	byMode, err := f.svc.List(ctx, task.Filter{Mode: task.ModeContinuous})
	require.NoError(t, err)
	require.Len(t, byMode, 1)
	assert.Equal(t, b.ID, byMode[0].ID)

	_, err = f.svc.List(ctx, task.Filter{Status: "sleeping"})
	assert.ErrorIs(t, err, task.ErrInvalidTask)

	rows, err := f.svc.CurrentIterationExecutions(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, task.ExecutionCompleted, rows[0].Status)

	_, err = f.svc.Executions(ctx, "task_missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.ByStatus[task.StatusPending])
	assert.Equal(t, 1, stats.ByStatus[task.StatusOptimizing])
	assert.Equal(t, 0, stats.ByStatus[task.StatusCompleted])
}
