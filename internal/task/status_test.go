package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_Grid(t *testing.T) {
	allowed := map[Status]map[Status]bool{
		StatusPending:    {StatusOptimizing: true, StatusCancelled: true},
		StatusOptimizing: {StatusTraining: true, StatusFailed: true, StatusCancelled: true},
		StatusTraining:   {StatusEvaluating: true, StatusFailed: true, StatusCancelled: true},
		StatusEvaluating: {StatusCompleted: true, StatusLooping: true, StatusFailed: true, StatusCancelled: true},
		StatusLooping:    {StatusOptimizing: true, StatusCompleted: true, StatusCancelled: true},
		StatusSuspended:  {StatusOptimizing: true, StatusTraining: true, StatusEvaluating: true, StatusCancelled: true},
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[from][to]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal())
		assert.Nil(t, AllowedTransitions(s), "terminal %s", s)
	}
	assert.False(t, StatusSuspended.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
}

func TestAllowedTransitions_ReturnsCopy(t *testing.T) {
	got := AllowedTransitions(StatusPending)
	require.Len(t, got, 2)
	got[0] = StatusFailed
	assert.True(t, CanTransition(StatusPending, StatusOptimizing))
}

func TestIsRunning(t *testing.T) {
	running := []Status{StatusOptimizing, StatusTraining, StatusEvaluating, StatusLooping}
	for _, s := range running {
		assert.True(t, s.IsRunning(), s)
	}
	for _, s := range []Status{StatusPending, StatusSuspended, StatusCompleted, StatusFailed, StatusCancelled} {
		assert.False(t, s.IsRunning(), s)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("looping")
	require.NoError(t, err)
	assert.Equal(t, StatusLooping, s)

	_, err = ParseStatus("paused")
	assert.Error(t, err)
}

func TestPhaseStatusAndOrder(t *testing.T) {
	assert.Equal(t, StatusOptimizing, PhaseOptimization.Status())
	assert.Equal(t, StatusTraining, PhaseTraining.Status())
	assert.Equal(t, StatusEvaluating, PhaseEvaluation.Status())
	assert.Equal(t, 0, PhaseOptimization.Order())
	assert.Equal(t, 2, PhaseEvaluation.Order())
	assert.Equal(t, -1, Phase("deploy").Order())
}

func TestUpdateStatus_Timestamps(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := New("demo", "u1", ModeStandard, ModelSpec{ModelName: "qwen"}, "ds_1", t0)

	require.NoError(t, tk.UpdateStatus(StatusOptimizing, t0.Add(time.Second)))
	require.NotNil(t, tk.StartedAt)
	assert.Equal(t, t0.Add(time.Second), *tk.StartedAt)
	assert.Equal(t, t0.Add(time.Second), tk.UpdatedAt)
	assert.Nil(t, tk.CompletedAt)

	require.NoError(t, tk.UpdateStatus(StatusTraining, t0.Add(2*time.Second)))
	assert.Equal(t, t0.Add(time.Second), *tk.StartedAt, "started_at set only on first running entry")

	require.NoError(t, tk.UpdateStatus(StatusEvaluating, t0.Add(3*time.Second)))
	require.NoError(t, tk.UpdateStatus(StatusCompleted, t0.Add(4*time.Second)))
	require.NotNil(t, tk.CompletedAt)
	assert.Equal(t, t0.Add(4*time.Second), *tk.CompletedAt)
}

func TestUpdateStatus_Rejected(t *testing.T) {
	now := time.Now()
	tk := New("demo", "", ModeStandard, ModelSpec{ModelName: "m"}, "ds", now)

	err := tk.UpdateStatus(StatusTraining, now.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusPending, te.From)
	assert.Equal(t, StatusTraining, te.To)

	assert.Equal(t, StatusPending, tk.Status, "rejected transition must not mutate")
	assert.Equal(t, now, tk.UpdatedAt)
}

func TestUpdateStatus_TerminalClearsControlRequest(t *testing.T) {
	now := time.Now()
	tk := New("demo", "", ModeStandard, ModelSpec{ModelName: "m"}, "ds", now)
	tk.ControlRequest = ControlCancel

	require.NoError(t, tk.UpdateStatus(StatusCancelled, now))
	assert.Equal(t, ControlNone, tk.ControlRequest)
}

func TestSuspend(t *testing.T) {
	now := time.Now()
	tk := New("demo", "", ModeContinuous, ModelSpec{ModelName: "m"}, "ds", now)

	err := tk.Suspend(now)
	assert.ErrorIs(t, err, ErrInvalidStateTransition, "pending cannot be suspended")

	require.NoError(t, tk.UpdateStatus(StatusOptimizing, now))
	tk.ControlRequest = ControlSuspend
	require.NoError(t, tk.Suspend(now))
	assert.Equal(t, StatusSuspended, tk.Status)
	assert.Equal(t, ControlNone, tk.ControlRequest)

	require.NoError(t, tk.UpdateStatus(StatusTraining, now), "suspended resumes into any phase")
}

func TestFail_RecordsMessage(t *testing.T) {
	now := time.Now()
	tk := New("demo", "", ModeStandard, ModelSpec{ModelName: "m"}, "ds", now)
	require.NoError(t, tk.UpdateStatus(StatusOptimizing, now))

	require.NoError(t, tk.Fail("optimizer unreachable", now))
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, "optimizer unreachable", tk.ErrorMessage)

	assert.ErrorIs(t, tk.Fail("again", now), ErrInvalidStateTransition)
	assert.Equal(t, "optimizer unreachable", tk.ErrorMessage)
}
