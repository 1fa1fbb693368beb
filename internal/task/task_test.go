package task

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID()
	assert.True(t, strings.HasPrefix(id, "task_"))
	assert.Len(t, id, len("task_")+8)
	assert.NotEqual(t, id, NewID())
}

func TestModelSpec_WithDefaults(t *testing.T) {
	spec := ModelSpec{ModelName: "qwen2-7b", Epochs: 5, Extra: map[string]any{"warmup_ratio": 0.1}}
	got := spec.WithDefaults()

	assert.Equal(t, "sft", got.Stage)
	assert.Equal(t, "lora", got.FinetuningType)
	assert.Equal(t, 2, got.BatchSize)
	assert.Equal(t, 5e-5, got.LearningRate)
	assert.Equal(t, 5, got.Epochs, "explicit values are kept")
	assert.Equal(t, -1, got.MaxSteps)
	assert.Equal(t, 8, got.LoraRank)
	assert.Equal(t, 16, got.LoraAlpha)
	assert.Equal(t, 0.1, got.Extra["warmup_ratio"])

	got.Extra["warmup_ratio"] = 0.2
	assert.Equal(t, 0.1, spec.Extra["warmup_ratio"], "extra map must be copied")
}

func TestTaskValidate(t *testing.T) {
	now := time.Now()
	base := func(mode Mode) *Task {
		return New("demo", "u1", mode, ModelSpec{ModelName: "m"}, "ds_1", now)
	}

	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr error
	}{
		{name: "standard ok", mutate: func(*Task) {}},
		{name: "missing name", mutate: func(tk *Task) { tk.Name = " " }, wantErr: ErrInvalidTask},
		{name: "bad mode", mutate: func(tk *Task) { tk.Mode = "batch" }, wantErr: ErrInvalidTask},
		{name: "missing dataset", mutate: func(tk *Task) { tk.OriginalDatasetRef = "" }, wantErr: ErrInvalidTask},
		{name: "missing model", mutate: func(tk *Task) { tk.ModelSpec.ModelName = "" }, wantErr: ErrInvalidTask},
		{
			name:    "continuous without termination",
			mutate:  func(tk *Task) { tk.Mode = ModeContinuous },
			wantErr: ErrTerminationConditionMissing,
		},
		{
			name: "continuous with cap",
			mutate: func(tk *Task) {
				tk.Mode = ModeContinuous
				tk.MaxIterations = Ptr(3)
			},
		},
		{
			name: "continuous with threshold",
			mutate: func(tk *Task) {
				tk.Mode = ModeContinuous
				tk.PerformanceThreshold = Ptr(0.9)
			},
		},
		{
			name: "zero cap",
			mutate: func(tk *Task) {
				tk.Mode = ModeContinuous
				tk.MaxIterations = Ptr(0)
			},
			wantErr: ErrInvalidTask,
		},
		{
			name: "threshold above one",
			mutate: func(tk *Task) {
				tk.Mode = ModeContinuous
				tk.PerformanceThreshold = Ptr(1.5)
			},
			wantErr: ErrInvalidTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := base(ModeStandard)
			tt.mutate(tk)
			err := tk.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	now := time.Now()
	tk := New("demo", "owner", ModeStandard, ModelSpec{ModelName: "m"}, "ds_1", now)

	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, "ds_1", tk.OriginalDatasetRef)
	assert.Equal(t, "ds_1", tk.CurrentDatasetRef)
	assert.Equal(t, 0, tk.CurrentIteration)
	assert.Equal(t, now, tk.CreatedAt)
	assert.Nil(t, tk.StartedAt)
	assert.Equal(t, "lora", tk.ModelSpec.FinetuningType)
}

func TestClone_IsDeep(t *testing.T) {
	now := time.Now()
	tk := New("demo", "", ModeContinuous, ModelSpec{ModelName: "m", Extra: map[string]any{"k": "v"}}, "ds", now)
	tk.MaxIterations = Ptr(3)
	tk.RecordEvaluation("eval_1", 0.8, []string{"more data"}, now)

	c := tk.Clone()
	*c.MaxIterations = 9
	*c.LatestScore = 0.1
	c.LatestSuggestions[0] = "changed"
	c.ModelSpec.Extra["k"] = "changed"

	assert.Equal(t, 3, *tk.MaxIterations)
	assert.Equal(t, 0.8, *tk.LatestScore)
	assert.Equal(t, "more data", tk.LatestSuggestions[0])
	assert.Equal(t, "v", tk.ModelSpec.Extra["k"])
}

func TestFilterMatches(t *testing.T) {
	tk := &Task{OwnerID: "u1", Status: StatusTraining, Mode: ModeContinuous}

	assert.True(t, Filter{}.Matches(tk))
	assert.True(t, Filter{OwnerID: "u1", Status: StatusTraining}.Matches(tk))
	assert.False(t, Filter{OwnerID: "u2"}.Matches(tk))
	assert.False(t, Filter{Status: StatusPending}.Matches(tk))
	assert.False(t, Filter{Mode: ModeStandard}.Matches(tk))
}

func TestPhaseError(t *testing.T) {
	cause := errors.New("GPU out of memory")
	err := NewPhaseError(PhaseTraining, cause)

	assert.Equal(t, "training phase failed: GPU out of memory", err.Error())
	assert.True(t, errors.Is(err, cause))

	var pe *PhaseError
	require.True(t, errors.As(error(err), &pe))
	assert.Equal(t, PhaseTraining, pe.Phase)
}
