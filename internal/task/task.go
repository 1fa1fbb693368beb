// internal/task/task.go
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Training defaults applied when a model spec leaves a field unset.
const (
	DefaultStage          = "sft"
	DefaultFinetuningType = "lora"
	DefaultBatchSize      = 2
	DefaultLearningRate   = 5e-5
	DefaultEpochs         = 3
	DefaultMaxSteps       = -1
	DefaultLoraRank       = 8
	DefaultLoraAlpha      = 16
)

// ModelSpec describes the model to train. Known hyperparameters are typed;
// anything else rides along in Extra and is passed to the trainer untouched.
type ModelSpec struct {
	ModelName      string         `json:"model_name"`
	Stage          string         `json:"stage,omitempty"`
	FinetuningType string         `json:"finetuning_type,omitempty"`
	BatchSize      int            `json:"batch_size,omitempty"`
	LearningRate   float64        `json:"learning_rate,omitempty"`
	Epochs         int            `json:"epochs,omitempty"`
	MaxSteps       int            `json:"max_steps,omitempty"`
	LoraRank       int            `json:"lora_rank,omitempty"`
	LoraAlpha      int            `json:"lora_alpha,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// WithDefaults returns a copy with unset hyperparameters filled in.
func (m ModelSpec) WithDefaults() ModelSpec {
	if m.Stage == "" {
		m.Stage = DefaultStage
	}
	if m.FinetuningType == "" {
		m.FinetuningType = DefaultFinetuningType
	}
	if m.BatchSize == 0 {
		m.BatchSize = DefaultBatchSize
	}
	if m.LearningRate == 0 {
		m.LearningRate = DefaultLearningRate
	}
	if m.Epochs == 0 {
		m.Epochs = DefaultEpochs
	}
	if m.MaxSteps == 0 {
		m.MaxSteps = DefaultMaxSteps
	}
	if m.LoraRank == 0 {
		m.LoraRank = DefaultLoraRank
	}
	if m.LoraAlpha == 0 {
		m.LoraAlpha = DefaultLoraAlpha
	}
	m.Extra = cloneExtra(m.Extra)
	return m
}

// Validate checks the spec for obviously unusable values.
func (m ModelSpec) Validate() error {
	if strings.TrimSpace(m.ModelName) == "" {
		return fmt.Errorf("%w: model name is required", ErrInvalidTask)
	}
	if m.BatchSize < 0 || m.Epochs < 0 || m.LoraRank < 0 || m.LoraAlpha < 0 {
		return fmt.Errorf("%w: hyperparameters must not be negative", ErrInvalidTask)
	}
	if m.LearningRate < 0 {
		return fmt.Errorf("%w: learning rate must not be negative", ErrInvalidTask)
	}
	return nil
}

// Task is one orchestrated ML job.
type Task struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
	Mode    Mode   `json:"mode"`
	Status  Status `json:"status"`

	ModelSpec          ModelSpec `json:"model_spec"`
	OriginalDatasetRef string    `json:"original_dataset_ref"`
	CurrentDatasetRef  string    `json:"current_dataset_ref"`

	CurrentIteration     int      `json:"current_iteration"`
	MaxIterations        *int     `json:"max_iterations,omitempty"`
	PerformanceThreshold *float64 `json:"performance_threshold,omitempty"`

	LatestModelRef      string   `json:"latest_model_ref,omitempty"`
	LatestEvaluationRef string   `json:"latest_evaluation_ref,omitempty"`
	LatestScore         *float64 `json:"latest_score,omitempty"`
	LatestSuggestions   []string `json:"latest_suggestions,omitempty"`

	ErrorMessage   string         `json:"error_message,omitempty"`
	ControlRequest ControlRequest `json:"control_request,omitempty"`

	// Version is bumped by the repository on every committed update.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewID returns a fresh task identifier.
func NewID() string {
	return "task_" + uuid.NewString()[:8]
}

// New builds a pending task. Callers validate with Validate before saving.
func New(name, ownerID string, mode Mode, spec ModelSpec, datasetRef string, now time.Time) *Task {
	return &Task{
		ID:                 NewID(),
		Name:               name,
		OwnerID:            ownerID,
		Mode:               mode,
		Status:             StatusPending,
		ModelSpec:          spec.WithDefaults(),
		OriginalDatasetRef: datasetRef,
		CurrentDatasetRef:  datasetRef,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Validate checks creation-time invariants.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTask, t.Mode)
	}
	if t.OriginalDatasetRef == "" {
		return fmt.Errorf("%w: dataset reference is required", ErrInvalidTask)
	}
	if err := t.ModelSpec.Validate(); err != nil {
		return err
	}
	if t.Mode != ModeContinuous {
		return nil
	}
	if t.MaxIterations == nil && t.PerformanceThreshold == nil {
		return ErrTerminationConditionMissing
	}
	if t.MaxIterations != nil && *t.MaxIterations < 1 {
		return fmt.Errorf("%w: max_iterations must be >= 1", ErrInvalidTask)
	}
	if t.PerformanceThreshold != nil {
		if v := *t.PerformanceThreshold; v <= 0 || v > 1 {
			return fmt.Errorf("%w: performance_threshold must be in (0, 1]", ErrInvalidTask)
		}
	}
	return nil
}

// UpdateStatus applies a state-machine transition and maintains timestamps.
func (t *Task) UpdateStatus(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	if to.IsRunning() && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if to.IsTerminal() {
		done := now
		t.CompletedAt = &done
		t.ControlRequest = ControlNone
	}
	return nil
}

// Fail moves the task to failed and records msg.
func (t *Task) Fail(msg string, now time.Time) error {
	if err := t.UpdateStatus(StatusFailed, now); err != nil {
		return err
	}
	t.ErrorMessage = msg
	return nil
}

// Suspend parks a running task. It is separate from UpdateStatus because
// suspension is a control action rather than a pipeline step.
func (t *Task) Suspend(now time.Time) error {
	if !t.Status.IsRunning() {
		return &TransitionError{From: t.Status, To: StatusSuspended}
	}
	t.Status = StatusSuspended
	t.ControlRequest = ControlNone
	t.UpdatedAt = now
	return nil
}

// RecordEvaluation stores the outcome of an evaluation phase.
func (t *Task) RecordEvaluation(ref string, score float64, suggestions []string, now time.Time) {
	t.LatestEvaluationRef = ref
	s := score
	t.LatestScore = &s
	t.LatestSuggestions = append([]string(nil), suggestions...)
	t.UpdatedAt = now
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.ModelSpec.Extra = cloneExtra(t.ModelSpec.Extra)
	c.MaxIterations = clonePtr(t.MaxIterations)
	c.PerformanceThreshold = clonePtr(t.PerformanceThreshold)
	c.LatestScore = clonePtr(t.LatestScore)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	if t.LatestSuggestions != nil {
		c.LatestSuggestions = append([]string(nil), t.LatestSuggestions...)
	}
	return &c
}

// Ptr returns a pointer to v. Handy for optional termination fields.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneExtra(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
