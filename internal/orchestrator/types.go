package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/trainloop/internal/dataset"
	"github.com/fyrsmithlabs/trainloop/internal/task"
)

// Focus areas used in optimization guidance.
const (
	FocusReasoningQuality     = "reasoning_quality"
	FocusSemanticDistribution = "semantic_distribution"
)

var (
	// ErrShuttingDown is returned when the orchestrator no longer accepts
	// or dispatches work.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrLeaseLost is returned when a driver loses its task lease mid-run.
	ErrLeaseLost = errors.New("task lease lost")
)

// DatasetStore resolves dataset references and records optimizer outputs.
type DatasetStore interface {
	Lookup(ctx context.Context, ref string) (*dataset.Dataset, error)
	Register(ctx context.Context, ref, location, sourceRef string) (*dataset.Dataset, error)
}

// Guidance steers a guided optimization run.
type Guidance struct {
	FocusAreas               []string `json:"focus_areas"`
	OptimizationInstructions string   `json:"optimization_instructions"`
	GenerationInstructions   string   `json:"generation_instructions"`
	Suggestions              []string `json:"suggestions"`
}

// OptimizeRequest asks the optimizer for an improved dataset. A nil
// Guidance means auto mode.
type OptimizeRequest struct {
	TaskID    string
	Iteration int
	Dataset   dataset.Dataset
	Guidance  *Guidance
}

// OptimizedDataset is the optimizer's output.
type OptimizedDataset struct {
	Ref      string
	Location string
}

// Optimizer prepares datasets.
type Optimizer interface {
	Optimize(ctx context.Context, req OptimizeRequest) (*OptimizedDataset, error)
}

// TrainRequest asks the trainer for a model.
type TrainRequest struct {
	TaskID    string
	Iteration int
	Dataset   dataset.Dataset
	ModelSpec task.ModelSpec
}

// Trainer produces a model reference.
type Trainer interface {
	Train(ctx context.Context, req TrainRequest) (string, error)
}

// EvaluateRequest asks the evaluator to score a model.
type EvaluateRequest struct {
	TaskID    string
	Iteration int
	ModelRef  string
	Dataset   dataset.Dataset
}

// Evaluation is the evaluator's verdict.
type Evaluation struct {
	Ref         string
	Score       float64
	Suggestions []string
}

// Evaluator scores models.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (*Evaluation, error)
}

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrentTasks bounds concurrently running drivers (default: 4)
	MaxConcurrentTasks int

	OptimizationTimeout time.Duration
	TrainingTimeout     time.Duration
	EvaluationTimeout   time.Duration

	// ConflictRetries bounds optimistic retries per task write (default: 5)
	ConflictRetries uint
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:  4,
		OptimizationTimeout: 2 * time.Hour,
		TrainingTimeout:     24 * time.Hour,
		EvaluationTimeout:   2 * time.Hour,
		ConflictRetries:     task.DefaultMutateTries,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if c.OptimizationTimeout <= 0 {
		c.OptimizationTimeout = d.OptimizationTimeout
	}
	if c.TrainingTimeout <= 0 {
		c.TrainingTimeout = d.TrainingTimeout
	}
	if c.EvaluationTimeout <= 0 {
		c.EvaluationTimeout = d.EvaluationTimeout
	}
	if c.ConflictRetries == 0 {
		c.ConflictRetries = d.ConflictRetries
	}
	return c
}

func (c Config) timeout(p task.Phase) time.Duration {
	switch p {
	case task.PhaseOptimization:
		return c.OptimizationTimeout
	case task.PhaseTraining:
		return c.TrainingTimeout
	default:
		return c.EvaluationTimeout
	}
}

// Progress reports driver activity to an optional callback.
type Progress struct {
	TaskID    string
	Iteration int
	Phase     task.Phase
	Status    task.Status
	Message   string
}

// ProgressCallback receives progress updates. It must not block.
type ProgressCallback func(Progress)

// RecoveryReport summarizes Recover.
type RecoveryReport struct {
	// Interrupted tasks had a phase in flight and were failed.
	Interrupted []string
	// Resumed tasks were at a phase boundary and were relaunched.
	Resumed []string
}
