package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/trainloop/internal/dataset"
	"github.com/fyrsmithlabs/trainloop/internal/orchestrator"
)

// Job statuses reported by the optimizer and trainer.
const (
	jobCompleted = "completed"
	jobFailed    = "failed"
	jobStopped   = "stopped"
)

// Collaborators bundles the three clients. They share one rate limiter.
type Collaborators struct {
	Optimizer *Optimizer
	Trainer   *Trainer
	Evaluator *Evaluator
}

// New builds all three clients from cfg.
func New(cfg Config) (*Collaborators, error) {
	cfg = cfg.withDefaults()
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)

	opt, err := newClient(cfg.OptimizerURL, cfg, limiter)
	if err != nil {
		return nil, fmt.Errorf("optimizer: %w", err)
	}
	tr, err := newClient(cfg.TrainerURL, cfg, limiter)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	ev, err := newClient(cfg.EvaluatorURL, cfg, limiter)
	if err != nil {
		return nil, fmt.Errorf("evaluator: %w", err)
	}
	return &Collaborators{
		Optimizer: &Optimizer{c: opt, pollInterval: cfg.PollInterval},
		Trainer:   &Trainer{c: tr, pollInterval: cfg.PollInterval, outputPrefix: strings.TrimRight(cfg.ModelOutputPrefix, "/")},
		Evaluator: &Evaluator{c: ev},
	}, nil
}

// Optimizer submits optimization jobs and polls them.
type Optimizer struct {
	c            *client
	pollInterval time.Duration
}

var _ orchestrator.Optimizer = (*Optimizer)(nil)

type optimizeRequest struct {
	TaskID          string                 `json:"task_id"`
	Iteration       int                    `json:"iteration"`
	Mode            string                 `json:"mode"`
	DatasetRef      string                 `json:"dataset_ref"`
	DatasetLocation string                 `json:"dataset_location"`
	Domain          string                 `json:"domain,omitempty"`
	OutputRef       string                 `json:"output_ref"`
	Guidance        *orchestrator.Guidance `json:"optimization_guidance,omitempty"`
}

type optimizeSubmitted struct {
	JobID   string `json:"task_id"`
	Status  string `json:"status"`
	Mode    string `json:"mode"`
	Message string `json:"message"`
}

type optimizeResult struct {
	JobID          string  `json:"task_id"`
	Status         string  `json:"status"`
	CurrentPhase   string  `json:"current_phase"`
	Progress       float64 `json:"progress"`
	OutputRef      string  `json:"output_ref"`
	OutputLocation string  `json:"output_location"`
	Error          string  `json:"error"`
}

// Optimize runs in guided mode when req.Guidance is set and auto mode
// otherwise.
func (o *Optimizer) Optimize(ctx context.Context, req orchestrator.OptimizeRequest) (*orchestrator.OptimizedDataset, error) {
	mode := "auto"
	if req.Guidance != nil {
		mode = "guided"
	}
	outRef := dataset.OptimizedName(req.TaskID, req.Iteration)

	var sub optimizeSubmitted
	if err := o.c.do(ctx, "POST", "/optimize", optimizeRequest{
		TaskID:          req.TaskID,
		Iteration:       req.Iteration,
		Mode:            mode,
		DatasetRef:      req.Dataset.Ref,
		DatasetLocation: req.Dataset.Location,
		Domain:          req.Dataset.Domain,
		OutputRef:       outRef,
		Guidance:        req.Guidance,
	}, &sub); err != nil {
		return nil, err
	}
	if sub.JobID == "" {
		return nil, errors.New("optimizer returned no job id")
	}

	var res optimizeResult
	err := poll(ctx, o.pollInterval, func() (bool, error) {
		if err := o.c.do(ctx, "GET", "/optimize/"+url.PathEscape(sub.JobID), nil, &res); err != nil {
			return false, err
		}
		switch res.Status {
		case jobCompleted:
			return true, nil
		case jobFailed:
			return false, fmt.Errorf("optimization job %s failed: %s", sub.JobID, res.Error)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if res.OutputLocation == "" {
		return nil, fmt.Errorf("optimization job %s completed without an output location", sub.JobID)
	}
	if res.OutputRef != "" {
		outRef = res.OutputRef
	}
	return &orchestrator.OptimizedDataset{Ref: outRef, Location: res.OutputLocation}, nil
}

// Trainer submits training jobs and polls them.
type Trainer struct {
	c            *client
	pollInterval time.Duration
	outputPrefix string
}

var _ orchestrator.Trainer = (*Trainer)(nil)

type trainRequest struct {
	ModelName       string         `json:"model_name"`
	Dataset         string         `json:"dataset"`
	DatasetLocation string         `json:"dataset_location"`
	Stage           string         `json:"stage"`
	FinetuningType  string         `json:"finetuning_type"`
	BatchSize       int            `json:"batch_size"`
	LearningRate    float64        `json:"learning_rate"`
	Epochs          int            `json:"epochs"`
	MaxSteps        int            `json:"max_steps"`
	LoraRank        int            `json:"lora_rank"`
	LoraAlpha       int            `json:"lora_alpha"`
	OutputDir       string         `json:"output_dir"`
	Extra           map[string]any `json:"extra,omitempty"`
}

type trainSubmitted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type jobStatus struct {
	JobID       string   `json:"job_id"`
	Status      string   `json:"status"`
	Progress    float64  `json:"progress"`
	CurrentLoss *float64 `json:"current_loss"`
	ModelPath   string   `json:"model_path"`
	Error       string   `json:"error"`
}

// Train returns the model path the trainer reports, or the output
// directory it was given.
func (t *Trainer) Train(ctx context.Context, req orchestrator.TrainRequest) (string, error) {
	spec := req.ModelSpec
	outputDir := fmt.Sprintf("%s/%s_iter%d.pth", t.outputPrefix, req.TaskID, req.Iteration)

	var sub trainSubmitted
	if err := t.c.do(ctx, "POST", "/train", trainRequest{
		ModelName:       spec.ModelName,
		Dataset:         req.Dataset.Ref,
		DatasetLocation: req.Dataset.Location,
		Stage:           spec.Stage,
		FinetuningType:  spec.FinetuningType,
		BatchSize:       spec.BatchSize,
		LearningRate:    spec.LearningRate,
		Epochs:          spec.Epochs,
		MaxSteps:        spec.MaxSteps,
		LoraRank:        spec.LoraRank,
		LoraAlpha:       spec.LoraAlpha,
		OutputDir:       outputDir,
		Extra:           spec.Extra,
	}, &sub); err != nil {
		return "", err
	}
	if sub.JobID == "" {
		return "", errors.New("trainer returned no job id")
	}

	var st jobStatus
	err := poll(ctx, t.pollInterval, func() (bool, error) {
		if err := t.c.do(ctx, "GET", "/jobs/"+url.PathEscape(sub.JobID), nil, &st); err != nil {
			return false, err
		}
		switch st.Status {
		case jobCompleted:
			return true, nil
		case jobFailed, jobStopped:
			msg := st.Error
			if msg == "" {
				msg = "job " + st.Status
			}
			return false, fmt.Errorf("training job %s: %s", sub.JobID, msg)
		}
		return false, nil
	})
	if err != nil {
		// Best effort: free the GPU when we give up on a job.
		if ctx.Err() != nil {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			_ = t.c.do(stopCtx, "POST", "/jobs/"+url.PathEscape(sub.JobID)+"/stop", nil, nil)
			cancel()
		}
		return "", err
	}
	if st.ModelPath != "" {
		return st.ModelPath, nil
	}
	return outputDir, nil
}

// Evaluator scores models synchronously.
type Evaluator struct {
	c *client
}

var _ orchestrator.Evaluator = (*Evaluator)(nil)

type evaluateRequest struct {
	TaskID          string `json:"task_id"`
	Iteration       int    `json:"iteration"`
	ModelPath       string `json:"model_path"`
	TestDataset     string `json:"test_dataset"`
	DatasetLocation string `json:"dataset_location"`
	EnableDebate    bool   `json:"enable_debate"`
	DebateRounds    int    `json:"debate_rounds"`
}

type evaluateResponse struct {
	EvaluationID  string             `json:"evaluation_id"`
	OverallScore  float64            `json:"overall_score"`
	Metrics       map[string]float64 `json:"metrics"`
	BadCasesCount int                `json:"bad_cases_count"`
	Suggestions   []string           `json:"suggestions"`
}

// Evaluate asks for a debate-backed evaluation. Percent scores are
// normalized to [0, 1].
func (e *Evaluator) Evaluate(ctx context.Context, req orchestrator.EvaluateRequest) (*orchestrator.Evaluation, error) {
	var resp evaluateResponse
	if err := e.c.do(ctx, "POST", "/evaluate", evaluateRequest{
		TaskID:          req.TaskID,
		Iteration:       req.Iteration,
		ModelPath:       req.ModelRef,
		TestDataset:     req.Dataset.Ref,
		DatasetLocation: req.Dataset.Location,
		EnableDebate:    true,
		DebateRounds:    3,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.EvaluationID == "" {
		return nil, errors.New("evaluator returned no evaluation id")
	}
	return &orchestrator.Evaluation{
		Ref:         resp.EvaluationID,
		Score:       NormalizeScore(resp.OverallScore),
		Suggestions: resp.Suggestions,
	}, nil
}

// NormalizeScore maps a percentage in (1, 100] onto [0, 1]. Other values
// pass through for the orchestrator to validate.
func NormalizeScore(s float64) float64 {
	if s > 1 && s <= 100 {
		return s / 100
	}
	return s
}
