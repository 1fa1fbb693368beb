// Package simulated provides deterministic stand-ins for the optimizer,
// trainer and evaluator. They let the engine run end to end without GPUs or
// external services.
package simulated

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/trainloop/internal/dataset"
	"github.com/fyrsmithlabs/trainloop/internal/orchestrator"
)

// Score model: BaseScore on the first iteration, rising by ScoreStep per
// iteration up to 1.
const (
	BaseScore = 0.85
	ScoreStep = 0.03
)

// Suggestions returned by every evaluation.
var Suggestions = []string{
	"Increase the share of multi-step reasoning samples",
	"Add chain-of-thought explanations to answers",
	"Balance the semantic distribution across subtopics",
}

// Config tunes the simulation.
type Config struct {
	// Delay is how long each phase pretends to work.
	Delay time.Duration
	// DatasetPrefix and ModelPrefix form the generated locations.
	DatasetPrefix string
	ModelPrefix   string
}

// Collaborators implements all three collaborator interfaces.
type Collaborators struct {
	cfg Config
}

var (
	_ orchestrator.Optimizer = (*Collaborators)(nil)
	_ orchestrator.Trainer   = (*Collaborators)(nil)
	_ orchestrator.Evaluator = (*Collaborators)(nil)
)

// New returns simulated collaborators.
func New(cfg Config) *Collaborators {
	if cfg.DatasetPrefix == "" {
		cfg.DatasetPrefix = "s3://bucket/datasets"
	}
	if cfg.ModelPrefix == "" {
		cfg.ModelPrefix = "s3://bucket/models"
	}
	cfg.DatasetPrefix = strings.TrimRight(cfg.DatasetPrefix, "/")
	cfg.ModelPrefix = strings.TrimRight(cfg.ModelPrefix, "/")
	return &Collaborators{cfg: cfg}
}

func (c *Collaborators) Optimize(ctx context.Context, req orchestrator.OptimizeRequest) (*orchestrator.OptimizedDataset, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	ref := dataset.OptimizedName(req.TaskID, req.Iteration)
	return &orchestrator.OptimizedDataset{
		Ref:      ref,
		Location: fmt.Sprintf("%s/%s.jsonl", c.cfg.DatasetPrefix, ref),
	}, nil
}

func (c *Collaborators) Train(ctx context.Context, req orchestrator.TrainRequest) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s_iter%d.pth", c.cfg.ModelPrefix, req.TaskID, req.Iteration), nil
}

func (c *Collaborators) Evaluate(ctx context.Context, req orchestrator.EvaluateRequest) (*orchestrator.Evaluation, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return &orchestrator.Evaluation{
		Ref:         fmt.Sprintf("eval_%s_iter%d", req.TaskID, req.Iteration),
		Score:       Score(req.Iteration),
		Suggestions: append([]string(nil), Suggestions...),
	}, nil
}

// Score returns the simulated score for an iteration.
func Score(iteration int) float64 {
	s := BaseScore + ScoreStep*float64(iteration)
	// Round away float noise so thresholds compare predictably.
	return math.Min(1, math.Round(s*1e6)/1e6)
}

func (c *Collaborators) wait(ctx context.Context) error {
	if c.cfg.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.cfg.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
