package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/trainloop/internal/dataset"
	"github.com/fyrsmithlabs/trainloop/internal/lifecycle"
	"github.com/fyrsmithlabs/trainloop/internal/orchestrator"
	"github.com/fyrsmithlabs/trainloop/internal/task"
)

type runOptions struct {
	name            string
	owner           string
	mode            string
	datasetRef      string
	datasetLocation string
	model           string
	epochs          int
	learningRate    float64
	maxIterations   int
	threshold       float64
}

func newRunCmd(configPath *string) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a task and drive it to completion",
		Long: `Create a task and drive it in the foreground, printing each phase as it
starts and finishes. Interrupting cancels the task at its next phase
boundary.

Examples:
  # One optimize, train and evaluate pass
  trainloop run --name demo --dataset squad --dataset-location s3://bucket/squad.jsonl --model llama-7b

  # Iterate until the score reaches 0.9 or five iterations have run
  trainloop run --name demo --dataset squad --model llama-7b --mode continuous --max-iterations 5 --threshold 0.9`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, *configPath, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "task name (required)")
	f.StringVar(&opts.owner, "owner", "", "owner id")
	f.StringVar(&opts.mode, "mode", string(task.ModeStandard), "standard or continuous")
	f.StringVar(&opts.datasetRef, "dataset", "", "dataset reference (required)")
	f.StringVar(&opts.datasetLocation, "dataset-location", "", "register the dataset at this location before creating the task")
	f.StringVar(&opts.model, "model", "", "base model name (required)")
	f.IntVar(&opts.epochs, "epochs", 0, "training epochs (default from model spec)")
	f.Float64Var(&opts.learningRate, "learning-rate", 0, "learning rate (default from model spec)")
	f.IntVar(&opts.maxIterations, "max-iterations", 0, "iteration cap for continuous tasks")
	f.Float64Var(&opts.threshold, "threshold", 0, "score in [0,1] that stops a continuous task")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func (o runOptions) request(flags interface{ Changed(string) bool }) *lifecycle.CreateRequest {
	req := &lifecycle.CreateRequest{
		Name:    o.name,
		OwnerID: o.owner,
		Mode:    task.Mode(o.mode),
		ModelSpec: task.ModelSpec{
			ModelName:    o.model,
			Epochs:       o.epochs,
			LearningRate: o.learningRate,
		},
		DatasetRef: o.datasetRef,
	}
	if flags.Changed("max-iterations") {
		req.MaxIterations = task.Ptr(o.maxIterations)
	}
	if flags.Changed("threshold") {
		req.PerformanceThreshold = task.Ptr(o.threshold)
	}
	return req
}

func runTask(cmd *cobra.Command, configPath string, opts runOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	if opts.datasetLocation != "" {
		seeder, ok := a.datasets.(dataset.Seeder)
		if !ok {
			return fmt.Errorf("dataset driver %q does not accept registrations", a.cfg.Datasets.Driver)
		}
		if err := seeder.Put(ctx, dataset.Dataset{Ref: opts.datasetRef, Location: opts.datasetLocation}); err != nil {
			return fmt.Errorf("failed to register dataset: %w", err)
		}
	}

	t, err := a.svc.Create(ctx, opts.request(cmd.Flags()))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created %s (%s)\n", t.ID, t.Mode)

	a.orch.OnProgress(func(p orchestrator.Progress) {
		printProgress(out, p)
	})

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			fmt.Fprintln(out, "cancelling at next phase boundary")
			_ = a.svc.Cancel(context.WithoutCancel(ctx), t.ID)
		case <-done:
		}
	}()

	runErr := a.orch.Execute(ctx, t.ID)
	close(done)

	final, err := a.svc.Get(context.WithoutCancel(ctx), t.ID)
	if err != nil {
		return errors.Join(runErr, err)
	}
	printSummary(out, final)
	if runErr != nil {
		return runErr
	}
	if final.Status != task.StatusCompleted {
		return fmt.Errorf("task %s ended %s", final.ID, final.Status)
	}
	return nil
}

func printProgress(w io.Writer, p orchestrator.Progress) {
	if p.Message == "" {
		fmt.Fprintf(w, "[iter %d] %-12s %s\n", p.Iteration, p.Phase, p.Status)
		return
	}
	fmt.Fprintf(w, "[iter %d] %-12s %s: %s\n", p.Iteration, p.Phase, p.Status, p.Message)
}

func printSummary(w io.Writer, t *task.Task) {
	fmt.Fprintf(w, "task %s %s after %d iteration(s)\n", t.ID, t.Status, t.CurrentIteration+1)
	if t.LatestScore != nil {
		fmt.Fprintf(w, "  score:   %.4f\n", *t.LatestScore)
	}
	if t.LatestModelRef != "" {
		fmt.Fprintf(w, "  model:   %s\n", t.LatestModelRef)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(w, "  error:   %s\n", t.ErrorMessage)
	}
	if t.CompletedAt != nil && t.StartedAt != nil {
		fmt.Fprintf(w, "  elapsed: %s\n", t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond))
	}
}
