package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/trainloop/internal/dataset"
	"github.com/fyrsmithlabs/trainloop/internal/events"
	"github.com/fyrsmithlabs/trainloop/internal/lease"
	"github.com/fyrsmithlabs/trainloop/internal/logging"
	"github.com/fyrsmithlabs/trainloop/internal/task"
)

// step is the driver's next move, derived from the ledger.
type step struct {
	phase    task.Phase
	finalize bool
}

// plan picks the first phase of the iteration without a ledger row. A row
// that is still open or failed means the iteration cannot advance.
func plan(rows []*task.PhaseExecution) (step, error) {
	byPhase := make(map[task.Phase]*task.PhaseExecution, len(rows))
	for _, r := range rows {
		byPhase[r.Phase] = r
	}
	for _, p := range task.Phases {
		r, ok := byPhase[p]
		if !ok {
			return step{phase: p}, nil
		}
		switch r.Status {
		case task.ExecutionCompleted:
			continue
		case task.ExecutionRunning:
			return step{}, fmt.Errorf("%s phase of iteration %d is still open", p, r.Iteration)
		default:
			return step{}, fmt.Errorf("%s phase of iteration %d failed: %s", p, r.Iteration, r.ErrorMessage)
		}
	}
	return step{finalize: true}, nil
}

// drive runs the task until it halts. Every turn starts from persisted state.
func (o *Orchestrator) drive(ctx context.Context, taskID string, ls lease.Lease) error {
	for {
		select {
		case <-o.stopping:
			return ErrShuttingDown
		case <-ls.Lost():
			return ErrLeaseLost
		default:
		}

		t, err := o.repo.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if !t.Status.IsRunning() {
			return nil
		}

		rows, err := o.repo.IterationExecutions(ctx, taskID, t.CurrentIteration)
		if err != nil {
			return err
		}
		o.logger.Trace(ctx, "ledger read",
			zap.Int("iteration", t.CurrentIteration),
			zap.Int("rows", len(rows)),
		)
		st, err := plan(rows)
		if err != nil {
			return err
		}

		if st.finalize {
			if err := o.finalize(ctx, taskID, rows); err != nil {
				return err
			}
			continue
		}

		t, halted, err := o.enter(ctx, taskID, st.phase, rows)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
		if err := o.runPhase(ctx, t, st.phase); err != nil {
			return err
		}
	}
}

// enter brings the task pointers in line with the completed rows of the
// iteration, then applies a pending control request or moves the task into
// the status of phase. It returns the committed task and whether the driver
// must halt.
func (o *Orchestrator) enter(ctx context.Context, taskID string, phase task.Phase, rows []*task.PhaseExecution) (*task.Task, bool, error) {
	var (
		from   task.Status
		halted bool
	)
	t, err := task.Mutate(ctx, o.repo, taskID, o.cfg.ConflictRetries, func(t *task.Task) error {
		from = t.Status
		halted = false
		if !t.Status.IsRunning() {
			halted = true
			return task.ErrUnchanged
		}
		synced := syncLedger(t, rows)
		switch t.ControlRequest {
		case task.ControlCancel:
			halted = true
			return t.UpdateStatus(task.StatusCancelled, o.now())
		case task.ControlSuspend:
			halted = true
			return t.Suspend(o.now())
		}
		if t.Status == phase.Status() {
			if synced {
				return nil
			}
			return task.ErrUnchanged
		}
		return t.UpdateStatus(phase.Status(), o.now())
	})
	if err != nil {
		return nil, false, err
	}
	o.statusChanged(ctx, t, from)
	return t, halted, nil
}

// syncLedger applies every completed row to t and reports whether any
// pointer moved.
func syncLedger(t *task.Task, rows []*task.PhaseExecution) bool {
	ds, model, eval := t.CurrentDatasetRef, t.LatestModelRef, t.LatestEvaluationRef
	for _, r := range rows {
		applyRow(t, r)
	}
	return t.CurrentDatasetRef != ds || t.LatestModelRef != model || t.LatestEvaluationRef != eval
}

// finalize closes an iteration whose three phases have completed. The
// evaluation result is kept either way; a pending cancel ends the task as
// cancelled instead of completed or looping.
func (o *Orchestrator) finalize(ctx context.Context, taskID string, rows []*task.PhaseExecution) error {
	var (
		from      task.Status
		iteration int
	)
	t, err := task.Mutate(ctx, o.repo, taskID, o.cfg.ConflictRetries, func(t *task.Task) error {
		from = t.Status
		iteration = t.CurrentIteration
		if t.Status != task.StatusEvaluating {
			return &task.TransitionError{From: t.Status, To: task.StatusCompleted}
		}
		for _, r := range rows {
			applyRow(t, r)
		}
		if t.ControlRequest == task.ControlCancel {
			return t.UpdateStatus(task.StatusCancelled, o.now())
		}
		if ShouldContinueIteration(t) {
			if err := t.UpdateStatus(task.StatusLooping, o.now()); err != nil {
				return err
			}
			t.CurrentIteration++
			return nil
		}
		return t.UpdateStatus(task.StatusCompleted, o.now())
	})
	if err != nil {
		return err
	}

	mode := string(t.Mode)
	IterationsTotal.WithLabelValues(mode).Inc()
	if t.LatestScore != nil {
		LatestScore.WithLabelValues(mode).Set(*t.LatestScore)
	}
	fields := []zap.Field{zap.Int("iteration", iteration)}
	if t.LatestScore != nil {
		fields = append(fields, zap.Float64("score", *t.LatestScore))
	}
	o.logger.Info(ctx, "iteration finished", fields...)
	o.statusChanged(ctx, t, from)
	return nil
}

// applyRow copies a completed row's output onto the task pointers. The
// ledger is the source of truth; this keeps the task in step with it.
func applyRow(t *task.Task, r *task.PhaseExecution) {
	if r.Status != task.ExecutionCompleted {
		return
	}
	switch r.Phase {
	case task.PhaseOptimization:
		t.CurrentDatasetRef = r.OutputRef
	case task.PhaseTraining:
		t.LatestModelRef = r.OutputRef
	case task.PhaseEvaluation:
		if r.Score != nil {
			at := t.UpdatedAt
			if r.CompletedAt != nil {
				at = *r.CompletedAt
			}
			t.RecordEvaluation(r.OutputRef, *r.Score, r.Suggestions, at)
		}
	}
}

// phaseOutput is what a collaborator produced.
type phaseOutput struct {
	ref         string
	location    string
	score       float64
	suggestions []string
}

// runPhase records a ledger row, calls the collaborator and records the
// outcome. t must already reflect the iteration's completed rows. A failed
// call fails the task and returns a *task.PhaseError.
func (o *Orchestrator) runPhase(ctx context.Context, t *task.Task, phase task.Phase) error {
	taskID := t.ID
	iteration := t.CurrentIteration
	ctx = logging.WithPhase(ctx, phase, iteration)

	inputRef := t.CurrentDatasetRef
	if phase == task.PhaseEvaluation {
		inputRef = t.LatestModelRef
	}
	row := task.StartExecution(taskID, iteration, phase, inputRef, o.now())
	if err := o.repo.AppendExecution(ctx, row); err != nil {
		return fmt.Errorf("failed to record %s phase start: %w", phase, err)
	}
	o.publish(ctx, events.PhaseEvent(events.TypePhaseStarted, t, row, o.now()))
	o.reportProgress(Progress{
		TaskID:    taskID,
		Iteration: iteration,
		Phase:     phase,
		Status:    t.Status,
		Message:   fmt.Sprintf("%s started", phase),
	})
	o.logger.Info(ctx, "phase started", zap.String("input_ref", inputRef))

	ctx, span := o.tracer.Start(ctx, "orchestrator.phase."+string(phase),
		trace.WithAttributes(
			attrTaskID(taskID),
			attribute.String("phase", string(phase)),
			attribute.Int("iteration", iteration),
		),
	)
	defer span.End()

	out, err := o.call(ctx, t, phase)
	if err == nil {
		o.logger.Trace(ctx, "collaborator returned",
			zap.String("output_ref", out.ref),
			zap.Int("suggestions", len(out.suggestions)),
		)
	}
	if err == nil && phase == task.PhaseOptimization {
		if _, rerr := o.datasets.Register(ctx, out.ref, out.location, t.CurrentDatasetRef); rerr != nil {
			err = fmt.Errorf("failed to register optimized dataset: %w", rerr)
		}
	}
	if err != nil {
		recordSpanError(span, err)
		return o.failPhase(ctx, t, row, err)
	}

	if phase == task.PhaseEvaluation {
		err = row.CompleteEvaluation(out.ref, out.score, out.suggestions, o.now())
	} else {
		err = row.Complete(out.ref, o.now())
	}
	if err != nil {
		return err
	}
	if err := o.repo.CloseExecution(ctx, row); err != nil {
		return fmt.Errorf("failed to record %s phase result: %w", phase, err)
	}

	t, err = task.Mutate(ctx, o.repo, taskID, o.cfg.ConflictRetries, func(t *task.Task) error {
		applyRow(t, row)
		return nil
	})
	if err != nil {
		return err
	}

	o.observePhase(ctx, row)
	o.publish(ctx, events.PhaseEvent(events.TypePhaseCompleted, t, row, o.now()))
	o.reportProgress(Progress{
		TaskID:    taskID,
		Iteration: iteration,
		Phase:     phase,
		Status:    t.Status,
		Message:   fmt.Sprintf("%s completed", phase),
	})
	o.logger.Info(ctx, "phase completed", zap.String("output_ref", row.OutputRef))
	return nil
}

// call invokes the collaborator for phase under the phase timeout. The
// call is detached from driver cancellation so an in-flight phase always
// finishes and is recorded.
func (o *Orchestrator) call(ctx context.Context, t *task.Task, phase task.Phase) (*phaseOutput, error) {
	ds, err := o.datasets.Lookup(ctx, t.CurrentDatasetRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dataset %q: %w", t.CurrentDatasetRef, err)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.timeout(phase))
	defer cancel()

	switch phase {
	case task.PhaseOptimization:
		return o.optimize(callCtx, t, *ds)
	case task.PhaseTraining:
		model, err := o.trainer.Train(callCtx, TrainRequest{
			TaskID:    t.ID,
			Iteration: t.CurrentIteration,
			Dataset:   *ds,
			ModelSpec: t.ModelSpec,
		})
		if err != nil {
			return nil, err
		}
		if model == "" {
			return nil, errors.New("trainer returned no model reference")
		}
		return &phaseOutput{ref: model}, nil
	case task.PhaseEvaluation:
		ev, err := o.evaluator.Evaluate(callCtx, EvaluateRequest{
			TaskID:    t.ID,
			Iteration: t.CurrentIteration,
			ModelRef:  t.LatestModelRef,
			Dataset:   *ds,
		})
		if err != nil {
			return nil, err
		}
		if ev == nil {
			return nil, errors.New("evaluator returned no result")
		}
		if math.IsNaN(ev.Score) || ev.Score < 0 || ev.Score > 1 {
			return nil, fmt.Errorf("evaluator returned score %v outside [0, 1]", ev.Score)
		}
		return &phaseOutput{ref: ev.Ref, score: ev.Score, suggestions: ev.Suggestions}, nil
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
}

func (o *Orchestrator) optimize(ctx context.Context, t *task.Task, ds dataset.Dataset) (*phaseOutput, error) {
	req := OptimizeRequest{
		TaskID:    t.ID,
		Iteration: t.CurrentIteration,
		Dataset:   ds,
	}
	if t.Mode == task.ModeContinuous && t.CurrentIteration > 0 {
		suggestions, err := o.previousSuggestions(ctx, t)
		if err != nil {
			return nil, err
		}
		req.Guidance = BuildGuidance(t.CurrentIteration, suggestions)
	}

	out, err := o.optimizer.Optimize(ctx, req)
	if err != nil {
		return nil, err
	}
	if out == nil || out.Ref == "" {
		return nil, errors.New("optimizer returned no dataset")
	}
	return &phaseOutput{ref: out.Ref, location: out.Location}, nil
}

// previousSuggestions reads the suggestions of the prior iteration's
// evaluation row, falling back to the task's latest suggestions.
func (o *Orchestrator) previousSuggestions(ctx context.Context, t *task.Task) ([]string, error) {
	rows, err := o.repo.IterationExecutions(ctx, t.ID, t.CurrentIteration-1)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.Phase == task.PhaseEvaluation && r.Status == task.ExecutionCompleted {
			return r.Suggestions, nil
		}
	}
	return t.LatestSuggestions, nil
}

// failPhase closes row as failed and fails the task.
func (o *Orchestrator) failPhase(ctx context.Context, t *task.Task, row *task.PhaseExecution, cause error) error {
	perr := task.NewPhaseError(row.Phase, cause)
	if err := row.Fail(cause.Error(), o.now()); err != nil {
		return err
	}
	if err := o.repo.CloseExecution(ctx, row); err != nil {
		o.logger.Error(ctx, "failed to record phase failure", zap.Error(err))
	}

	var from task.Status
	ft, err := task.Mutate(ctx, o.repo, t.ID, o.cfg.ConflictRetries, func(t *task.Task) error {
		from = t.Status
		if t.Status.IsTerminal() {
			return task.ErrUnchanged
		}
		return t.Fail(perr.Error(), o.now())
	})
	if err != nil {
		return errors.Join(perr, err)
	}

	o.observePhase(ctx, row)
	o.logger.Warn(ctx, "phase failed", zap.Error(cause))
	o.publish(ctx, events.PhaseEvent(events.TypePhaseFailed, ft, row, o.now()))
	o.statusChanged(ctx, ft, from)
	return perr
}

func (o *Orchestrator) observePhase(ctx context.Context, row *task.PhaseExecution) {
	outcome := string(row.Status)
	if row.DurationSeconds != nil {
		PhaseDuration.WithLabelValues(string(row.Phase), outcome).Observe(*row.DurationSeconds)
	}
	if o.phaseCounter != nil {
		o.phaseCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(row.Phase)),
			attribute.String("outcome", outcome),
		))
	}
}

func attrTaskID(id string) attribute.KeyValue {
	return attribute.String("task.id", id)
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
