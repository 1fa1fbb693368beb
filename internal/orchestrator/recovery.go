package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/trainloop/internal/events"
	"github.com/fyrsmithlabs/trainloop/internal/lease"
	"github.com/fyrsmithlabs/trainloop/internal/logging"
	"github.com/fyrsmithlabs/trainloop/internal/task"
)

// interruptedMessage is recorded on rows left open by a stopped process.
const interruptedMessage = "interrupted: process stopped during %s phase"

// Recover reconciles persisted state after a restart. Open ledger rows are
// failed along with their tasks, since the collaborator call cannot be
// reattached. Tasks parked at a phase boundary in a running status get a
// new driver. Pending and suspended tasks are left alone.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	open, err := o.repo.OpenExecutions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list open executions: %w", err)
	}
	interrupted := make(map[string]bool)
	for _, row := range open {
		ok, err := o.interrupt(ctx, row)
		if err != nil {
			return report, err
		}
		if ok && !interrupted[row.TaskID] {
			interrupted[row.TaskID] = true
			report.Interrupted = append(report.Interrupted, row.TaskID)
		}
	}

	for _, st := range []task.Status{
		task.StatusOptimizing,
		task.StatusTraining,
		task.StatusEvaluating,
		task.StatusLooping,
	} {
		tasks, err := o.repo.List(ctx, task.Filter{Status: st})
		if err != nil {
			return report, fmt.Errorf("failed to list %s tasks: %w", st, err)
		}
		for _, t := range tasks {
			if interrupted[t.ID] || o.Running(t.ID) {
				continue
			}
			if err := o.launch(ctx, t.ID, false); err != nil {
				if errors.Is(err, ErrShuttingDown) {
					return report, err
				}
				o.logger.Warn(logging.WithTaskID(ctx, t.ID), "skipped task during recovery", zap.Error(err))
				continue
			}
			report.Resumed = append(report.Resumed, t.ID)
		}
	}

	o.logger.Info(ctx, "recovery finished",
		zap.Int("interrupted", len(report.Interrupted)),
		zap.Int("resumed", len(report.Resumed)),
	)
	return report, nil
}

// interrupt fails an open row and its task. Rows whose task lease is held
// belong to a live driver and are skipped.
func (o *Orchestrator) interrupt(ctx context.Context, row *task.PhaseExecution) (bool, error) {
	ctx = logging.WithPhase(logging.WithTaskID(ctx, row.TaskID), row.Phase, row.Iteration)

	ls, err := o.locker.Acquire(ctx, row.TaskID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	defer func() {
		if err := ls.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn(ctx, "failed to release task lease", zap.Error(err))
		}
	}()

	msg := fmt.Sprintf(interruptedMessage, row.Phase)
	if err := row.Fail(msg, o.now()); err != nil {
		return false, nil
	}
	if err := o.repo.CloseExecution(ctx, row); err != nil {
		if errors.Is(err, task.ErrExecutionClosed) {
			return false, nil
		}
		return false, fmt.Errorf("failed to close interrupted execution: %w", err)
	}
	o.observePhase(ctx, row)

	var from task.Status
	t, err := task.Mutate(ctx, o.repo, row.TaskID, o.cfg.ConflictRetries, func(t *task.Task) error {
		from = t.Status
		if !task.CanTransition(t.Status, task.StatusFailed) {
			return task.ErrUnchanged
		}
		return t.Fail(task.NewPhaseError(row.Phase, errors.New(msg)).Error(), o.now())
	})
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			return false, nil
		}
		return false, err
	}
	if from == t.Status {
		o.logger.Warn(ctx, "interrupted row belongs to a task that cannot fail",
			zap.String("status", string(t.Status)))
	}

	o.logger.Warn(ctx, "failed interrupted phase")
	o.publish(ctx, events.PhaseEvent(events.TypePhaseFailed, t, row, o.now()))
	o.statusChanged(ctx, t, from)
	return true, nil
}
