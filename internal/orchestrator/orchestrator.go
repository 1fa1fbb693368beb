package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/trainloop/internal/events"
	"github.com/fyrsmithlabs/trainloop/internal/lease"
	"github.com/fyrsmithlabs/trainloop/internal/logging"
	"github.com/fyrsmithlabs/trainloop/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/trainloop/internal/orchestrator"

// Dependencies are the collaborators an Orchestrator needs. Repo, Datasets,
// Optimizer, Trainer and Evaluator are required.
type Dependencies struct {
	Repo      task.Repository
	Datasets  DatasetStore
	Optimizer Optimizer
	Trainer   Trainer
	Evaluator Evaluator

	Events events.Publisher
	Locker lease.Locker
	Logger *logging.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
	Clock  func() time.Time
}

// run tracks one driver goroutine.
type run struct {
	done chan struct{}
	err  error
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Orchestrator owns task execution.
type Orchestrator struct {
	cfg       Config
	repo      task.Repository
	datasets  DatasetStore
	optimizer Optimizer
	trainer   Trainer
	evaluator Evaluator
	events    events.Publisher
	locker    lease.Locker
	logger    *logging.Logger
	tracer    trace.Tracer
	now       func() time.Time

	phaseCounter metric.Int64Counter
	progress     ProgressCallback

	sem      *semaphore.Weighted
	baseCtx  context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	runs    map[string]*run
	closing bool
}

// New validates deps and returns an idle Orchestrator.
func New(deps Dependencies, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("task repository is required")
	case deps.Datasets == nil:
		return nil, errors.New("dataset store is required")
	case deps.Optimizer == nil:
		return nil, errors.New("optimizer is required")
	case deps.Trainer == nil:
		return nil, errors.New("trainer is required")
	case deps.Evaluator == nil:
		return nil, errors.New("evaluator is required")
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:       cfg,
		repo:      deps.Repo,
		datasets:  deps.Datasets,
		optimizer: deps.Optimizer,
		trainer:   deps.Trainer,
		evaluator: deps.Evaluator,
		events:    deps.Events,
		locker:    deps.Locker,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		now:       deps.Clock,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		stopping:  make(chan struct{}),
		runs:      make(map[string]*run),
	}
	if o.events == nil {
		o.events = events.Nop{}
	}
	if o.locker == nil {
		o.locker = lease.NewMemoryLocker()
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	o.logger = o.logger.Named("orchestrator")
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	if o.now == nil {
		o.now = time.Now
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	counter, err := meter.Int64Counter(
		"trainloop.orchestrator.phases_total",
		metric.WithDescription("Total number of phase executions"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		o.logger.Warn(context.Background(), "failed to create phase counter", zap.Error(err))
	}
	o.phaseCounter = counter

	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// OnProgress registers a callback for driver progress.
func (o *Orchestrator) OnProgress(cb ProgressCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = cb
}

func (o *Orchestrator) reportProgress(p Progress) {
	o.mu.Lock()
	cb := o.progress
	o.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// Start launches the driver for a pending or suspended task. The first
// status transition is committed before Start returns, so a concurrent
// second Start fails with task.ErrInvalidStateTransition.
func (o *Orchestrator) Start(ctx context.Context, taskID string) error {
	return o.launch(ctx, taskID, true)
}

// Execute starts the task and blocks until its driver halts.
func (o *Orchestrator) Execute(ctx context.Context, taskID string) error {
	if err := o.Start(ctx, taskID); err != nil {
		return err
	}
	return o.Wait(ctx, taskID)
}

// Wait blocks until the latest driver of taskID halts and returns its
// error. It returns nil when no driver was ever launched in this process.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) error {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a driver for taskID is active.
func (o *Orchestrator) Running(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[taskID]
	return ok && !r.finished()
}

// Forget drops bookkeeping for a finished driver.
func (o *Orchestrator) Forget(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[taskID]; ok && r.finished() {
		delete(o.runs, taskID)
	}
}

// launch reserves the task, takes its lease, optionally commits the first
// transition, and spawns the driver.
func (o *Orchestrator) launch(ctx context.Context, taskID string, fromIdle bool) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	if r, ok := o.runs[taskID]; ok && !r.finished() {
		o.mu.Unlock()
		return fmt.Errorf("%w: task %s already has a running driver", task.ErrInvalidStateTransition, taskID)
	}
	r := &run{done: make(chan struct{})}
	o.runs[taskID] = r
	o.mu.Unlock()

	abort := func(err error) error {
		r.err = err
		close(r.done)
		return err
	}

	ls, err := o.locker.Acquire(ctx, taskID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return abort(fmt.Errorf("%w: task %s is driven elsewhere", task.ErrInvalidStateTransition, taskID))
		}
		return abort(fmt.Errorf("failed to acquire lease: %w", err))
	}

	if fromIdle {
		if err := o.claim(ctx, taskID); err != nil {
			_ = ls.Release(context.WithoutCancel(ctx))
			return abort(err)
		}
	}

	o.wg.Add(1)
	go o.runDriver(taskID, ls, r)
	return nil
}

// claim moves a pending or suspended task into the status of its next phase.
func (o *Orchestrator) claim(ctx context.Context, taskID string) error {
	var from task.Status
	t, err := task.Mutate(ctx, o.repo, taskID, o.cfg.ConflictRetries, func(t *task.Task) error {
		from = t.Status
		if t.Status != task.StatusPending && t.Status != task.StatusSuspended {
			return fmt.Errorf("%w: cannot start task in status %s", task.ErrInvalidStateTransition, t.Status)
		}
		rows, err := o.repo.IterationExecutions(ctx, t.ID, t.CurrentIteration)
		if err != nil {
			return err
		}
		st, err := plan(rows)
		if err != nil {
			return err
		}
		if st.finalize {
			return fmt.Errorf("%w: task %s has no phase left to resume", task.ErrInvalidStateTransition, t.ID)
		}
		t.ControlRequest = task.ControlNone
		return t.UpdateStatus(st.phase.Status(), o.now())
	})
	if err != nil {
		return err
	}
	o.statusChanged(ctx, t, from)
	return nil
}

func (o *Orchestrator) runDriver(taskID string, ls lease.Lease, r *run) {
	defer o.wg.Done()

	ctx := logging.WithTaskID(o.baseCtx, taskID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.drive", trace.WithAttributes(attrTaskID(taskID)))

	err := o.runLeased(ctx, taskID, ls)

	if rerr := ls.Release(context.WithoutCancel(ctx)); rerr != nil {
		o.logger.Warn(ctx, "failed to release task lease", zap.Error(rerr))
	}
	recordSpanError(span, err)
	span.End()

	o.mu.Lock()
	r.err = err
	close(r.done)
	o.mu.Unlock()
}

func (o *Orchestrator) runLeased(ctx context.Context, taskID string, ls lease.Lease) error {
	// Waiting for a slot is the only step shutdown interrupts.
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return ErrShuttingDown
	}
	defer o.sem.Release(1)

	ActiveDrivers.Inc()
	defer ActiveDrivers.Dec()

	err := o.drive(context.WithoutCancel(ctx), taskID, ls)
	switch {
	case err == nil:
		o.logger.Debug(ctx, "driver halted")
	case errors.Is(err, ErrShuttingDown):
		o.logger.Info(ctx, "driver stopped for shutdown; task resumes on recovery")
	default:
		o.logger.Error(ctx, "driver halted with error", zap.Error(err))
	}
	return err
}

// Shutdown stops dispatching new phases and waits for in-flight phases to
// return. Tasks are left at their phase boundary for Recover.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closing {
		o.closing = true
		close(o.stopping)
		o.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for drivers: %w", ctx.Err())
	}
}

// Suspend asks a running task to park at its next phase boundary. A suspend
// that arrives during the final evaluation has no boundary left to park at:
// the task completes and the request is cleared.
func (o *Orchestrator) Suspend(ctx context.Context, taskID string) error {
	_, err := task.Mutate(ctx, o.repo, taskID, o.cfg.ConflictRetries, func(t *task.Task) error {
		if !t.Status.IsRunning() {
			return &task.TransitionError{From: t.Status, To: task.StatusSuspended}
		}
		if t.ControlRequest != task.ControlNone {
			// A pending cancel wins; a repeated suspend is a no-op.
			return task.ErrUnchanged
		}
		t.ControlRequest = task.ControlSuspend
		t.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Info(logging.WithTaskID(ctx, taskID), "suspend requested")
	return nil
}

// Cancel stops a task. Pending and suspended tasks are cancelled at once;
// running tasks are cancelled at their next phase boundary. A cancel that
// arrives during an evaluation is applied when the iteration closes, so the
// task ends cancelled with that evaluation's result recorded.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	var (
		from      task.Status
		immediate bool
	)
	t, err := task.Mutate(ctx, o.repo, taskID, o.cfg.ConflictRetries, func(t *task.Task) error {
		from = t.Status
		immediate = false
		switch {
		case t.Status == task.StatusPending || t.Status == task.StatusSuspended:
			immediate = true
			return t.UpdateStatus(task.StatusCancelled, o.now())
		case t.Status.IsRunning():
			if t.ControlRequest == task.ControlCancel {
				return task.ErrUnchanged
			}
			t.ControlRequest = task.ControlCancel
			t.UpdatedAt = o.now()
			return nil
		default:
			return &task.TransitionError{From: t.Status, To: task.StatusCancelled}
		}
	})
	if err != nil {
		return err
	}
	ctx = logging.WithTaskID(ctx, taskID)
	if immediate {
		o.statusChanged(ctx, t, from)
		return nil
	}
	o.logger.Info(ctx, "cancel requested")
	return nil
}

// statusChanged records metrics and events for a committed transition.
func (o *Orchestrator) statusChanged(ctx context.Context, t *task.Task, from task.Status) {
	if from == t.Status {
		return
	}
	StatusTransitions.WithLabelValues(string(from), string(t.Status)).Inc()
	o.logger.Info(ctx, "task status changed",
		zap.String("from", string(from)),
		zap.String("to", string(t.Status)),
		zap.Int("iteration", t.CurrentIteration),
	)
	o.publish(ctx, events.StatusChanged(t, from, o.now()))
	o.reportProgress(Progress{
		TaskID:    t.ID,
		Iteration: t.CurrentIteration,
		Status:    t.Status,
		Message:   fmt.Sprintf("%s -> %s", from, t.Status),
	})
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn(ctx, "failed to publish event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
