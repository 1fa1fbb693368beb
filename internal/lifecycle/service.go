// Package lifecycle is the task-facing facade: creation, control
// forwarding, deletion and read-only queries.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/trainloop/internal/dataset"
	"github.com/fyrsmithlabs/trainloop/internal/events"
	"github.com/fyrsmithlabs/trainloop/internal/logging"
	"github.com/fyrsmithlabs/trainloop/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/trainloop/internal/lifecycle"

// Service manages tasks on behalf of callers.
type Service interface {
	// Create validates req and stores a pending task.
	Create(ctx context.Context, req *CreateRequest) (*task.Task, error)

	// Start launches a pending or suspended task.
	Start(ctx context.Context, id string) error

	// Suspend asks a running task to park at its next phase boundary.
	Suspend(ctx context.Context, id string) error

	// Cancel stops a task.
	Cancel(ctx context.Context, id string) error

	// Delete removes a terminal task and its execution history.
	Delete(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, f task.Filter) ([]*task.Task, error)

	// Executions returns the full history, newest iteration first.
	Executions(ctx context.Context, id string) ([]*task.PhaseExecution, error)

	// CurrentIterationExecutions returns the rows of the task's current
	// iteration in phase order.
	CurrentIterationExecutions(ctx context.Context, id string) ([]*task.PhaseExecution, error)

	// Stats counts tasks per status.
	Stats(ctx context.Context) (*Stats, error)
}

// Orchestrator is the subset of the orchestrator the service drives.
type Orchestrator interface {
	Start(ctx context.Context, taskID string) error
	Suspend(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Forget(taskID string)
}

// Dependencies wires the service.
type Dependencies struct {
	Repo         task.Repository
	Datasets     dataset.Store
	Orchestrator Orchestrator
	Events       events.Publisher
	Logger       *logging.Logger
	Clock        func() time.Time
}

type service struct {
	repo     task.Repository
	datasets dataset.Store
	orch     Orchestrator
	events   events.Publisher
	logger   *logging.Logger
	now      func() time.Time

	tracer         trace.Tracer
	createdCounter metric.Int64Counter
	deletedCounter metric.Int64Counter
}

// NewService validates deps and returns a Service.
func NewService(deps Dependencies) (Service, error) {
	if deps.Repo == nil {
		return nil, errors.New("task repository is required")
	}
	if deps.Datasets == nil {
		return nil, errors.New("dataset store is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}

	s := &service{
		repo:     deps.Repo,
		datasets: deps.Datasets,
		orch:     deps.Orchestrator,
		events:   deps.Events,
		logger:   deps.Logger,
		now:      deps.Clock,
		tracer:   otel.Tracer(instrumentationName),
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	s.logger = s.logger.Named("lifecycle")
	if s.now == nil {
		s.now = time.Now
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	s.createdCounter, err = meter.Int64Counter(
		"trainloop.tasks.created_total",
		metric.WithDescription("Total number of tasks created"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create created counter", zap.Error(err))
	}

	s.deletedCounter, err = meter.Int64Counter(
		"trainloop.tasks.deleted_total",
		metric.WithDescription("Total number of tasks deleted"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create deleted counter", zap.Error(err))
	}
}

func (s *service) Create(ctx context.Context, req *CreateRequest) (*task.Task, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Create")
	defer span.End()

	if req == nil {
		return nil, fmt.Errorf("%w: request is required", task.ErrInvalidTask)
	}
	mode := req.Mode
	if mode == "" {
		mode = task.ModeStandard
	}

	t := task.New(req.Name, req.OwnerID, mode, req.ModelSpec, req.DatasetRef, s.now())
	if mode == task.ModeContinuous {
		t.MaxIterations = req.MaxIterations
		t.PerformanceThreshold = req.PerformanceThreshold
	}
	if err := t.Validate(); err != nil {
		return nil, spanErr(span, err)
	}

	if _, err := s.datasets.Lookup(ctx, req.DatasetRef); err != nil {
		if errors.Is(err, task.ErrDatasetNotFound) {
			return nil, spanErr(span, fmt.Errorf("%w: %s", task.ErrDatasetNotFound, req.DatasetRef))
		}
		return nil, spanErr(span, fmt.Errorf("failed to look up dataset: %w", err))
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, spanErr(span, fmt.Errorf("failed to store task: %w", err))
	}

	span.SetAttributes(attribute.String("task.id", t.ID), attribute.String("task.mode", string(t.Mode)))
	if s.createdCounter != nil {
		s.createdCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(t.Mode))))
	}
	ctx = logging.WithTaskID(ctx, t.ID)
	s.logger.Info(ctx, "task created",
		zap.String("name", t.Name),
		zap.String("mode", string(t.Mode)),
		zap.String("dataset", t.OriginalDatasetRef),
	)
	s.publish(ctx, events.New(events.TypeTaskCreated, t, s.now()))
	return t, nil
}

func (s *service) Start(ctx context.Context, id string) error {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPending && t.Status != task.StatusSuspended {
		return &task.TransitionError{From: t.Status, To: task.StatusOptimizing}
	}
	return s.orch.Start(ctx, id)
}

func (s *service) Suspend(ctx context.Context, id string) error {
	return s.orch.Suspend(ctx, id)
}

func (s *service) Cancel(ctx context.Context, id string) error {
	return s.orch.Cancel(ctx, id)
}

func (s *service) Delete(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Delete", trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return spanErr(span, err)
	}
	if !t.Status.IsTerminal() {
		return spanErr(span, fmt.Errorf("%w: cannot delete task in status %s", task.ErrInvalidStateTransition, t.Status))
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return spanErr(span, fmt.Errorf("failed to delete task: %w", err))
	}
	s.orch.Forget(id)

	if s.deletedCounter != nil {
		s.deletedCounter.Add(ctx, 1)
	}
	ctx = logging.WithTaskID(ctx, id)
	s.logger.Info(ctx, "task deleted")
	s.publish(ctx, events.New(events.TypeTaskDeleted, t, s.now()))
	return nil
}

func (s *service) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", task.ErrInvalidTask, f.Status)
	}
	if f.Mode != "" && !f.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", task.ErrInvalidTask, f.Mode)
	}
	return s.repo.List(ctx, f)
}

func (s *service) Executions(ctx context.Context, id string) ([]*task.PhaseExecution, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Executions(ctx, id)
}

func (s *service) CurrentIterationExecutions(ctx context.Context, id string) ([]*task.PhaseExecution, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.IterationExecutions(ctx, id, t.CurrentIteration)
}

func (s *service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	st := &Stats{ByStatus: make(map[task.Status]int, len(task.AllStatuses))}
	for _, status := range task.AllStatuses {
		n := counts[status]
		st.ByStatus[status] = n
		st.Total += n
		if status.IsRunning() {
			st.Running += n
		}
	}
	return st, nil
}

func (s *service) publish(ctx context.Context, e events.Event) {
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn(ctx, "failed to publish event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
