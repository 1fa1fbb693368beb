package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/trainloop/internal/collaborators/httpapi"
	"github.com/fyrsmithlabs/trainloop/internal/collaborators/simulated"
	"github.com/fyrsmithlabs/trainloop/internal/config"
	"github.com/fyrsmithlabs/trainloop/internal/dataset"
	"github.com/fyrsmithlabs/trainloop/internal/events"
	"github.com/fyrsmithlabs/trainloop/internal/lease"
	"github.com/fyrsmithlabs/trainloop/internal/lifecycle"
	"github.com/fyrsmithlabs/trainloop/internal/logging"
	"github.com/fyrsmithlabs/trainloop/internal/orchestrator"
	"github.com/fyrsmithlabs/trainloop/internal/store/memory"
	"github.com/fyrsmithlabs/trainloop/internal/store/postgres"
	"github.com/fyrsmithlabs/trainloop/internal/task"
	"github.com/fyrsmithlabs/trainloop/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/trainloop"

// repository is a task store that can be probed and closed.
type repository interface {
	task.Repository
	Ping(ctx context.Context) error
	Close() error
}

// settings is every configuration section the binary reads.
type settings struct {
	cfg       *config.Config
	logging   *logging.Config
	telemetry *telemetry.Config
}

func loadSettings(path string) (*settings, error) {
	s := &settings{
		logging:   logging.NewDefaultConfig(),
		telemetry: telemetry.NewDefaultConfig(),
	}
	cfg, err := config.LoadWithFile(path,
		config.Section{Key: "logging", Target: s.logging},
		config.Section{Key: "telemetry", Target: s.telemetry},
	)
	if err != nil {
		return nil, err
	}
	if err := s.logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	s.cfg = cfg
	return s, nil
}

// app holds the wired process. Close releases everything in reverse order.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry

	repo     repository
	datasets dataset.Store
	events   events.Publisher
	locker   lease.Locker
	orch     *orchestrator.Orchestrator
	svc      lifecycle.Service

	closers []func(context.Context) error
}

func newApp(ctx context.Context, s *settings) (*app, error) {
	a := &app{cfg: s.cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	var err error

	s.telemetry.ServiceVersion = version
	a.tel, err = telemetry.New(ctx, s.telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, a.tel.Shutdown)

	a.logger, err = logging.NewLogger(s.logging, a.tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		_ = a.logger.Sync()
		return nil
	})

	var pool *pgxpool.Pool
	a.repo, pool, err = a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.repo.Close() })

	if a.datasets, err = a.openDatasets(ctx, pool); err != nil {
		return nil, err
	}
	if err := a.seedDatasets(ctx); err != nil {
		return nil, err
	}

	if a.events, err = a.openEvents(); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.events.Close() })

	if a.locker, err = a.openLocker(ctx); err != nil {
		return nil, err
	}

	opt, trn, eval, err := a.openCollaborators()
	if err != nil {
		return nil, err
	}

	oc := a.cfg.Orchestrator
	a.orch, err = orchestrator.New(orchestrator.Dependencies{
		Repo:      a.repo,
		Datasets:  a.datasets,
		Optimizer: opt,
		Trainer:   trn,
		Evaluator: eval,
		Events:    a.events,
		Locker:    a.locker,
		Logger:    a.logger,
		Tracer:    a.tel.Tracer(instrumentationName),
		Meter:     a.tel.Meter(instrumentationName),
	}, orchestrator.Config{
		MaxConcurrentTasks:  oc.MaxConcurrentTasks,
		OptimizationTimeout: oc.OptimizationTimeout.Duration(),
		TrainingTimeout:     oc.TrainingTimeout.Duration(),
		EvaluationTimeout:   oc.EvaluationTimeout.Duration(),
		ConflictRetries:     oc.ConflictRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	a.svc, err = lifecycle.NewService(lifecycle.Dependencies{
		Repo:         a.repo,
		Datasets:     a.datasets,
		Orchestrator: a.orch,
		Events:       a.events,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle service: %w", err)
	}

	a.logger.Info(ctx, "trainloop initialized",
		zap.String("store", a.cfg.Store.Driver),
		zap.String("datasets", a.cfg.Datasets.Driver),
		zap.String("collaborators", a.cfg.Collaborators.Driver),
		zap.String("events", a.cfg.Events.Driver),
		zap.String("lease", a.cfg.Lease.Driver),
		zap.Bool("telemetry", a.tel.IsEnabled()),
	)
	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) (repository, *pgxpool.Pool, error) {
	sc := a.cfg.Store
	if sc.Driver != config.DriverPostgres {
		return memory.New(), nil, nil
	}
	st, err := postgres.Open(ctx, postgres.Config{URL: sc.Postgres.URL.Value(), MaxConns: sc.Postgres.MaxConns})
	if err != nil {
		return nil, nil, err
	}
	if sc.Postgres.AutoMigrate {
		n, err := postgres.Migrate(ctx, st.Pool())
		if err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("failed to migrate: %w", err)
		}
		a.logger.Info(ctx, "database migrated", zap.Int("applied", n))
	}
	return st, st.Pool(), nil
}

func (a *app) openDatasets(ctx context.Context, pool *pgxpool.Pool) (dataset.Store, error) {
	dc := a.cfg.Datasets
	switch dc.Driver {
	case config.DriverPostgres:
		if pool == nil {
			return nil, errors.New("postgres dataset registry requires the postgres store")
		}
		return dataset.NewPostgresStore(pool), nil
	case config.DriverMinio:
		st, err := dataset.NewMinioStore(ctx, dataset.MinioConfig{
			Endpoint:  dc.Minio.Endpoint,
			AccessKey: dc.Minio.AccessKey.Value(),
			SecretKey: dc.Minio.SecretKey.Value(),
			Bucket:    dc.Minio.Bucket,
			Prefix:    dc.Minio.Prefix,
			Secure:    dc.Minio.Secure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open dataset registry: %w", err)
		}
		return st, nil
	default:
		return dataset.NewMemoryStore(), nil
	}
}

// seedDatasets registers configured datasets in sorted order.
func (a *app) seedDatasets(ctx context.Context) error {
	seed := a.cfg.Datasets.Seed
	if len(seed) == 0 {
		return nil
	}
	seeder, ok := a.datasets.(dataset.Seeder)
	if !ok {
		return fmt.Errorf("dataset driver %q does not accept seeds", a.cfg.Datasets.Driver)
	}
	refs := make([]string, 0, len(seed))
	for ref := range seed {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		if err := seeder.Put(ctx, dataset.Dataset{Ref: ref, Location: seed[ref]}); err != nil {
			return fmt.Errorf("failed to seed dataset %s: %w", ref, err)
		}
	}
	a.logger.Info(ctx, "datasets seeded", zap.Strings("refs", refs))
	return nil
}

func (a *app) openEvents() (events.Publisher, error) {
	ec := a.cfg.Events
	switch ec.Driver {
	case config.DriverNATS:
		p, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           ec.NATS.URL,
			SubjectPrefix: ec.NATS.SubjectPrefix,
			Name:          "trainloop",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		return p, nil
	case config.DriverKafka:
		p, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: splitBrokers(ec.Kafka.Brokers),
			Topic:   ec.Kafka.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		return p, nil
	default:
		return events.Nop{}, nil
	}
}

// splitBrokers accepts both a YAML list and a single comma separated value
// from the environment.
func splitBrokers(in []string) []string {
	var out []string
	for _, b := range in {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (a *app) openLocker(ctx context.Context) (lease.Locker, error) {
	lc := a.cfg.Lease
	if lc.Driver != config.DriverRedis {
		return lease.NewMemoryLocker(), nil
	}
	l, err := lease.NewRedisLocker(ctx, lease.RedisConfig{
		Addr:     lc.Redis.Addr,
		Password: lc.Redis.Password.Value(),
		DB:       lc.Redis.DB,
		Prefix:   lc.Redis.Prefix,
		TTL:      lc.Redis.TTL.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return l.Close() })
	return l, nil
}

func (a *app) openCollaborators() (orchestrator.Optimizer, orchestrator.Trainer, orchestrator.Evaluator, error) {
	cc := a.cfg.Collaborators
	if cc.Driver != config.DriverHTTP {
		sim := simulated.New(simulated.Config{Delay: cc.Simulated.Delay.Duration()})
		return sim, sim, sim, nil
	}
	hc := cc.HTTP
	c, err := httpapi.New(httpapi.Config{
		OptimizerURL:      hc.OptimizerURL,
		TrainerURL:        hc.TrainerURL,
		EvaluatorURL:      hc.EvaluatorURL,
		APIKey:            hc.APIKey,
		PollInterval:      hc.PollInterval.Duration(),
		RequestsPerSecond: hc.RequestsPerSecond,
		Burst:             hc.Burst,
		MaxTries:          hc.MaxTries,
		RequestTimeout:    hc.RequestTimeout.Duration(),
		ModelOutputPrefix: hc.ModelOutputPrefix,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create collaborators: %w", err)
	}
	return c.Optimizer, c.Trainer, c.Evaluator, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
