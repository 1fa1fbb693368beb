// Package config provides configuration loading for trainloop.
//
// Configuration comes from an optional YAML file overlaid with TRAINLOOP_*
// environment variables. Sections owned by other packages (logging,
// telemetry) are decoded through Section so this package stays at the
// bottom of the import graph.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Driver names.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverMinio     = "minio"
	DriverRedis     = "redis"
	DriverNATS      = "nats"
	DriverKafka     = "kafka"
	DriverNone      = "none"
	DriverSimulated = "simulated"
	DriverHTTP      = "http"
)

// Config holds the complete trainloop configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Store         StoreConfig         `koanf:"store"`
	Datasets      DatasetsConfig      `koanf:"datasets"`
	Collaborators CollaboratorsConfig `koanf:"collaborators"`
	Events        EventsConfig        `koanf:"events"`
	Lease         LeaseConfig         `koanf:"lease"`
	Production    ProductionConfig    `koanf:"production"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// OrchestratorConfig bounds the driver pool and phase durations.
type OrchestratorConfig struct {
	MaxConcurrentTasks  int      `koanf:"max_concurrent_tasks"`
	OptimizationTimeout Duration `koanf:"optimization_timeout"`
	TrainingTimeout     Duration `koanf:"training_timeout"`
	EvaluationTimeout   Duration `koanf:"evaluation_timeout"`
	ConflictRetries     uint     `koanf:"conflict_retries"`
	// RecoverOnStart resumes or fails tasks left running by a previous process.
	RecoverOnStart bool `koanf:"recover_on_start"`
}

// StoreConfig selects the task repository.
type StoreConfig struct {
	Driver   string         `koanf:"driver"`
	Postgres PostgresConfig `koanf:"postgres"`
}

type PostgresConfig struct {
	URL      Secret `koanf:"url"`
	MaxConns int32  `koanf:"max_conns"`
	// AutoMigrate applies pending migrations at startup.
	AutoMigrate bool `koanf:"auto_migrate"`
}

// DatasetsConfig selects the dataset registry. The postgres driver shares
// the store's pool.
type DatasetsConfig struct {
	Driver string      `koanf:"driver"`
	Minio  MinioConfig `koanf:"minio"`
	// Seed registers datasets at startup, keyed by reference.
	Seed map[string]string `koanf:"seed"`
}

type MinioConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey Secret `koanf:"access_key"`
	SecretKey Secret `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	Secure    bool   `koanf:"secure"`
}

// CollaboratorsConfig selects the optimizer/trainer/evaluator backends.
type CollaboratorsConfig struct {
	Driver    string          `koanf:"driver"`
	Simulated SimulatedConfig `koanf:"simulated"`
	HTTP      HTTPConfig      `koanf:"http"`
}

type SimulatedConfig struct {
	Delay Duration `koanf:"delay"`
}

type HTTPConfig struct {
	OptimizerURL      string   `koanf:"optimizer_url"`
	TrainerURL        string   `koanf:"trainer_url"`
	EvaluatorURL      string   `koanf:"evaluator_url"`
	APIKey            Secret   `koanf:"api_key"`
	PollInterval      Duration `koanf:"poll_interval"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	MaxTries          uint     `koanf:"max_tries"`
	RequestTimeout    Duration `koanf:"request_timeout"`
	ModelOutputPrefix string   `koanf:"model_output_prefix"`
}

// EventsConfig selects where task events are published.
type EventsConfig struct {
	Driver string      `koanf:"driver"`
	NATS   NATSConfig  `koanf:"nats"`
	Kafka  KafkaConfig `koanf:"kafka"`
}

type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

// LeaseConfig selects the per-task lease backend.
type LeaseConfig struct {
	Driver string      `koanf:"driver"`
	Redis  RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Addr     string   `koanf:"addr"`
	Password Secret   `koanf:"password"`
	DB       int      `koanf:"db"`
	Prefix   string   `koanf:"prefix"`
	TTL      Duration `koanf:"ttl"`
}

// ProductionConfig tightens validation for shared deployments.
type ProductionConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns the configuration used when nothing is set: everything
// in memory with simulated collaborators.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9090,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentTasks:  4,
			OptimizationTimeout: Duration(2 * time.Hour),
			TrainingTimeout:     Duration(24 * time.Hour),
			EvaluationTimeout:   Duration(2 * time.Hour),
			ConflictRetries:     5,
			RecoverOnStart:      true,
		},
		Store: StoreConfig{
			Driver:   DriverMemory,
			Postgres: PostgresConfig{MaxConns: 10, AutoMigrate: true},
		},
		Datasets: DatasetsConfig{
			Driver: DriverMemory,
			Minio:  MinioConfig{Bucket: "trainloop", Prefix: "datasets/"},
		},
		Collaborators: CollaboratorsConfig{
			Driver: DriverSimulated,
			HTTP: HTTPConfig{
				PollInterval:      Duration(10 * time.Second),
				RequestsPerSecond: 5,
				Burst:             5,
				MaxTries:          4,
				RequestTimeout:    Duration(60 * time.Second),
				ModelOutputPrefix: "s3://bucket/models",
			},
		},
		Events: EventsConfig{
			Driver: DriverNone,
			NATS:   NATSConfig{URL: "nats://localhost:4222", SubjectPrefix: "trainloop"},
			Kafka:  KafkaConfig{Topic: "trainloop.events"},
		},
		Lease: LeaseConfig{
			Driver: DriverMemory,
			Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "trainloop:lease:", TTL: Duration(30 * time.Second)},
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	o := c.Orchestrator
	if o.MaxConcurrentTasks < 1 {
		errs = append(errs, errors.New("orchestrator.max_concurrent_tasks must be at least 1"))
	}
	if o.OptimizationTimeout <= 0 || o.TrainingTimeout <= 0 || o.EvaluationTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator phase timeouts must be positive"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if !c.Store.Postgres.URL.IsSet() {
			errs = append(errs, errors.New("store.postgres.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Datasets.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.Driver != DriverPostgres {
			errs = append(errs, errors.New("datasets.driver postgres requires store.driver postgres"))
		}
	case DriverMinio:
		if c.Datasets.Minio.Endpoint == "" || c.Datasets.Minio.Bucket == "" {
			errs = append(errs, errors.New("datasets.minio.endpoint and bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown datasets driver %q", c.Datasets.Driver))
	}

	switch c.Collaborators.Driver {
	case DriverSimulated:
	case DriverHTTP:
		h := c.Collaborators.HTTP
		for name, raw := range map[string]string{
			"optimizer_url": h.OptimizerURL,
			"trainer_url":   h.TrainerURL,
			"evaluator_url": h.EvaluatorURL,
		} {
			if err := validateServiceURL(raw); err != nil {
				errs = append(errs, fmt.Errorf("collaborators.http.%s: %w", name, err))
			}
		}
		if h.PollInterval <= 0 {
			errs = append(errs, errors.New("collaborators.http.poll_interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown collaborators driver %q", c.Collaborators.Driver))
	}

	switch c.Events.Driver {
	case DriverNone:
	case DriverNATS:
		if c.Events.NATS.URL == "" {
			errs = append(errs, errors.New("events.nats.url is required"))
		}
	case DriverKafka:
		if len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "" {
			errs = append(errs, errors.New("events.kafka.brokers and topic are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events driver %q", c.Events.Driver))
	}

	switch c.Lease.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Lease.Redis.Addr == "" {
			errs = append(errs, errors.New("lease.redis.addr is required"))
		}
		if c.Lease.Redis.TTL <= 0 {
			errs = append(errs, errors.New("lease.redis.ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lease driver %q", c.Lease.Driver))
	}

	if c.Production.Enabled {
		errs = append(errs, c.validateProduction()...)
	}
	return errors.Join(errs...)
}

// validateProduction rejects settings that lose state or run fake work.
func (c *Config) validateProduction() []error {
	var errs []error
	if c.Store.Driver == DriverMemory {
		errs = append(errs, errors.New("production mode requires a durable store"))
	}
	if c.Datasets.Driver == DriverMemory {
		errs = append(errs, errors.New("production mode requires a durable dataset registry"))
	}
	if c.Collaborators.Driver == DriverSimulated {
		errs = append(errs, errors.New("production mode does not allow simulated collaborators"))
	}
	if c.Collaborators.Driver == DriverHTTP && !c.Collaborators.HTTP.APIKey.IsSet() {
		errs = append(errs, errors.New("production mode requires collaborators.http.api_key"))
	}
	return errs
}

func validateServiceURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
