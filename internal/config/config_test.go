package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 30s", cfg.Server.ShutdownTimeout.Duration())
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Collaborators.Driver != DriverSimulated {
		t.Errorf("Collaborators.Driver = %q, want simulated", cfg.Collaborators.Driver)
	}
	if cfg.Orchestrator.MaxConcurrentTasks != 4 {
		t.Errorf("Orchestrator.MaxConcurrentTasks = %d, want 4", cfg.Orchestrator.MaxConcurrentTasks)
	}
	if cfg.Orchestrator.TrainingTimeout.Duration() != 24*time.Hour {
		t.Errorf("Orchestrator.TrainingTimeout = %v, want 24h", cfg.Orchestrator.TrainingTimeout.Duration())
	}
	if !cfg.Orchestrator.RecoverOnStart {
		t.Error("Orchestrator.RecoverOnStart = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Server.ShutdownTimeout = 0 },
			wantErr: "shutdown_timeout",
		},
		{
			name:    "no drivers allowed",
			mutate:  func(c *Config) { c.Orchestrator.MaxConcurrentTasks = 0 },
			wantErr: "max_concurrent_tasks",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Store.Driver = DriverPostgres },
			wantErr: "store.postgres.url",
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Store.Driver = "sqlite" },
			wantErr: `unknown store driver "sqlite"`,
		},
		{
			name:    "postgres datasets need postgres store",
			mutate:  func(c *Config) { c.Datasets.Driver = DriverPostgres },
			wantErr: "requires store.driver postgres",
		},
		{
			name:    "minio without endpoint",
			mutate:  func(c *Config) { c.Datasets.Driver = DriverMinio },
			wantErr: "datasets.minio.endpoint",
		},
		{
			name: "http collaborators with bad scheme",
			mutate: func(c *Config) {
				c.Collaborators.Driver = DriverHTTP
				c.Collaborators.HTTP.OptimizerURL = "file:///etc/passwd"
				c.Collaborators.HTTP.TrainerURL = "http://trainer:8000"
				c.Collaborators.HTTP.EvaluatorURL = "http://evaluator:8001"
			},
			wantErr: "optimizer_url: unsupported scheme",
		},
		{
			name: "http collaborators missing url",
			mutate: func(c *Config) {
				c.Collaborators.Driver = DriverHTTP
				c.Collaborators.HTTP.OptimizerURL = "http://optimizer:8002"
				c.Collaborators.HTTP.EvaluatorURL = "http://evaluator:8001"
			},
			wantErr: "trainer_url: is required",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Events.Driver = DriverKafka },
			wantErr: "events.kafka.brokers",
		},
		{
			name:    "unknown events driver",
			mutate:  func(c *Config) { c.Events.Driver = "webhook" },
			wantErr: "unknown events driver",
		},
		{
			name: "redis without ttl",
			mutate: func(c *Config) {
				c.Lease.Driver = DriverRedis
				c.Lease.Redis.TTL = 0
			},
			wantErr: "lease.redis.ttl",
		},
		{
			name:    "production rejects memory store",
			mutate:  func(c *Config) { c.Production.Enabled = true },
			wantErr: "durable store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateProduction(t *testing.T) {
	cfg := Default()
	cfg.Production.Enabled = true
	cfg.Store.Driver = DriverPostgres
	cfg.Store.Postgres.URL = "postgres://trainloop:pw@db:5432/trainloop"
	cfg.Datasets.Driver = DriverPostgres
	cfg.Collaborators.Driver = DriverHTTP
	cfg.Collaborators.HTTP.OptimizerURL = "https://optimizer.internal"
	cfg.Collaborators.HTTP.TrainerURL = "https://trainer.internal"
	cfg.Collaborators.HTTP.EvaluatorURL = "https://evaluator.internal"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("Validate() = %v, want api_key error", err)
	}

	cfg.Collaborators.HTTP.APIKey = "k-123"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", d.Duration())
	}
	if err := d.UnmarshalText([]byte("-1s")); err == nil {
		t.Error("UnmarshalText(-1s) = nil, want error")
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("UnmarshalText(soon) = nil, want error")
	}
}

func TestSecret_NeverPrintsValue(t *testing.T) {
	s := Secret("postgres://u:hunter2@db/trainloop")

	for name, got := range map[string]string{
		"String":   s.String(),
		"Sprintf":  fmt.Sprintf("%v", s),
		"GoString": fmt.Sprintf("%#v", s),
	} {
		if strings.Contains(got, "hunter2") {
			t.Errorf("%s leaked secret: %q", name, got)
		}
	}

	b, err := json.Marshal(struct{ URL Secret }{s})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(b), "hunter2") {
		t.Errorf("json leaked secret: %s", b)
	}
	if s.Value() != "postgres://u:hunter2@db/trainloop" {
		t.Errorf("Value() = %q", s.Value())
	}
	if Secret("").IsSet() {
		t.Error("empty secret reports IsSet")
	}
}
