package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/trainloop/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "trainloop", cfg.ServiceName)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.Sampling.Rate)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Metrics.ExportInterval.Duration())
	assert.Equal(t, 5*time.Second, cfg.Shutdown.Timeout.Duration())
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	enabled := func(mutate func(*Config)) *Config {
		c := NewDefaultConfig()
		c.Enabled = true
		mutate(c)
		return c
	}

	tests := []struct {
		name   string
		config *Config
		errMsg string
	}{
		{"disabled skips validation", &Config{}, ""},
		{"enabled defaults", enabled(func(*Config) {}), ""},
		{"missing endpoint", enabled(func(c *Config) { c.Endpoint = "" }), "endpoint is required"},
		{"missing service name", enabled(func(c *Config) { c.ServiceName = "" }), "service_name is required"},
		{"unknown protocol", enabled(func(c *Config) { c.Protocol = "thrift" }), "unsupported protocol"},
		{"sampling too high", enabled(func(c *Config) { c.Sampling.Rate = 1.1 }), "sampling.rate"},
		{"sampling negative", enabled(func(c *Config) { c.Sampling.Rate = -0.1 }), "sampling.rate"},
		{"zero export interval", enabled(func(c *Config) { c.Metrics.ExportInterval = config.Duration(0) }), "export_interval"},
		{"metrics disabled ignores interval", enabled(func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.ExportInterval = 0
		}), ""},
		{"zero shutdown timeout", enabled(func(c *Config) { c.Shutdown.Timeout = 0 }), "shutdown.timeout"},
		{"insecure remote", enabled(func(c *Config) { c.Endpoint = "otel.example.com:4317" }), "insecure connections"},
		{"tls remote", enabled(func(c *Config) {
			c.Endpoint = "https://otel.example.com:4318"
			c.Protocol = ProtocolHTTP
			c.Insecure = false
		}), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_IsLocalEndpoint(t *testing.T) {
	tests := map[string]bool{
		"localhost:4317":        true,
		"127.0.0.1:4317":        true,
		"127.0.1.5":             true,
		"[::1]:4317":            true,
		"::1":                   true,
		"http://localhost:4318": true,
		"collector.internal":    false,
		"10.0.0.4:4317":         false,
		"localhost.evil.com":    false,
	}
	for endpoint, want := range tests {
		c := &Config{Endpoint: endpoint}
		assert.Equal(t, want, c.isLocalEndpoint(), endpoint)
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel:4318", stripScheme("https://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("http://otel:4318"))
	assert.Equal(t, "otel:4317", stripScheme("otel:4317"))
}
