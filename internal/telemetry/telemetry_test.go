package telemetry

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NotNil(t, tel.LoggerProvider())
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_WithExporters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	spans := tracetest.NewInMemoryExporter()
	metrics := &nopMetricExporter{}

	tel, err := New(context.Background(), cfg, WithTraceExporter(spans), WithMetricExporter(metrics))
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())

	_, span := tel.Tracer("trainloop/test").Start(context.Background(), "orchestrator.drive")
	span.End()
	counter, err := tel.Meter("trainloop/test").Int64Counter("trainloop.test.total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	require.NoError(t, tel.ForceFlush(context.Background()))

	require.Len(t, spans.GetSpans(), 1)
	assert.Equal(t, "orchestrator.drive", spans.GetSpans()[0].Name)
	assert.Positive(t, metrics.exports.Load())

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.IsEnabled())
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NotNil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	tel.SetLoggerProvider(nil)
}

func TestTelemetry_Degraded(t *testing.T) {
	tel := &Telemetry{}
	tel.healthy.Store(true)
	tel.setDegraded("tracer provider: %v", "dial failed")

	h := tel.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.Degraded)
	assert.Equal(t, []string{"tracer provider: dial failed"}, h.Reasons)
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("trainloop/test").Start(ctx, "orchestrator.phase.training")
	span.SetAttributes(attribute.String("task.id", "task_1"), attribute.Int("task.iteration", 2))
	span.End()

	tt.AssertSpanExists(t, "orchestrator.phase.training")
	tt.AssertSpanAttribute(t, "orchestrator.phase.training", "task.id", "task_1")
	tt.AssertSpanAttribute(t, "orchestrator.phase.training", "task.iteration", int64(2))
	assert.Len(t, tt.SpansByName("orchestrator.phase.training"), 1)
	assert.Nil(t, tt.SpanByName("missing"))

	counter, err := tt.Meter("trainloop/test").Int64Counter("trainloop.test.total")
	require.NoError(t, err)
	counter.Add(ctx, 2, metric.WithAttributes(attribute.String("phase", "training")))
	counter.Add(ctx, 3, metric.WithAttributes(attribute.String("phase", "evaluation")))

	assert.EqualValues(t, 5, tt.CounterValue(t, "trainloop.test.total"))
	assert.EqualValues(t, 2, tt.CounterValue(t, "trainloop.test.total", attribute.String("phase", "training")))
	assert.EqualValues(t, 0, tt.CounterValue(t, "trainloop.absent"))
}

type nopMetricExporter struct {
	exports atomic.Int32
}

func (*nopMetricExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (*nopMetricExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (e *nopMetricExporter) Export(context.Context, *metricdata.ResourceMetrics) error {
	e.exports.Add(1)
	return nil
}

func (*nopMetricExporter) ForceFlush(context.Context) error { return nil }
func (*nopMetricExporter) Shutdown(context.Context) error   { return nil }
