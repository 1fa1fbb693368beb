package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	for _, path := range []string{"/health", "/api/v1/status", "/missing"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch md.Name {
			case "trainloop.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("requests_total is %T", md.Data)
				}
				var total int64
				endpoints := map[string]bool{}
				for _, dp := range sum.DataPoints {
					total += dp.Value
					if v, ok := dp.Attributes.Value("endpoint"); ok {
						endpoints[v.AsString()] = true
					}
				}
				if total != 3 {
					t.Errorf("expected 3 requests, got %d", total)
				}
				if !endpoints["/api/v1/status"] {
					t.Errorf("missing endpoint label, got %v", endpoints)
				}
			case "trainloop.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				if !ok {
					t.Fatalf("request_duration_seconds is %T", md.Data)
				}
				var count uint64
				for _, dp := range hist.DataPoints {
					count += dp.Count
				}
				if count != 3 {
					t.Errorf("expected 3 duration recordings, got %d", count)
				}
			}
		}
	}

	for _, name := range []string{
		"trainloop.http.requests_total",
		"trainloop.http.request_duration_seconds",
		"trainloop.http.response_size_bytes",
		"trainloop.http.active_requests",
	} {
		if !found[name] {
			t.Errorf("metric %s not found", name)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/status", "/api/v1/status"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.input); got != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
