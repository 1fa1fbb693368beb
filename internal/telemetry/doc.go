// Package telemetry sets up OpenTelemetry tracing and metrics for trainloop.
//
// Spans and metrics are exported over OTLP (grpc or http/protobuf) to a
// collector. When telemetry is disabled, or a provider cannot be built,
// Tracer and Meter fall back to the global no-op providers and the process
// keeps running.
//
// Configuration:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sampling:
//	    rate: 0.25
//	  metrics:
//	    export_interval: "15s"
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
