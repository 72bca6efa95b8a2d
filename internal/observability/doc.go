// Package observability wires logging, metrics and tracing for the engine
// and gateway processes.
//
//   - Logging: log/slog with a handler that redacts secrets and lifts
//     correlation fields (chat, unit, session) from the context.
//   - Metrics: Prometheus collectors registered on a caller-supplied
//     registry so tests can use an isolated one.
//   - Tracing: OpenTelemetry spans exported over OTLP/gRPC when an endpoint
//     is configured, a no-op tracer otherwise.
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "nexusd-engine"})
//	defer shutdown(context.Background())
package observability
