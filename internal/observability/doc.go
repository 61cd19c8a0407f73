// Package observability provides logging, metrics, and tracing
// functionality for the KeyArc gateway.
//
// # Logging
//
// The Logger interface wraps zap and is passed to every component
// through functional options:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer func() { _ = logger.Sync() }()
//
//	logger.Info("request dispatched",
//	    observability.String("service", "keys"),
//	    observability.Int("status", 200),
//	)
//
// Loggers never receive token strings, key material, or audit
// metadata values.
//
// # Metrics
//
// Metrics owns the Prometheus registry that backs /metrics. Component
// metrics (verifier, policy engine, audit writer, dispatcher) register
// against Registry() explicitly:
//
//	metrics := observability.NewMetrics("gateway")
//	auditMetrics := audit.NewMetricsWithRegisterer("gateway", metrics.Registry())
//
// # Tracing
//
// Tracer configures an OpenTelemetry provider with an optional OTLP
// gRPC exporter. Trace context is propagated to downstream services
// with InjectHeaders.
package observability
