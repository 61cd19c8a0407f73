// Package server provides the gateway's HTTP server.
//
// The gin engine serves the unauthenticated /health and /status
// endpoints itself and hands every other request to the dispatcher.
// Each request passes through, in order: panic recovery, request ID,
// tracing, metrics, access logging and, for dispatched requests, the
// per-client rate limit. Prometheus metrics are not served here; see
// MetricsServer.
package server
