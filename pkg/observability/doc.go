// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry tracing, and graceful shutdown for the
// gateway.
//
// The logger is a thin wrapper over log/slog with JSON output and context
// plumbing for request and user IDs. Metrics cover both the HTTP surface and
// the proxy domain: upstream latency, token throughput, spend, and key-cache
// effectiveness.
package observability
