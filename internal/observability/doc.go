// Package observability provides monitoring and debugging capabilities for
// the agent runtime through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The package implements the three pillars of observability, plus a small
// debug timeline fed from the session's event bus:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Step/tool/compaction spans with OpenTelemetry
//  4. Timeline - A bounded record of recent bus events for /status output
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track agent
// loop steps and run outcomes, LLM request latency and token usage, tool
// execution performance, compaction passes, approval prompt decisions, and
// events dropped from slow bus subscribers.
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordStep()
//	metrics.RecordToolExecution("read", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on log/slog with JSON output for production and text for
// development. Session, step, and tool identifiers are carried through
// context.Context so every record from one step correlates, and common
// secret shapes (API keys, bearer tokens, passwords) are redacted before a
// record is written.
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter; with no endpoint
// configured the tracer is a no-op. One span wraps each step, each tool
// execution, and each compaction pass.
package observability
