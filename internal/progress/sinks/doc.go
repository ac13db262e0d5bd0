// Package sinks implements concrete progress consumers: Prometheus collectors,
// the audit repository writer, and structured logging. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
