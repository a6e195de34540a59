// Package sinks implements concrete progress consumers: structured logging,
// Prometheus counters, and an in-memory per-source status view. Each sink
// satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
