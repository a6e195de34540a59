// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the crawl engine uses to report progress. Events are batched on a
// background goroutine and fanned out to pluggable sinks such as the zap log
// sink, Prometheus counters, or the in-memory status view served over HTTP.
package progress
