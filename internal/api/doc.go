// Package api hosts the read-only operator HTTP server that runs beside a
// crawl. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the live run view folded from progress events.
//   - GET /v1/status/sources/{source} for a single source.
//   - GET /v1/checkpoint for the last persisted checkpoint.
package api
