package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/metrics"
)

// metricsMiddleware records request counts and latencies per chi route
// pattern, so paths carrying a source name do not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}
