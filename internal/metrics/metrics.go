// Package metrics exposes Prometheus collectors for upstream API traffic.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequestsTotal         *prometheus.CounterVec
	upstreamRequestDuration       *prometheus.HistogramVec
	upstreamCooldownSeconds       *prometheus.HistogramVec
	upstreamRotationsTotal        prometheus.Counter
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	statusRequestsTotal           *prometheus.CounterVec
	statusRequestDuration         *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_upstream_requests_total",
				Help: "Upstream page requests, labeled by host, outcome and HTTP code.",
			},
			[]string{"host", "outcome", "code"},
		)

		upstreamRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_upstream_request_duration_seconds",
				Help:    "Histogram of upstream page request latencies, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		upstreamCooldownSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_upstream_cooldown_seconds",
				Help:    "Cooldowns imposed after retryable upstream responses, labeled by HTTP code.",
				Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 240},
			},
			[]string{"code"},
		)

		upstreamRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_upstream_rotations_total",
				Help: "Times the client switched to the next upstream endpoint after a block.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		statusRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_status_http_requests_total",
				Help: "Requests served by the status server, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		statusRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_status_http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstreamRequest records one page request. code is 0 for transport failures.
func ObserveUpstreamRequest(endpoint, outcome string, code int, duration time.Duration) {
	Init()
	host := SanitizeSite(endpoint)
	upstreamRequestsTotal.WithLabelValues(host, outcome, strconv.Itoa(code)).Inc()
	upstreamRequestDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveCooldown records a cooldown imposed after a retryable response.
func ObserveCooldown(code int, cooldown time.Duration) {
	Init()
	upstreamCooldownSeconds.WithLabelValues(strconv.Itoa(code)).Observe(cooldown.Seconds())
}

// IncRotations counts an endpoint rotation.
func IncRotations() {
	Init()
	upstreamRotationsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one request served by the status server.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	statusRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	statusRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
