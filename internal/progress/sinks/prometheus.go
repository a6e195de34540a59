package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/progress"
)

// PrometheusSink exports crawl progress via Prometheus: runs, pages and
// appended records per source, retries, per-source errors and cursor position.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	pages           *prometheus.CounterVec
	recordsAppended *prometheus.CounterVec
	retries         *prometheus.CounterVec
	sourceErrors    *prometheus.CounterVec
	sourcesFinished prometheus.Counter
	cursorSeconds   *prometheus.GaugeVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_runs_completed_total",
			Help: "Total crawl runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_active",
			Help: "Crawl runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_run_duration_seconds",
			Help:    "Wall time per completed crawl run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 21600, 43200, 86400},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Pages fetched partitioned by source and status class.",
		}, []string{"source", "status_class"}),
		recordsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_records_appended_total",
			Help: "Records appended to the durable log per source.",
		}, []string{"source"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Retryable page failures per source.",
		}, []string{"source"}),
		sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_source_errors_total",
			Help: "Counted errors per source (fatal responses and retry ceiling breaches).",
		}, []string{"source"}),
		sourcesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_sources_finished_total",
			Help: "Sources that reached the end of their history or the min bound.",
		}),
		cursorSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawler_cursor_timestamp_seconds",
			Help: "Current cursor timestamp per source, in unix seconds.",
		}, []string{"source"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.pages,
		s.recordsAppended,
		s.retries,
		s.sourceErrors,
		s.sourcesFinished,
		s.cursorSeconds,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone:
		s.finishRun(evt, "success")
	case progress.StageRunError:
		s.finishRun(evt, "error")
	case progress.StagePageDone:
		class := string(evt.StatusClass)
		if class == "" {
			class = string(progress.StatusOther)
		}
		s.pages.WithLabelValues(evt.Source, class).Inc()
		if evt.Appended > 0 {
			s.recordsAppended.WithLabelValues(evt.Source).Add(float64(evt.Appended))
		}
		s.observeCursor(evt)
	case progress.StageRetry:
		s.retries.WithLabelValues(evt.Source).Inc()
	case progress.StageSourceError:
		s.sourceErrors.WithLabelValues(evt.Source).Inc()
	case progress.StageSourceFinished:
		s.sourcesFinished.Inc()
		s.observeCursor(evt)
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) observeCursor(evt progress.Event) {
	if evt.CursorTS > 0 {
		s.cursorSeconds.WithLabelValues(evt.Source).Set(float64(nsToSec(evt.CursorTS)))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func nsToSec(ts int64) int64 {
	if ts > 10_000_000_000 {
		return ts / 1_000_000_000
	}
	return ts
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
