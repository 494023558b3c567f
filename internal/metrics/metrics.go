// Package metrics defines the prometheus collectors exported by the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "headshakers"

// Metrics holds the view tracking and trending collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	ViewsRecorded        *prometheus.CounterVec
	ViewsDuplicate       *prometheus.CounterVec
	ViewsRejected        *prometheus.CounterVec
	TrendingCalculations *prometheus.CounterVec
	TrendingItems        *prometheus.GaugeVec
	TrendingRunDuration  prometheus.Histogram
	CacheErrors          *prometheus.CounterVec
	CacheBreakerOpen     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)

	return &Metrics{
		gatherer: registry,
		ViewsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "recorded_total",
			Help:      "Total number of views persisted",
		}, []string{"target_type", "viewer"}),
		ViewsDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "duplicate_total",
			Help:      "Total number of views suppressed by deduplication",
		}, []string{"target_type"}),
		ViewsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "rejected_total",
			Help:      "Total number of views rejected during validation or skipped",
		}, []string{"reason"}),
		TrendingCalculations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trending",
			Name:      "calculations_total",
			Help:      "Trending calculations by kind and outcome",
		}, []string{"kind", "outcome"}),
		TrendingItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trending",
			Name:      "items",
			Help:      "Number of items in the most recent trending list per cache key",
		}, []string{"key", "timeframe"}),
		TrendingRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trending",
			Name:      "run_duration_seconds",
			Help:      "Duration of full trending calculation runs",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		CacheErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Cache failures treated as non-fatal",
		}, []string{"operation"}),
		CacheBreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "breaker_open",
			Help:      "1 while the cache circuit breaker rejects calls",
		}, []string{"breaker"}),
	}
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ViewRecorded(targetType string, anonymous bool) {
	if m == nil {
		return
	}
	viewer := "authenticated"
	if anonymous {
		viewer = "anonymous"
	}
	m.ViewsRecorded.WithLabelValues(targetType, viewer).Inc()
}

func (m *Metrics) ViewDuplicate(targetType string) {
	if m == nil {
		return
	}
	m.ViewsDuplicate.WithLabelValues(targetType).Inc()
}

func (m *Metrics) ViewRejected(reason string) {
	if m == nil {
		return
	}
	m.ViewsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) TrendingCalculated(kind string, successful bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !successful {
		outcome = "failure"
	}
	m.TrendingCalculations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) TrendingListSize(key, timeframe string, items int) {
	if m == nil {
		return
	}
	m.TrendingItems.WithLabelValues(key, timeframe).Set(float64(items))
}

func (m *Metrics) TrendingRunObserved(seconds float64) {
	if m == nil {
		return
	}
	m.TrendingRunDuration.Observe(seconds)
}

func (m *Metrics) CacheFailed(operation string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(operation).Inc()
}

// CacheBreakerState records the latest breaker state. Half-open counts as not open.
func (m *Metrics) CacheBreakerState(breaker, state string) {
	if m == nil {
		return
	}
	open := 0.0
	if state == "open" {
		open = 1
	}
	m.CacheBreakerOpen.WithLabelValues(breaker).Set(open)
}
