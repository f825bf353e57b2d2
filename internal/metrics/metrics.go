// Package metrics provides Prometheus metrics for the refresh engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcomes used as the "outcome" label.
const (
	OutcomeUpdated     = "updated"
	OutcomeNotModified = "not_modified"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
)

var (
	// RefreshTotal counts single-feed refresh cycles by outcome.
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedrefresh",
			Name:      "refresh_total",
			Help:      "Total number of feed refresh cycles",
		},
		[]string{"outcome"},
	)

	// RefreshDuration measures single-feed refresh duration.
	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feedrefresh",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of feed refresh cycles in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"outcome"},
	)

	// ArticlesInserted counts newly stored articles.
	ArticlesInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedrefresh",
			Name:      "articles_inserted_total",
			Help:      "Total number of new articles stored",
		},
	)

	// FetchErrorsTotal counts fetch failures by kind.
	FetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedrefresh",
			Name:      "fetch_errors_total",
			Help:      "Total number of feed fetch errors",
		},
		[]string{"kind"},
	)

	// BatchSize observes how many feeds a batch refresh covered.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "feedrefresh",
			Name:      "batch_size",
			Help:      "Distribution of batch refresh sizes",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// GateDecisions counts interactive refresh requests by decision.
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedrefresh",
			Name:      "gate_decisions_total",
			Help:      "Interactive refresh requests by gate decision",
		},
		[]string{"decision"},
	)
)

// RecordRefresh records one refresh cycle.
func RecordRefresh(outcome string, newArticles int, duration float64) {
	RefreshTotal.WithLabelValues(outcome).Inc()
	RefreshDuration.WithLabelValues(outcome).Observe(duration)
	if newArticles > 0 {
		ArticlesInserted.Add(float64(newArticles))
	}
}

// RecordFetchError records a failed fetch.
func RecordFetchError(kind string) {
	FetchErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordBatch records the size of a batch refresh.
func RecordBatch(size int) {
	BatchSize.Observe(float64(size))
}

// RecordGate records a rate gate decision.
func RecordGate(allowed bool) {
	if allowed {
		GateDecisions.WithLabelValues("allowed").Inc()
		return
	}
	GateDecisions.WithLabelValues("denied").Inc()
}
