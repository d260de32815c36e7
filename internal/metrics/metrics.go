// Package metrics provides Prometheus instrumentation for the matcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PairingsTotal counts pairing activations by outcome:
	// "paired", "no_partner", "race_lost", "conflict" or "error".
	PairingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcher_pairings_total",
		Help: "Pairing activations by outcome",
	}, []string{"outcome"})

	// SelectionsTotal counts selected partners by tier ("interest" or "fifo").
	SelectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcher_selections_total",
		Help: "Selected partners by selection tier",
	}, []string{"tier"})

	// CancellationsTotal counts cancel calls labeled by whether a coin was refunded.
	CancellationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcher_cancellations_total",
		Help: "Cancel requests by refund result",
	}, []string{"refunded"})

	// CleanupFailures counts queue entries that could not be removed after a
	// committed pairing.
	CleanupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matcher_cleanup_failures_total",
		Help: "Queue entries left behind after a committed pairing",
	})

	// SweptEntries counts stranded entries removed by the reconciliation sweep.
	SweptEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matcher_swept_entries_total",
		Help: "Stranded queue entries removed by the sweeper",
	})

	// MatchWait records how long the requester waited before being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matcher_match_wait_seconds",
		Help:    "Time from enqueue to committed pairing",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	})

	// QueueSize tracks the number of users currently waiting.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matcher_queue_size",
		Help: "Current number of users in the matching queue",
	})
)

func init() {
	prometheus.MustRegister(
		PairingsTotal,
		SelectionsTotal,
		CancellationsTotal,
		CleanupFailures,
		SweptEntries,
		MatchWait,
		QueueSize,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
