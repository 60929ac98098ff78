// Package metrics exposes Prometheus counters for the rating engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	RunsStarted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "ladder",
		Subsystem: "rater",
		Name:      "runs_started_total",
		Help:      "Rating runs started.",
	})
	RunsCompleted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "ladder",
		Subsystem: "rater",
		Name:      "runs_completed_total",
		Help:      "Rating runs committed.",
	})
	RunsFailed = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "ladder",
		Subsystem: "rater",
		Name:      "runs_failed_total",
		Help:      "Rating runs rolled back.",
	})
	RunDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "ladder",
		Subsystem: "rater",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a full rating run.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	GamesProcessed = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "ladder",
		Subsystem: "rater",
		Name:      "games_processed_total",
		Help:      "Matches consumed by rating runs.",
	})
	GamesSkipped = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "ladder",
		Subsystem: "rater",
		Name:      "games_skipped_total",
		Help:      "Corrupt matches skipped by rating runs.",
	})
	PairsDecayed = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "ladder",
		Subsystem: "rater",
		Name:      "pairs_decayed_total",
		Help:      "Inactive player-character pairs whose deviation was inflated.",
	})
	LastRunUnix = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "ladder",
		Subsystem: "rater",
		Name:      "last_run_unix",
		Help:      "Wall clock of the last committed run.",
	})
)

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
