package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crucible-labs/crucible/internal/model"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_runs_total",
			Help: "Total number of finished runs, by runner kind and terminal status.",
		},
		[]string{"runner", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_run_duration_seconds",
			Help:    "Wall-clock run execution time in seconds, by runner kind.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"runner"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_queue_depth",
			Help: "Number of queued runs waiting for the dispatch worker.",
		},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_active_runs",
			Help: "Number of runs currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(activeRuns)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after the first run.
	terminal := []string{
		model.StatusPassed,
		model.StatusFailed,
		model.StatusError,
		model.StatusCancelled,
		model.StatusTimeout,
	}
	for _, rn := range []string{model.RunnerSubprocess, model.RunnerContainer} {
		for _, st := range terminal {
			runsTotal.WithLabelValues(rn, st)
		}
		runDuration.WithLabelValues(rn)
	}
}
