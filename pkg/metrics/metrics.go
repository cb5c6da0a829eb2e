// Package metrics exposes the prometheus collectors backing the health
// surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessed counts records by job and outcome
	// (written, skipped, failed)
	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "records_processed_total",
		Help:      "Records processed per job and outcome",
	}, []string{"job", "outcome"})

	// RunDuration observes end-to-end run duration per job
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conveyor",
		Name:      "run_duration_seconds",
		Help:      "Extraction run duration per job",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"job"})

	// RunsTotal counts runs by job and outcome (success, failed, incomplete)
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "runs_total",
		Help:      "Extraction runs per job and outcome",
	}, []string{"job", "outcome"})

	// CircuitState reports each breaker: 0 closed, 1 half-open, 2 open
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conveyor",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per endpoint class (0 closed, 1 half-open, 2 open)",
	}, []string{"class"})

	// ResolverLookups counts resolver lookups by result (hit, miss)
	ResolverLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "resolver_lookups_total",
		Help:      "Identifier resolver lookups by result",
	}, []string{"result"})

	// ActiveJobs gauges currently running extraction jobs
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conveyor",
		Name:      "active_jobs",
		Help:      "Currently running extraction jobs",
	})
)

// SetCircuitState translates a breaker state name onto the gauge.
func SetCircuitState(class, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	CircuitState.WithLabelValues(class).Set(v)
}
