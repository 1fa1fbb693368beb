package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseDuration tracks collaborator call latency.
	// Labels: phase, outcome (completed, failed)
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trainloop",
			Subsystem: "orchestrator",
			Name:      "phase_duration_seconds",
			Help:      "Duration of phase executions in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
		},
		[]string{"phase", "outcome"},
	)

	// StatusTransitions counts committed status changes.
	// Labels: from, to
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trainloop",
			Subsystem: "orchestrator",
			Name:      "status_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"from", "to"},
	)

	// ActiveDrivers is the number of task drivers currently running.
	ActiveDrivers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trainloop",
			Subsystem: "orchestrator",
			Name:      "active_drivers",
			Help:      "Number of task drivers currently running",
		},
	)

	// IterationsTotal counts completed iterations.
	// Labels: mode
	IterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trainloop",
			Subsystem: "orchestrator",
			Name:      "iterations_total",
			Help:      "Total number of completed optimize-train-evaluate iterations",
		},
		[]string{"mode"},
	)

	// LatestScore records the most recent evaluation score per task mode.
	LatestScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trainloop",
			Subsystem: "orchestrator",
			Name:      "latest_score",
			Help:      "Most recent evaluation score",
		},
		[]string{"mode"},
	)
)
