package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sessionsTotal counts finished sessions by terminal status
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_orchestrator_sessions_total",
		Help: "Finished deployment sessions by terminal status",
	}, []string{"status"})

	// activeSessions tracks sessions currently mid-lifecycle
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shipway_orchestrator_active_sessions",
		Help: "Deployment sessions currently executing",
	})

	// phaseDuration tracks per-phase latency by result status
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shipway_orchestrator_phase_duration_seconds",
		Help:    "Phase duration in seconds by phase and result status",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m
	}, []string{"phase", "status"})
)
