package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess     = "success"
	resultFailure     = "failure"
	resultDegraded    = "degraded"
	resultCircuitOpen = "circuit_open"
)

var (
	// executeTotal counts Execute calls by final result
	executeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_resilience_execute_total",
		Help: "Total Execute calls by final result",
	}, []string{"result"})

	// executeDuration tracks Execute latency including retries and waits
	executeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shipway_resilience_execute_duration_seconds",
		Help:    "Execute duration in seconds, including retry waits",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"result"})

	// circuitTransitions counts breaker transitions by destination state
	circuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_resilience_circuit_transitions_total",
		Help: "Circuit breaker transitions by destination state",
	}, []string{"to"})
)
