package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rolloutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_coordinator_rollouts_total",
		Help: "Rollouts executed, by overall status.",
	}, []string{"status"})

	targetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_coordinator_targets_total",
		Help: "Rollout targets scheduled, by outcome.",
	}, []string{"outcome"})

	rolloutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shipway_coordinator_rollout_duration_seconds",
		Help:    "Wall-clock duration of whole rollouts.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)
