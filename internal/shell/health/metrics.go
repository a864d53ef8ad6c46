package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// probesTotal counts individual health probes by observed state.
	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_health_probes_total",
		Help: "Health probes by resulting state",
	}, []string{"state"})

	// waitDuration tracks how long targets take to settle.
	waitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shipway_health_wait_duration_seconds",
		Help:    "Duration of WaitUntilHealthy calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"outcome"})
)
