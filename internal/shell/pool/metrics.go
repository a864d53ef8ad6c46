package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolConnections tracks entries per resource by state
	poolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shipway_pool_connections",
		Help: "Pooled connections per resource by state",
	}, []string{"resource", "state"})

	// acquireTotal counts acquire attempts by result
	acquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_pool_acquire_total",
		Help: "Total acquire calls by resource and result",
	}, []string{"resource", "result"})

	// acquireWait tracks how long callers waited for a connection
	acquireWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shipway_pool_acquire_wait_seconds",
		Help:    "Time spent waiting for a connection",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"resource"})

	// evictionsTotal counts idle-expired entries removed
	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_pool_evictions_total",
		Help: "Idle-expired connections evicted per resource",
	}, []string{"resource"})
)
