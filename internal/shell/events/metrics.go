package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// publishedTotal counts events published by type
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_events_published_total",
		Help: "Total events published by type",
	}, []string{"type"})

	// droppedTotal counts per-subscriber deliveries lost to full buffers
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipway_events_dropped_total",
		Help: "Event deliveries dropped because a subscriber buffer was full",
	})
)
