package rollback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rollbacksTotal counts rollback attempts by outcome.
var rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shipway_rollbacks_total",
	Help: "Rollback attempts by outcome",
}, []string{"result"})
