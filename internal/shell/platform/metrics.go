package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// invokeTotal counts CLI invocations by command and result
	invokeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_platform_cli_invocations_total",
		Help: "Deploy CLI invocations by command and result",
	}, []string{"command", "result"})

	// apiRequestTotal counts control-plane requests by method and status
	apiRequestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipway_platform_api_requests_total",
		Help: "Control-plane API requests by method and status code",
	}, []string{"method", "status"})
)
