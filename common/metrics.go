package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcomes used as the "outcome" label.
const (
	RefreshSuccess   = "success"
	RefreshFailure   = "failure"
	RefreshCoalesced = "coalesced"
)

type MetricsManager struct {
	// counters
	CounterRequests          *prometheus.CounterVec
	CounterRefreshes         *prometheus.CounterVec
	CounterRetries           prometheus.Counter
	CounterCredentialsClears prometheus.Counter
}

func NewTestMetricsManager() *MetricsManager {
	return NewMetricsManager("fitapi", "test_client", prometheus.NewRegistry())
}

func NewTestMetricsManagerAndRegistry() (*MetricsManager, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewMetricsManager("fitapi", "test_client", reg), reg
}

func NewMetricsManager(namespace, subsystem string, reg prometheus.Registerer) *MetricsManager {
	factory := promauto.With(reg)

	return &MetricsManager{
		CounterRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests",
			Help:      "The total number of outbound API requests",
		}, []string{"method", "status"}),
		CounterRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "token_refreshes",
			Help:      "Token refresh attempts by outcome",
		}, []string{"outcome"}),
		CounterRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_retries",
			Help:      "Requests re-dispatched after a successful refresh",
		}),
		CounterCredentialsClears: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "credentials_cleared",
			Help:      "Times the stored credentials were cleared after a failed refresh",
		}),
	}
}
