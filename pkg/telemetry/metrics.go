// Package telemetry exposes Prometheus metrics describing daemon activity.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsOpen     prometheus.Gauge
	SessionsOpen        prometheus.Gauge
	SessionRequests     *prometheus.CounterVec
	InteractionsPrompts prometheus.Counter
	ThrottleBlocks      prometheus.Counter
}

// New builds a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webapid_connections_open",
			Help: "Number of live WebSocket connections.",
		}),
		SessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webapid_sessions_open",
			Help: "Number of registered hypervisor sessions.",
		}),
		SessionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webapid_session_requests_total",
			Help: "Session requests by terminal outcome code.",
		}, []string{"outcome"}),
		InteractionsPrompts: factory.NewCounter(prometheus.CounterOpts{
			Name: "webapid_interaction_prompts_total",
			Help: "User interaction prompts sent to pages.",
		}),
		ThrottleBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: "webapid_throttle_blocks_total",
			Help: "Connections blocked by the denial throttle.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
