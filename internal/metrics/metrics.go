// Package metrics provides Prometheus metrics for the portpunch daemon.
package metrics

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/portpunch/portpunch/internal/upnp"
)

// Registry is the Prometheus registry for all portpunch metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// EngineMetrics holds all Prometheus metrics for the UPnP engine.
type EngineMetrics struct {
	StateTransitions *prometheus.CounterVec // labels: from, to
	GatewaysFound    prometheus.Counter
	ExternalAddrSeen prometheus.Counter
	EngineState      prometheus.Gauge // numeric engine state
}

// InitMetrics initializes the engine metrics on the shared registry.
func InitMetrics() *EngineMetrics {
	return &EngineMetrics{
		StateTransitions: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "portpunch_state_transitions_total",
			Help: "Engine state transitions",
		}, []string{"from", "to"}),
		GatewaysFound: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "portpunch_gateways_found_total",
			Help: "Gateways discovered via SSDP",
		}),
		ExternalAddrSeen: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "portpunch_external_address_resolved_total",
			Help: "Completed external address queries",
		}),
		EngineState: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "portpunch_engine_state",
			Help: "Current engine state as an enum value",
		}),
	}
}

// Observer returns an engine observer that keeps the metrics current.
func (m *EngineMetrics) Observer() upnp.Observer {
	return upnp.FuncObserver{
		StateChanged: func(oldState, newState upnp.State) {
			m.StateTransitions.WithLabelValues(oldState.String(), newState.String()).Inc()
			m.EngineState.Set(float64(newState))
		},
		GatewayFound: func(string) {
			m.GatewaysFound.Inc()
		},
		ExternalAddress: func(net.IP) {
			m.ExternalAddrSeen.Inc()
		},
	}
}
