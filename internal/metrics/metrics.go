package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects relay activity counters for the /metrics endpoint.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	BroadcastsTotal   prometheus.Counter
	EventsSent        prometheus.Counter
	SendErrors        prometheus.Counter
	DispatchesTotal   prometheus.Counter
	DispatchDuration  prometheus.Histogram
	PushSendsTotal    *prometheus.CounterVec
}

// New registers the relay collectors on the given registerer. The server
// passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Currently open websocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total accepted websocket connections",
		}),
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_broadcasts_total",
			Help: "Sequence-bearing events broadcast to users",
		}),
		EventsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_events_sent_total",
			Help: "Events written to individual client sockets",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_send_errors_total",
			Help: "Failed writes to client sockets",
		}),
		DispatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_dispatches_total",
			Help: "Inbound messages dispatched to the agent runtime",
		}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_dispatch_duration_seconds",
			Help:    "Agent dispatch duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		PushSendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_push_sends_total",
			Help: "Push notification delivery attempts by result",
		}, []string{"result"}),
	}
}
