// Package metrics exposes the comet's Prometheus instrumentation: bridge
// session counts, round-trip latency, and leader-election state. A single
// process-wide Registry is expected — construct one in cmd/comet's wiring
// and pass it down to internal/bridge and internal/leaderelection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge/histogram the comet records.
type Metrics struct {
	reg *prometheus.Registry

	SessionsConnected prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsClosed    *prometheus.CounterVec

	SendMsgTotal    *prometheus.CounterVec
	SendMsgDuration *prometheus.HistogramVec

	OutboundQueueFull prometheus.Counter

	IsLeader prometheus.Gauge
}

// New registers every metric against a fresh prometheus.Registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		SessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "jiascheduler",
			Subsystem: "bridge",
			Name:      "sessions_connected",
			Help:      "Number of agent sessions currently registered with the bridge.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "jiascheduler",
			Subsystem: "bridge",
			Name:      "sessions_total",
			Help:      "Total agent sessions that have ever connected.",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jiascheduler",
			Subsystem: "bridge",
			Name:      "sessions_closed_total",
			Help:      "Agent sessions that have terminated, labeled by close reason.",
		}, []string{"reason"}),

		SendMsgTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jiascheduler",
			Subsystem: "bridge",
			Name:      "send_msg_total",
			Help:      "Completed registry.SendMsg calls, labeled by outcome kind.",
		}, []string{"kind"}),
		SendMsgDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jiascheduler",
			Subsystem: "bridge",
			Name:      "send_msg_duration_seconds",
			Help:      "Round-trip latency of registry.SendMsg, labeled by outcome kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		OutboundQueueFull: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "jiascheduler",
			Subsystem: "bridge",
			Name:      "outbound_queue_full_total",
			Help:      "Times a session's outbound queue rejected a send as full.",
		}),

		IsLeader: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "jiascheduler",
			Subsystem: "leaderelection",
			Name:      "is_leader",
			Help:      "1 if this process currently holds the leader-election lease, else 0.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
