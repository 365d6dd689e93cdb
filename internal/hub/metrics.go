// ABOUTME: Prometheus instrumentation for the hub's ingest and command paths.
// ABOUTME: Registered through promauto against a caller-supplied registry.

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the hub's Prometheus collectors.
type Metrics struct {
	FramesTotal     *prometheus.CounterVec
	FrameErrors     *prometheus.CounterVec
	CommandsTotal   *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	EventsDropped   prometheus.Counter
}

// NewMetrics registers the hub collectors with reg.
func NewMetrics(reg prometheus.Registerer, connectedAgents, viewers func() float64) *Metrics {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fleethub",
		Name:      "connected_agents",
		Help:      "Number of agents with a live session.",
	}, connectedAgents)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fleethub",
		Name:      "connected_viewers",
		Help:      "Number of subscribed viewer connections.",
	}, viewers)

	return &Metrics{
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleethub",
			Name:      "frames_total",
			Help:      "Frames received from agents, by message type.",
		}, []string{"type"}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleethub",
			Name:      "frame_errors_total",
			Help:      "Frames rejected during decoding or processing, by message type.",
		}, []string{"type"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleethub",
			Name:      "commands_total",
			Help:      "Commands dispatched to agents, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleethub",
			Name:      "command_duration_seconds",
			Help:      "Round-trip latency of agent commands.",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleethub",
			Name:      "viewer_events_dropped_total",
			Help:      "Events dropped because a viewer channel was full.",
		}),
	}
}
