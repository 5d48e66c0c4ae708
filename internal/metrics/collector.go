// Package bridgemetrics exposes Prometheus metrics for the tap bridge:
// frame counters by direction and outcome, retry exhaustion, and gauges
// for transmit queue depth and agent connection state.
package bridgemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "tapbridge"
	subsystem = "link"
)

// Label names for bridge metrics.
const (
	labelDirection = "direction"
	labelReason    = "reason"
)

// Direction label values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Drop reason label values.
const (
	ReasonMalformed      = "malformed"
	ReasonUnknownType    = "unknown_type"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonQueueFull      = "queue_full"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Bridge Metrics
// -------------------------------------------------------------------------

// Collector holds all tap bridge Prometheus metrics.
//
//   - FramesTotal counts frames crossing the bridge, labeled by direction.
//   - FramesDropped counts frames that never made it across, labeled by
//     direction and reason.
//   - Acks/Naks count link-layer handshake replies observed on the wire.
//   - QueueDepth tracks the outbound transmit queue's current length.
//   - Connected reports whether the agent link is currently up (1) or
//     down (0).
type Collector struct {
	// FramesTotal counts Ethernet frames transferred, per direction.
	FramesTotal *prometheus.CounterVec

	// FramesDropped counts frames dropped before crossing the bridge,
	// per direction and reason.
	FramesDropped *prometheus.CounterVec

	// Acks counts ACK frames received from the agent.
	Acks prometheus.Counter

	// Naks counts NAK frames received from the agent.
	Naks prometheus.Counter

	// QueueDepth is the current length of the outbound transmit queue.
	QueueDepth prometheus.Gauge

	// Connected is 1 when the agent link is up, 0 otherwise.
	Connected prometheus.Gauge

	// ChildRestarts counts agent process exits observed by the transport.
	ChildRestarts prometheus.Counter
}

// NewCollector creates a Collector with all bridge metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FramesTotal,
		c.FramesDropped,
		c.Acks,
		c.Naks,
		c.QueueDepth,
		c.Connected,
		c.ChildRestarts,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Total Ethernet frames transferred across the bridge.",
		}, []string{labelDirection}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped before crossing the bridge.",
		}, []string{labelDirection, labelReason}),

		Acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acks_total",
			Help:      "Total ACK frames received from the agent.",
		}),

		Naks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "naks_total",
			Help:      "Total NAK frames received from the agent.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Current length of the outbound transmit queue.",
		}),

		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected",
			Help:      "Whether the agent link is currently up (1) or down (0).",
		}),

		ChildRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "child_restarts_total",
			Help:      "Total agent process exits observed by the transport.",
		}),
	}
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFrames increments the frame counter for the given direction.
func (c *Collector) IncFrames(direction string) {
	c.FramesTotal.WithLabelValues(direction).Inc()
}

// IncDropped increments the drop counter for the given direction and reason.
func (c *Collector) IncDropped(direction, reason string) {
	c.FramesDropped.WithLabelValues(direction, reason).Inc()
}

// -------------------------------------------------------------------------
// Handshake Counters
// -------------------------------------------------------------------------

// IncAcks increments the ACK counter.
func (c *Collector) IncAcks() {
	c.Acks.Inc()
}

// IncNaks increments the NAK counter.
func (c *Collector) IncNaks() {
	c.Naks.Inc()
}

// -------------------------------------------------------------------------
// Gauges
// -------------------------------------------------------------------------

// SetQueueDepth sets the current transmit queue length.
func (c *Collector) SetQueueDepth(depth int) {
	c.QueueDepth.Set(float64(depth))
}

// SetConnected sets the connection gauge to 1 (connected) or 0.
func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.Connected.Set(1)
		return
	}
	c.Connected.Set(0)
}

// IncChildRestarts increments the agent restart counter.
func (c *Collector) IncChildRestarts() {
	c.ChildRestarts.Inc()
}
