package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sigslot"

// Metrics contains the messaging-layer metrics shared by all components of a process.
// The Record methods are no-ops on a nil receiver.
type Metrics struct {
	// Signal/slot traffic
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessageAge       *prometheus.HistogramVec
	RequestDuration  *prometheus.HistogramVec
	RequestFailures  *prometheus.CounterVec
	Connections      *prometheus.GaugeVec
	TrackedInstances *prometheus.GaugeVec

	// Broker
	BrokerConnected *prometheus.GaugeVec
	BrokerErrors    *prometheus.CounterVec
	NATSReconnects  prometheus.Counter

	// Point-to-point and streaming channels
	P2PChannels    *prometheus.GaugeVec
	ChannelBytes   *prometheus.CounterVec
	ChannelChunks  *prometheus.CounterVec
	ChannelDropped *prometheus.CounterVec

	// Event loop
	EventLoopThreads prometheus.Gauge
	EventLoopPending prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "sent_total",
				Help:      "Messages sent by kind (call, request, reply, signal, broadcast)",
			},
			[]string{"instance", "kind"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Messages received by kind",
			},
			[]string{"instance", "kind"},
		),

		MessageAge: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "age_seconds",
				Help:      "Time between the MQTimestamp of a message and its receipt",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"kind"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "duration_seconds",
				Help:      "Time from request to reply or failure",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"instance", "result"},
		),

		RequestFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "failures_total",
				Help:      "Failed requests by error kind",
			},
			[]string{"instance", "kind"},
		),

		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "signalslot",
				Name:      "connections",
				Help:      "Signal to slot connections established by this instance",
			},
			[]string{"instance"},
		),

		TrackedInstances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "signalslot",
				Name:      "tracked_instances",
				Help:      "Remote instances tracked through heartbeats",
			},
			[]string{"instance"},
		),

		BrokerConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
			[]string{"instance"},
		),

		BrokerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "errors_total",
				Help:      "Errors reported by the broker read loop",
			},
			[]string{"instance", "kind"},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		P2PChannels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "p2p",
				Name:      "channels",
				Help:      "Open point-to-point TCP channels",
			},
			[]string{"role"},
		),

		ChannelBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "bytes_total",
				Help:      "Bytes moved through streaming channels",
			},
			[]string{"channel", "direction"},
		),

		ChannelChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "chunks_total",
				Help:      "Chunks moved through streaming channels",
			},
			[]string{"channel", "direction"},
		),

		ChannelDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "dropped_total",
				Help:      "Chunks dropped by slowness policy",
			},
			[]string{"channel", "policy"},
		),

		EventLoopThreads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "eventloop",
				Name:      "threads",
				Help:      "Worker goroutines serving the event loop",
			},
		),

		EventLoopPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "eventloop",
				Name:      "pending",
				Help:      "Posted tasks and armed timers not yet completed",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.MessagesSent,
		c.MessagesReceived,
		c.MessageAge,
		c.RequestDuration,
		c.RequestFailures,
		c.Connections,
		c.TrackedInstances,
		c.BrokerConnected,
		c.BrokerErrors,
		c.NATSReconnects,
		c.P2PChannels,
		c.ChannelBytes,
		c.ChannelChunks,
		c.ChannelDropped,
		c.EventLoopThreads,
		c.EventLoopPending,
	}
}

// RecordMessageSent increments the sent counter
func (c *Metrics) RecordMessageSent(instance, kind string) {
	if c == nil {
		return
	}
	c.MessagesSent.WithLabelValues(instance, kind).Inc()
}

// RecordMessageReceived increments the received counter
func (c *Metrics) RecordMessageReceived(instance, kind string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(instance, kind).Inc()
}

// RecordMessageAge observes how long a message travelled. Negative ages
// from skewed clocks are ignored.
func (c *Metrics) RecordMessageAge(kind string, age time.Duration) {
	if c == nil || age < 0 {
		return
	}
	c.MessageAge.WithLabelValues(kind).Observe(age.Seconds())
}

// RecordRequest observes a finished request. kind is empty on success.
func (c *Metrics) RecordRequest(instance, kind string, duration time.Duration) {
	if c == nil {
		return
	}
	result := "success"
	if kind != "" {
		result = "failure"
		c.RequestFailures.WithLabelValues(instance, kind).Inc()
	}
	c.RequestDuration.WithLabelValues(instance, result).Observe(duration.Seconds())
}

// RecordConnections sets the number of established edges
func (c *Metrics) RecordConnections(instance string, n int) {
	if c == nil {
		return
	}
	c.Connections.WithLabelValues(instance).Set(float64(n))
}

// RecordTrackedInstances sets the number of tracked remote instances
func (c *Metrics) RecordTrackedInstances(instance string, n int) {
	if c == nil {
		return
	}
	c.TrackedInstances.WithLabelValues(instance).Set(float64(n))
}

// RecordBrokerStatus updates the broker connection status
func (c *Metrics) RecordBrokerStatus(instance string, connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BrokerConnected.WithLabelValues(instance).Set(value)
}

// RecordBrokerError increments the broker error counter
func (c *Metrics) RecordBrokerError(instance, kind string) {
	if c == nil {
		return
	}
	c.BrokerErrors.WithLabelValues(instance, kind).Inc()
}

// RecordNATSReconnect increments the reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordP2PChannels sets the number of open point-to-point channels for a role
func (c *Metrics) RecordP2PChannels(role string, n int) {
	if c == nil {
		return
	}
	c.P2PChannels.WithLabelValues(role).Set(float64(n))
}

// RecordChannelTraffic counts one chunk of the given size
func (c *Metrics) RecordChannelTraffic(channel, direction string, bytes int) {
	if c == nil {
		return
	}
	c.ChannelChunks.WithLabelValues(channel, direction).Inc()
	c.ChannelBytes.WithLabelValues(channel, direction).Add(float64(bytes))
}

// RecordChannelDrop counts a chunk dropped by a slowness policy
func (c *Metrics) RecordChannelDrop(channel, policy string) {
	if c == nil {
		return
	}
	c.ChannelDropped.WithLabelValues(channel, policy).Inc()
}

// RecordEventLoop updates the event loop gauges
func (c *Metrics) RecordEventLoop(threads int, pending int64) {
	if c == nil {
		return
	}
	c.EventLoopThreads.Set(float64(threads))
	c.EventLoopPending.Set(float64(pending))
}
