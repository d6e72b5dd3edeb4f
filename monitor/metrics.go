package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sigslot/metric"
)

// metrics are nil when no registry is given; every record method accepts a
// nil receiver
type metrics struct {
	clientsConnected   prometheus.Gauge
	connectionsTotal   prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	eventsTotal        *prometheus.CounterVec
	eventsDropped      prometheus.Counter
	bytesSent          prometheus.Counter
	errorsTotal        *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) (*metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigslot",
			Subsystem: "monitor",
			Name:      "clients_connected",
			Help:      "Number of connected monitor clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigslot",
			Subsystem: "monitor",
			Name:      "client_connections_total",
			Help:      "Total monitor client connections",
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigslot",
			Subsystem: "monitor",
			Name:      "client_disconnections_total",
			Help:      "Total monitor client disconnections",
		}, []string{"reason"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigslot",
			Subsystem: "monitor",
			Name:      "events_total",
			Help:      "Topology events broadcast by type",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigslot",
			Subsystem: "monitor",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a client fell behind",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigslot",
			Subsystem: "monitor",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to monitor clients",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigslot",
			Subsystem: "monitor",
			Name:      "errors_total",
			Help:      "Monitor errors by type",
		}, []string{"error_type"}),
	}

	if err := registry.RegisterGauge("monitor", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("monitor", "client_connections_total", m.connectionsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("monitor", "client_disconnections_total", m.disconnectionTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("monitor", "events_total", m.eventsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("monitor", "events_dropped_total", m.eventsDropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("monitor", "bytes_sent_total", m.bytesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("monitor", "errors_total", m.errorsTotal); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) recordConnect(clients int) {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *metrics) recordDisconnect(reason string, clients int) {
	if m == nil {
		return
	}
	m.disconnectionTotal.WithLabelValues(reason).Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *metrics) recordEvent(typ string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(typ).Inc()
}

func (m *metrics) recordDrop() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *metrics) recordSent(bytes int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(bytes))
}

func (m *metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}
