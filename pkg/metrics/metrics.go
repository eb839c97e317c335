// Package metrics exports relay activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "screenrelay"

// Relay collects relay metrics. It implements relay.Metrics.
type Relay struct {
	activeConnections prometheus.Gauge
	totalConnections  prometheus.Counter
	eventsReceived    *prometheus.CounterVec
	eventsSent        *prometheus.CounterVec
	eventsRejected    *prometheus.CounterVec
	queueLength       prometheus.Gauge
	deviceBound       prometheus.Gauge
	drains            *prometheus.CounterVec
}

// New creates relay metrics, registering them with registerer if it isn't nil.
func New(registerer prometheus.Registerer) *Relay {
	m := &Relay{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Number of connections currently attached to the relay",
		}),
		totalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Total number of connections attached to the relay",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_received_total",
			Help:      "Total number of events received from connections",
		}, []string{"event"}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_sent_total",
			Help:      "Total number of events handed to connections",
		}, []string{"event"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_rejected_total",
			Help:      "Total number of events that could not be routed",
		}, []string{"event"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "length",
			Help:      "Number of commands waiting for the device",
		}),
		deviceBound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "device_bound",
			Help:      "1 if a device is identified, 0 otherwise",
		}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "drains_total",
			Help:      "Total number of queue drains by outcome",
		}, []string{"outcome"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.activeConnections,
			m.totalConnections,
			m.eventsReceived,
			m.eventsSent,
			m.eventsRejected,
			m.queueLength,
			m.deviceBound,
			m.drains,
		)
	}

	return m
}

// ConnectionOpened counts a new connection.
func (m *Relay) ConnectionOpened() {
	m.activeConnections.Inc()
	m.totalConnections.Inc()
}

// ConnectionClosed counts a connection going away.
func (m *Relay) ConnectionClosed() {
	m.activeConnections.Dec()
}

// EventReceived counts an inbound event.
func (m *Relay) EventReceived(event string) {
	m.eventsReceived.WithLabelValues(event).Inc()
}

// EventSent counts an outbound event.
func (m *Relay) EventSent(event string) {
	m.eventsSent.WithLabelValues(event).Inc()
}

// EventRejected counts an inbound event that was not routed.
func (m *Relay) EventRejected(event string) {
	m.eventsRejected.WithLabelValues(event).Inc()
}

// QueueLength records the command queue length.
func (m *Relay) QueueLength(n int) {
	m.queueLength.Set(float64(n))
}

// DeviceBound records whether a device is identified.
func (m *Relay) DeviceBound(bound bool) {
	if bound {
		m.deviceBound.Set(1)
	} else {
		m.deviceBound.Set(0)
	}
}

func (m *Relay) DrainStarted()  { m.drains.WithLabelValues("started").Inc() }
func (m *Relay) DrainFinished() { m.drains.WithLabelValues("completed").Inc() }
func (m *Relay) DrainAborted()  { m.drains.WithLabelValues("aborted").Inc() }
