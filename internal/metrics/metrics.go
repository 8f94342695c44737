package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wslink"

// statuses lists every label value the status gauge can carry.
var statuses = []string{"idle", "connecting", "connected", "disconnected", "error"}

// Metrics holds the collectors for a connection manager.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	status            *prometheus.GaugeVec
	transitions       *prometheus.CounterVec
	messagesReceived  prometheus.Counter
	decodeErrors      prometheus.Counter
	messagesSent      prometheus.Counter
	messagesDropped   prometheus.Counter
	sendErrors        prometheus.Counter
	reconnectAttempts prometheus.Counter
	listenerPanics    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "status",
				Help:      "Current connection status (1 for the active status, 0 otherwise).",
			},
			[]string{"status"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "transitions_total",
				Help:      "Status transitions by target status.",
			},
			[]string{"status"},
		),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Inbound envelopes decoded and delivered to listeners.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they were not valid envelopes.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Outbound envelopes written to the transport.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Outbound envelopes dropped because the transport was not open.",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "send_errors_total",
			Help:      "Outbound envelopes that failed to encode or write.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts fired by the reconnect timer.",
		}),
		listenerPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listeners",
				Name:      "panics_total",
				Help:      "Listener invocations that panicked, by listener kind.",
			},
			[]string{"kind"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.status,
			m.transitions,
			m.messagesReceived,
			m.decodeErrors,
			m.messagesSent,
			m.messagesDropped,
			m.sendErrors,
			m.reconnectAttempts,
			m.listenerPanics,
		)
	}

	return m
}

// SetStatus marks status as the active one and counts the transition.
func (m *Metrics) SetStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.status.WithLabelValues(s).Set(v)
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.messagesDropped.Inc()
}

func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// ListenerPanic counts a recovered panic; kind is "message" or "status".
func (m *Metrics) ListenerPanic(kind string) {
	if m == nil {
		return
	}
	m.listenerPanics.WithLabelValues(kind).Inc()
}
