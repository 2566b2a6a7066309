package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wsgate",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Websocket clients with a live RDP session.",
		},
	)
	sessionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wsgate",
			Subsystem: "sessions",
			Name:      "rejected_total",
			Help:      "Websocket clients refused because the session limit was reached.",
		},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsgate",
			Subsystem: "rdp",
			Name:      "connect_attempts_total",
			Help:      "RDP connection attempts by outcome.",
		},
		[]string{"result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsgate",
			Subsystem: "rdp",
			Name:      "state_transitions_total",
			Help:      "Session state machine transitions.",
		},
		[]string{"from", "to"},
	)
	inputEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsgate",
			Subsystem: "rdp",
			Name:      "input_events_total",
			Help:      "Input events forwarded to the engine by kind.",
		},
		[]string{"kind"},
	)
	statusMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wsgate",
			Subsystem: "ws",
			Name:      "status_messages_total",
			Help:      "Status text messages queued to websocket clients.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsActive, sessionsRejected, connectAttempts, stateTransitions, inputEvents, statusMessages)
	})
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessionsActive.Dec()
}

func SessionRejected() {
	RegisterMetrics()
	sessionsRejected.Inc()
}

// RecordTransition counts a state change; leaving "connecting" also counts a
// connect attempt as success or failure.
func RecordTransition(from, to string) {
	RegisterMetrics()
	stateTransitions.WithLabelValues(from, to).Inc()
	if from == "connecting" {
		result := "failure"
		if to == "connected" {
			result = "success"
		}
		connectAttempts.WithLabelValues(result).Inc()
	}
}

func RecordInput(kind string) {
	RegisterMetrics()
	inputEvents.WithLabelValues(kind).Inc()
}

func RecordStatusMessage() {
	RegisterMetrics()
	statusMessages.Inc()
}
