// Package metrics holds the Prometheus collectors of the chat client.
// Collectors are registered once on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_connection_state",
		Help: "1 for the current transport connection state, 0 otherwise.",
	}, []string{"state"})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_reconnect_attempts_total",
		Help: "Reconnect attempts scheduled after an unexpected drop.",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_frames_received_total",
		Help: "Push frames routed to a conversation, by action.",
	}, []string{"action"})

	FramesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_frames_malformed_total",
		Help: "Push frames dropped because they failed to parse.",
	})

	Ingest = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ingest_total",
		Help: "Reconciliation outcomes by source and result.",
	}, []string{"source", "result"})

	RESTRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rest_requests_total",
		Help: "REST collaborator calls by operation and outcome.",
	}, []string{"op", "outcome"})

	DeliveryResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_event_deliveries_total",
		Help: "Event mirror deliveries by channel and outcome.",
	}, []string{"channel", "outcome"})
)

// SetConnectionState marks state as the only active connection state.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
