package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Store metrics
	MutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_board_mutations_total",
			Help: "Board mutations by operation and result",
		},
		[]string{"op", "result"},
	)

	MutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prism_board_mutation_duration_seconds",
			Help:    "Board mutation latency including persistence",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StoreDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prism_board_store_degraded",
			Help: "1 when the last persistence attempt failed",
		},
	)

	// Event bus metrics
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_board_events_emitted_total",
			Help: "Domain events emitted by kind",
		},
		[]string{"kind"},
	)

	HandlerPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prism_board_event_handler_panics_total",
			Help: "Recovered panics in event subscribers",
		},
	)

	// Realtime metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prism_board_connections_active",
			Help: "Registered websocket connections",
		},
	)

	UsersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prism_board_users_online",
			Help: "Users holding at least one registered connection",
		},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_board_messages_sent_total",
			Help: "Change messages queued to connections by type",
		},
		[]string{"type"},
	)

	MessagesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prism_board_messages_dropped_total",
			Help: "Messages dropped because a connection send buffer was full",
		},
	)

	HandshakeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prism_board_handshake_failures_total",
			Help: "Websocket handshakes refused by credential verification",
		},
	)

	// Notification metrics
	NotificationsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prism_board_notifications_created_total",
			Help: "Notifications persisted by type",
		},
		[]string{"type"},
	)

	NotificationQueueSpilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prism_board_notification_queue_spilled_total",
			Help: "Events handled off the worker queue because it stayed full",
		},
	)

	// Export metrics
	ExportPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prism_board_export_pending",
			Help: "Events appended to the export log but not yet delivered",
		},
	)

	ExportFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prism_board_export_failures_total",
			Help: "Failed event export batch attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MutationsTotal,
		MutationDuration,
		StoreDegraded,
		EventsEmittedTotal,
		HandlerPanicsTotal,
		ConnectionsActive,
		UsersOnline,
		MessagesSentTotal,
		MessagesDroppedTotal,
		HandshakeFailuresTotal,
		NotificationsCreatedTotal,
		NotificationQueueSpilled,
		ExportPending,
		ExportFailuresTotal,
	)
}
