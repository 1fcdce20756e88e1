package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricChannelTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marlin_chat_channel_transitions_total",
		Help: "Delivery channel state transitions by target state.",
	}, []string{"state"})

	metricMessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marlin_chat_messages_delivered_total",
		Help: "Messages delivered to channel subscribers.",
	})

	metricMessagesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marlin_chat_messages_deduped_total",
		Help: "Duplicate deliveries suppressed (push/poll overlap).",
	})

	metricPollFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marlin_chat_poll_fetches_total",
		Help: "Message fetches issued by the polling fallback.",
	})

	metricCursorReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marlin_chat_cursor_reconcile_failures_total",
		Help: "Read-cursor reconciliation failures (swallowed).",
	})

	metricSnapshotWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marlin_chat_snapshot_write_failures_total",
		Help: "Local snapshot persistence failures (swallowed).",
	})
)
