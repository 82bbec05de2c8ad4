// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SyncRunsTotal tracks inbound ticket import runs.
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total inbound ticket import runs",
		},
		[]string{"result"},
	)

	// SyncCommentsTotal tracks external comments seen by the importer.
	SyncCommentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_comments_total",
			Help: "External comments processed by the importer",
		},
		[]string{"outcome"},
	)

	// SyncLockWait tracks how long import runs wait for the per-ticket lock.
	SyncLockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_lock_wait_seconds",
			Help:    "Time spent waiting for the per-ticket sync lock",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 2.5, 5, 10},
		},
	)

	// OutboundSyncTotal tracks outbound calls to the ticketing system.
	OutboundSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_sync_total",
			Help: "Outbound ticket updates",
		},
		[]string{"operation", "result"},
	)

	// TicketLinksTotal tracks ticket creation attempts.
	TicketLinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_links_total",
			Help: "Ticket creation attempts by result",
		},
		[]string{"result"},
	)

	// StateTransitionsTotal tracks conversation state transitions.
	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_state_transitions_total",
			Help: "Conversation state transitions",
		},
		[]string{"from", "to"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"organization_id"},
	)

	// JobsProcessedTotal tracks background jobs handled by the worker.
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Background jobs processed",
		},
		[]string{"kind", "result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTransition records a conversation state transition.
func RecordTransition(from, to string) {
	StateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordOutbound records the result of an outbound ticket update.
func RecordOutbound(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OutboundSyncTotal.WithLabelValues(operation, result).Inc()
}

// EventStreamsActive tracks open conversation event streams.
var EventStreamsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "event_streams_active",
		Help: "Open server-sent event streams",
	},
)
