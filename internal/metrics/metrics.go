// Package metrics provides Prometheus instrumentation for the chat sync
// core. It exposes gauges for connection state, counters for merge and
// notification activity, and a histogram for handshake latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState tracks the connection state machine as a numeric gauge
	// (0=idle, 1=connecting, 2=connected, 3=authenticated, 4=joined,
	// 5=disconnected, 6=error).
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatclient_connection_state",
		Help: "Current connection state (0=idle through 6=error)",
	})

	// ReconnectsTotal counts reconnection attempts, labeled by outcome:
	// "retry", "success", or "exhausted".
	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_reconnects_total",
		Help: "Total reconnection attempts by outcome",
	}, []string{"outcome"})

	// MergesTotal counts chat-list merge operations, labeled by result:
	// "new", "moved", or "duplicate".
	MergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_list_merges_total",
		Help: "Total chat list merge operations by result",
	}, []string{"result"})

	// NotificationsTotal counts notification queue activity, labeled by
	// action: "queued" or "evicted".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_notifications_total",
		Help: "Total notification queue operations by action",
	}, []string{"action"})

	// StatusTransitionsTotal counts message status transitions, labeled by
	// result: "applied" or "ignored" (regressions).
	StatusTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_status_transitions_total",
		Help: "Total message status transitions by result",
	}, []string{"result"})

	// HandshakeDuration records the time from dial to joined in seconds.
	HandshakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatclient_handshake_duration_seconds",
		Help:    "Time from dial to joined state in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectsTotal,
		MergesTotal,
		NotificationsTotal,
		StatusTransitionsTotal,
		HandshakeDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
