// Package metrics registers the coordinator's Prometheus collectors.
// Everything lives on the default registry and is exposed by the
// server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Disconnect reasons recorded on DisconnectsTotal.
const (
	ReasonClientClosed = "client_closed"
	ReasonReadError    = "read_error"
	ReasonWriteError   = "write_error"
	ReasonShutdown     = "shutdown"
)

// Rate limit scopes recorded on RateLimitedTotal.
const (
	ScopeGlobal = "global"
	ScopeIP     = "ip"
)

var (
	// ConnectionsActive tracks currently connected websocket clients.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mpc_connections_active",
		Help: "Number of currently connected clients",
	})

	// ConnectionsTotal counts every accepted connection.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mpc_connections_total",
		Help: "Total connections accepted since start",
	})

	// DisconnectsTotal counts closed connections by reason.
	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mpc_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// RequestsTotal counts dispatched JSON-RPC requests by method.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mpc_requests_total",
		Help: "Total JSON-RPC requests by method",
	}, []string{"method"})

	// RequestErrorsTotal counts requests answered with an error.
	RequestErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mpc_request_errors_total",
		Help: "Total JSON-RPC error responses by method",
	}, []string{"method"})

	// NotificationsTotal counts server-pushed notifications by method.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mpc_notifications_total",
		Help: "Total notifications delivered by method",
	}, []string{"method"})

	// NotificationDropsTotal counts notifications whose recipient was
	// gone by delivery time.
	NotificationDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mpc_notification_drops_total",
		Help: "Total notifications dropped because the recipient disconnected",
	})

	// MessagesReceivedTotal counts inbound websocket frames.
	MessagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mpc_messages_received_total",
		Help: "Total websocket messages received",
	})

	// MessagesSentTotal counts outbound websocket frames.
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mpc_messages_sent_total",
		Help: "Total websocket messages sent",
	})

	// GroupsActive tracks live groups.
	GroupsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mpc_groups_active",
		Help: "Number of live groups",
	})

	// SessionsActive tracks live sessions across all groups.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mpc_sessions_active",
		Help: "Number of live sessions across all groups",
	})

	// RateLimitedTotal counts connection attempts rejected by the
	// accept limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mpc_rate_limited_total",
		Help: "Total connection attempts rejected by the rate limiter",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		DisconnectsTotal,
		RequestsTotal,
		RequestErrorsTotal,
		NotificationsTotal,
		NotificationDropsTotal,
		MessagesReceivedTotal,
		MessagesSentTotal,
		GroupsActive,
		SessionsActive,
		RateLimitedTotal,
	)
}

// RecordConnection marks one accepted connection.
func RecordConnection() {
	ConnectionsTotal.Inc()
	ConnectionsActive.Inc()
}

// RecordDisconnect marks one closed connection.
func RecordDisconnect(reason string) {
	ConnectionsActive.Dec()
	DisconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordRequest marks one dispatched request.
func RecordRequest(method string) {
	RequestsTotal.WithLabelValues(method).Inc()
}

// RecordRequestError marks one request answered with an error.
func RecordRequestError(method string) {
	RequestErrorsTotal.WithLabelValues(method).Inc()
}

// RecordNotification marks one delivered notification.
func RecordNotification(method string) {
	NotificationsTotal.WithLabelValues(method).Inc()
}

// RecordNotificationDrop marks one undeliverable notification.
func RecordNotificationDrop() {
	NotificationDropsTotal.Inc()
}

// RecordMessageReceived marks one inbound frame.
func RecordMessageReceived() {
	MessagesReceivedTotal.Inc()
}

// RecordMessageSent marks one outbound frame.
func RecordMessageSent() {
	MessagesSentTotal.Inc()
}

// SetGroupsActive publishes the current group count.
func SetGroupsActive(n int) {
	GroupsActive.Set(float64(n))
}

// SetSessionsActive publishes the current session count.
func SetSessionsActive(n int) {
	SessionsActive.Set(float64(n))
}

// RecordRateLimited marks one rejected connection attempt.
func RecordRateLimited(scope string) {
	RateLimitedTotal.WithLabelValues(scope).Inc()
}
