package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_calls", Name: "calls_initiated_total", Help: "Calls created, by receiver reachability"},
		[]string{"reachability"},
	)
	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_calls", Name: "call_transitions_total", Help: "Applied call status transitions"},
		[]string{"from", "to"},
	)
	CallTransitionsIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_calls", Name: "call_transitions_ignored_total", Help: "Transition attempts dropped by the status guard"},
		[]string{"event", "status"},
	)
	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_calls", Name: "relay_messages_total", Help: "Relayed events by outcome"},
		[]string{"event", "result"},
	)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_calls", Name: "notifications_total", Help: "Fallback push notifications by outcome"},
		[]string{"result"},
	)

	UsersOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_calls", Name: "users_online", Help: "Users with a live connection"})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_calls", Name: "sessions_active", Help: "Orders with at least one attached participant"})
	WSConnections  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_calls", Name: "ws_connections", Help: "Open websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_calls", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_calls",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
