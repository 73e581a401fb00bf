package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Live socket connections on this process",
		},
	)

	SocketEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_socket_events_total",
			Help: "Inbound socket events by name and outcome",
		},
		[]string{"event", "outcome"}, // outcome: "ok" or "error"
	)

	// Delivery metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_sent_total",
			Help: "Messages accepted by the delivery pipeline",
		},
		[]string{"room_kind"}, // "durable" or "named"
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_delivered_total",
			Help: "Messages transitioned to delivered",
		},
		[]string{"path"}, // "direct" or "backfill"
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_send_failures_total",
			Help: "Rejected or failed sends",
		},
		[]string{"reason"},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_presence_transitions_total",
			Help: "Users going online or offline",
		},
		[]string{"state"},
	)

	// Degraded-mode metrics
	PresenceDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_presence_degraded",
			Help: "1 when presence runs in process-local mode",
		},
	)

	BackplaneDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_backplane_degraded",
			Help: "1 when cross-instance delivery is unavailable",
		},
	)

	BackplaneEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_backplane_events_total",
			Help: "Backplane envelopes by direction",
		},
		[]string{"direction"}, // "published", "received", "dropped"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_redis_latency_seconds",
			Help:    "Redis presence operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PostgresLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_postgres_latency_seconds",
			Help:    "PostgreSQL query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
