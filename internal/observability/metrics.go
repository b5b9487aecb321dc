package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rental_tracking"

var (
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sessions_started_total", Help: "Tracking session start calls by outcome"},
		[]string{"outcome"}, // created, resumed
	)
	SessionsStopped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_stopped_total", Help: "Tracking sessions stopped"})
	ActiveSessions  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_sessions", Help: "Open tracking sessions seen at the last listing"})
	StaleSessions   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "stale_sessions", Help: "Open sessions without a position inside the stale window at the last listing"})

	PositionUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "position_updates_total", Help: "Position updates by result"},
		[]string{"result"}, // applied, stale, rejected
	)

	DashboardSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "dashboard_subscribers", Help: "Connected dashboard websocket clients"})
	HubDropped           = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "hub_dropped_messages_total", Help: "Events dropped for slow dashboard clients"})

	KafkaPublish = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "kafka_publish_total", Help: "Position event publishes by result"},
		[]string{"result"}, // ok, error, open
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
