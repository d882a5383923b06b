package server

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the session broker. Registered on the default
// registry; expose them with promhttp on an admin endpoint.
var (
	// Connection metrics
	metricConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "krmx_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	metricConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "krmx_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	metricConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "krmx_connections_rejected_total",
		Help: "Total number of connection attempts rejected before upgrade",
	})

	// User session metrics
	metricUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "krmx_users",
		Help: "Current number of user sessions known to the broker",
	})

	metricUsersLinked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "krmx_users_linked",
		Help: "Current number of user sessions bound to a connection",
	})

	metricLinkRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "krmx_link_rejections_total",
		Help: "Total number of rejected link attempts",
	})

	metricForcedUnlinks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "krmx_forced_unlinks_total",
		Help: "Total number of users unlinked due to protocol abuse",
	})

	// Message metrics
	metricMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "krmx_messages_sent_total",
		Help: "Total number of frames written to clients",
	})

	metricMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "krmx_messages_received_total",
		Help: "Total number of text frames read from clients",
	})

	metricFramesRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "krmx_frames_rate_limited_total",
		Help: "Total number of inbound frames dropped by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(metricConnectionsTotal)
	prometheus.MustRegister(metricConnectionsActive)
	prometheus.MustRegister(metricConnectionsRejected)
	prometheus.MustRegister(metricUsers)
	prometheus.MustRegister(metricUsersLinked)
	prometheus.MustRegister(metricLinkRejections)
	prometheus.MustRegister(metricForcedUnlinks)
	prometheus.MustRegister(metricMessagesSent)
	prometheus.MustRegister(metricMessagesReceived)
	prometheus.MustRegister(metricFramesRateLimited)
}
