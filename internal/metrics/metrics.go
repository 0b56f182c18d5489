// Package metrics provides Prometheus instrumentation for the matchmaking
// service and the push gateway. Instruments are registered once at init and
// shared process-wide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the number of users waiting in the matchmaking queue.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "animatch_queue_size",
		Help: "Current number of users waiting in the matchmaking queue",
	})

	// MatchesTotal counts created pairings by matching strategy.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "animatch_matches_total",
		Help: "Total number of pairings created",
	}, []string{"strategy"}) // strategy = "similarity-based", "random-fallback"

	// MatchScore records the similarity score of each pairing.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "animatch_match_score",
		Help:    "Similarity score of created pairings",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
	})

	// MatchWait records how long the polling user waited before being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "animatch_match_wait_seconds",
		Help:    "Time from joining the queue to being paired",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 900, 1800},
	})

	// ClaimConflicts counts pairing attempts lost to a concurrent claim.
	ClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "animatch_claim_conflicts_total",
		Help: "Pairing attempts abandoned because the candidate was already claimed",
	})

	// SessionTransitions counts sessions leaving the active state, by new status.
	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "animatch_session_transitions_total",
		Help: "Session state transitions by resulting status",
	}, []string{"status"})

	// SessionsExpired counts sessions closed by the expiry job.
	SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "animatch_sessions_expired_total",
		Help: "Sessions expired by the background job",
	})

	// NotificationsTotal counts notification publishes by result.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "animatch_notifications_total",
		Help: "Notifications handed to the transport",
	}, []string{"result"}) // result = "sent", "failed", "rejected"

	// HTTPRequests counts API requests.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "animatch_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	// HTTPDuration records API latency in seconds.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "animatch_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "route"})

	// GatewayConnections tracks open push gateway connections.
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "animatch_gateway_connections",
		Help: "Current number of open push gateway connections",
	})

	// GatewayEvents counts events written to gateway clients, by type.
	GatewayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "animatch_gateway_events_total",
		Help: "Events delivered to push gateway clients",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		MatchesTotal,
		MatchScore,
		MatchWait,
		ClaimConflicts,
		SessionTransitions,
		SessionsExpired,
		NotificationsTotal,
		HTTPRequests,
		HTTPDuration,
		GatewayConnections,
		GatewayEvents,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
