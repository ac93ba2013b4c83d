package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "matches_total", Help: "Total candidates matched across all post/search calls"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_pooling", Name: "match_latency_seconds", Help: "Latency of a full candidate scan"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "ride_transitions_total", Help: "Ride lifecycle transitions by operation and outcome"},
		[]string{"op", "outcome"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "events_published_total", Help: "Hub events published by name"},
		[]string{"event"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "events_dropped_total", Help: "Hub events dropped because a session buffer was full"},
		[]string{"event"},
	)
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_pooling", Name: "ws_connections", Help: "Live websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_pooling",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Transition records one lifecycle transition outcome.
func Transition(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	TransitionsTotal.WithLabelValues(op, outcome).Inc()
}
