package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	GRPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total number of gRPC requests.",
		},
		[]string{"method", "code"},
	)

	GRPCRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	SwipesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swipes_total",
			Help: "Swipe actions processed, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	DiscoveryCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "discovery_candidates_returned",
			Help:    "Candidates returned per discovery call.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)

	MatchesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matches_created_total",
			Help: "Matches created.",
		},
	)

	MatchesEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matches_ended_total",
			Help: "Matches that left the active state, by reason.",
		},
		[]string{"reason"},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Messages persisted, by message type.",
		},
		[]string{"type"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_active_sessions",
			Help: "Connected transport sessions on this instance.",
		},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_events_published_total",
			Help: "Events enqueued to sessions, by event type.",
		},
		[]string{"type"},
	)

	SlowConsumersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_slow_consumers_total",
			Help: "Sessions closed because their send queue was full.",
		},
	)

	AsyncTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "async_tasks_total",
			Help: "Best-effort background tasks, by name and result.",
		},
		[]string{"task", "result"},
	)
)

var once sync.Once

// MustRegister registers every collector with the default registry. Safe to
// call more than once.
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			GRPCRequestsTotal,
			GRPCRequestDurationSeconds,
			HTTPRequestsTotal,
			SwipesTotal,
			DiscoveryCandidates,
			MatchesCreatedTotal,
			MatchesEndedTotal,
			MessagesSentTotal,
			ActiveSessions,
			EventsPublishedTotal,
			SlowConsumersTotal,
			AsyncTasksTotal,
		)
	})
}
