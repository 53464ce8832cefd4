package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "records_created_total", Help: "Offers and requests created"},
		[]string{"kind"},
	)
	RecordsCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "records_cancelled_total", Help: "Offers and requests cancelled by their owner"},
		[]string{"kind"},
	)

	PairingTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "pairing_transitions_total", Help: "Pairing lifecycle operations by outcome"},
		[]string{"operation", "outcome"},
	)
	PairingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rideshare",
			Name:      "pairing_operation_seconds",
			Help:      "Pairing lifecycle operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	SeatOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "seat_operations_total", Help: "Capacity guard reserve/release calls by result"},
		[]string{"operation", "result"},
	)
	InvariantViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rideshare", Name: "invariant_violations_total", Help: "Seat operations refused because they would break an invariant",
	})

	ProjectionPartialFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "projection_partial_failures_total", Help: "Per-item failures swallowed while building projections"},
		[]string{"projection"},
	)

	RouteLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "route_lookups_total", Help: "Distance lookups by source"},
		[]string{"source"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "events_published_total", Help: "Pairing events handed to the publisher"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rideshare",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
