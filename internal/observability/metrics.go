package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ridepool"

var (
	DriverOffersTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_offers_total", Help: "Ranked driver offers produced for new ride requests"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Latency of driver ranking and pool candidate searches"})
	DriversOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers in the live index"})

	PoolRouteEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pool_route_evaluations_total", Help: "Pool route checks by outcome"},
		[]string{"result"},
	)
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride state transitions"},
		[]string{"op", "status"},
	)
	RideConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_conflicts_total", Help: "Ride commands rejected for an incompatible state"},
		[]string{"op"},
	)
	OTPVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "otp_verifications_total", Help: "OTP verification attempts by outcome"},
		[]string{"outcome"},
	)
	PoolJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pool_joins_total", Help: "Pool join sub-protocol steps by outcome"},
		[]string{"outcome"},
	)
	CandidateEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "candidate_events_total", Help: "Candidate set add/remove events emitted to observers"},
		[]string{"kind"},
	)
	PaymentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_failures_total", Help: "Payment gateway failures by operation"},
		[]string{"op"},
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
