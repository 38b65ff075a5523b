package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tow_matching"

var (
	RequestsCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Trip requests created"})
	AcceptLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Bid accept transaction latency"})
	SweepDuration    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_duration_seconds", Help: "Expiry sweep duration"})
	ConnectedSockets = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connected_sockets", Help: "Open notification websockets"})

	CandidateDrivers = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidate_drivers",
		Help:      "Eligible drivers found per new request",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	BidsPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bids_placed_total", Help: "Bid attempts by outcome"},
		[]string{"outcome"},
	)
	BidAccepts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bid_accepts_total", Help: "Bid accept attempts by outcome"},
		[]string{"outcome"},
	)
	Expired = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "expired_total", Help: "Rows moved to expired by the sweeper"},
		[]string{"entity"},
	)
	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Active trip status changes"},
		[]string{"from", "to"},
	)
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Notifications that could not be delivered"},
		[]string{"type"},
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
