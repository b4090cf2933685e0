package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "searches_total", Help: "Total offer searches served"})
	SearchLatency          = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "carpool", Name: "search_latency_seconds", Help: "Search latency seconds"})
	OffersMatched          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "offers_matched_total", Help: "Total offers returned across searches"})
	OffersSkippedMalformed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "offers_skipped_malformed_total", Help: "Offers skipped during search due to unparsable polylines"})
	OffersPublished        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "offers_published_total", Help: "Route offers published"})

	BookingsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "bookings_created_total", Help: "Bookings created in the requested state"})
	BookingsAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "bookings_accepted_total", Help: "Bookings accepted by drivers"})
	CapacityConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "capacity_conflicts_total", Help: "Accept attempts rejected for insufficient capacity"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
