package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the booking core.
type Metrics struct {
	BookingsCommitted prometheus.Counter
	BookingsRejected  *prometheus.CounterVec
	Cancellations     prometheus.Counter
	Promotions        prometheus.Counter
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	BookingDuration   prometheus.Histogram
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return newWith(prometheus.DefaultRegisterer)
}

// NewForTest registers on a private registry so parallel tests do not collide.
func NewForTest() *Metrics {
	return newWith(prometheus.NewRegistry())
}

func newWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BookingsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_core_bookings_committed_total",
			Help: "Total bookings committed to the slot store",
		}),
		BookingsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_core_bookings_rejected_total",
			Help: "Booking attempts rejected, by reason",
		}, []string{"reason"}),
		Cancellations: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_core_cancellations_total",
			Help: "Total appointments cancelled",
		}),
		Promotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_core_waitlist_promotions_total",
			Help: "Total waitlist entries promoted into appointments",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_core_availability_cache_hits_total",
			Help: "Availability cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "booking_core_availability_cache_misses_total",
			Help: "Availability cache misses",
		}),
		BookingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "booking_core_booking_duration_seconds",
			Help:    "End-to-end duration of booking attempts",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
