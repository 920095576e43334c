package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for availability and booking flows.
type BookingMetrics struct {
	bookingsCreated     *prometheus.CounterVec
	conflicts           prometheus.Counter
	transitions         *prometheus.CounterVec
	integrationFailures *prometheus.CounterVec
	slotLatency         *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "booking",
			Name:      "created_total",
			Help:      "Bookings created, by initial status",
		}, []string{"status"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "booking",
			Name:      "conflicts_total",
			Help:      "Booking attempts rejected because the slot was taken",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Booking state transitions",
		}, []string{"from", "to"}),
		integrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "integration",
			Name:      "failures_total",
			Help:      "Failed calendar, payment and email calls",
		}, []string{"gateway", "op"}),
		slotLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinicbook",
			Subsystem: "availability",
			Name:      "compute_seconds",
			Help:      "Latency of slot and date computation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsCreated, m.conflicts, m.transitions, m.integrationFailures, m.slotLatency)
	return m
}

func (m *BookingMetrics) ObserveBookingCreated(status string) {
	if m == nil {
		return
	}
	m.bookingsCreated.WithLabelValues(status).Inc()
}

func (m *BookingMetrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *BookingMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *BookingMetrics) ObserveIntegrationFailure(gateway, op string) {
	if m == nil {
		return
	}
	m.integrationFailures.WithLabelValues(gateway, op).Inc()
}

func (m *BookingMetrics) ObserveSlotLatency(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.slotLatency.WithLabelValues(operation).Observe(seconds)
}
