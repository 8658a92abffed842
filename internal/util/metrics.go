package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AppointmentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appointments_created_total",
		Help: "Total number of pickup appointments created",
	})

	AppointmentsMergedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appointments_merged_total",
		Help: "Total number of booking requests merged into an existing appointment",
	})

	AppointmentsRescheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appointments_rescheduled_total",
		Help: "Total number of appointments rescheduled or moved to another locker",
	})

	AppointmentsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appointments_cancelled_total",
		Help: "Total number of appointments cancelled",
	})

	AppointmentsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appointments_completed_total",
		Help: "Total number of appointments completed via pickup confirmation",
	})

	AppointmentsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appointments_expired_total",
		Help: "Total number of appointments marked no-show by the expiry sweep",
	})

	BookingsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_rejected_total",
		Help: "Total number of rejected booking attempts",
	}, []string{"reason"})

	PenaltiesRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "penalties_recorded_total",
		Help: "Total number of no-show penalties recorded",
	})

	AssignmentsSyncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignments_synced_total",
		Help: "Locker assignment synchronizer outcomes per appointment",
	}, []string{"result"})

	SlotLeaseFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slot_lease_failures_total",
		Help: "Total number of failed slot lease acquisitions",
	})

	BookingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "booking_latency_seconds",
		Help:    "Latency of the full booking validation and reservation sequence",
		Buckets: prometheus.DefBuckets,
	})

	ExpirySweepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "expiry_sweep_latency_seconds",
		Help:    "Latency of one expiry sweep pass",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
