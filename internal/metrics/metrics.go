package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BookingAttempts counts booking outcomes: success, conflict, invalid, error.
	BookingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_booking_attempts_total",
		Help: "Booking attempts by outcome.",
	}, []string{"outcome"})

	// CacheOps counts read-through cache hits and misses per cache.
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_cache_ops_total",
		Help: "Read-through cache lookups by cache name and result.",
	}, []string{"cache", "result"})

	// TaskRuns counts background task executions by task name and status
	// (sent, skipped, not_found, retried, failed).
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_task_runs_total",
		Help: "Background task executions by task and status.",
	}, []string{"task", "status"})

	// TaskDuration observes task handler wall time.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clinic_task_duration_seconds",
		Help:    "Background task handler duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// ActiveAppointments tracks slot-holding appointments seen by this
	// process: incremented on booking, decremented when an appointment
	// leaves a blocking status.
	ActiveAppointments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clinic_active_appointments",
		Help: "Appointments currently in a slot-blocking status.",
	})

	// HTTPRequests counts requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_http_requests_total",
		Help: "HTTP requests by method, path and status.",
	}, []string{"method", "path", "status"})
)
