package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	admissionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_admission_decisions_total",
		Help: "Admission decisions by outcome and reason",
	}, []string{"outcome", "reason"})
	storeUnavailableTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_store_unavailable_total",
		Help: "Requests that hit an unavailable store, by applied fail policy",
	}, []string{"policy"})
	detectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_detections_total",
		Help: "Subjects flagged by a detector",
	}, []string{"detector"})
	blocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_blocks_total",
		Help: "Blocks issued by source and resulting membership",
	}, []string{"source", "membership"})
	alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_alerts_total",
		Help: "Alert submissions by level and whether they created a new alert",
	}, []string{"level", "result"})
	escalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_escalations_total",
		Help: "Alert escalations by resulting level",
	}, []string{"level"})
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_notifications_total",
		Help: "Notification deliveries by outcome",
	}, []string{"outcome"})
	sweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_sweep_duration_seconds",
		Help:    "Duration of scheduled sweeps",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	breakerOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_store_circuit_open",
		Help: "1 while the store circuit breaker is open",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(admissionTotal, storeUnavailableTotal, detectionsTotal, blocksTotal,
		alertsTotal, escalationsTotal, notificationsTotal, sweepDuration, breakerOpen)
}

// ObserveAdmission counts one admission decision.
func ObserveAdmission(allowed bool, reason string) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	admissionTotal.WithLabelValues(outcome, reason).Inc()
}

// IncStoreUnavailable counts a request decided by the fail policy.
func IncStoreUnavailable(failOpen bool) {
	policy := "fail_closed"
	if failOpen {
		policy = "fail_open"
	}
	storeUnavailableTotal.WithLabelValues(policy).Inc()
}

func IncDetection(detector string) { detectionsTotal.WithLabelValues(detector).Inc() }

func IncBlock(source, membership string) { blocksTotal.WithLabelValues(source, membership).Inc() }

// IncAlert counts an alert submission; created is false when it was deduplicated.
func IncAlert(level string, created bool) {
	result := "deduplicated"
	if created {
		result = "created"
	}
	alertsTotal.WithLabelValues(level, result).Inc()
}

func IncEscalation(level string) { escalationsTotal.WithLabelValues(level).Inc() }

func IncNotification(outcome string) { notificationsTotal.WithLabelValues(outcome).Inc() }

// ObserveSweep records how long a scheduled job took.
func ObserveSweep(job string, seconds float64) { sweepDuration.WithLabelValues(job).Observe(seconds) }

// SetBreakerOpen reflects the store circuit state.
func SetBreakerOpen(open bool) {
	if open {
		breakerOpen.Set(1)
		return
	}
	breakerOpen.Set(0)
}
