package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impguard_checks_total",
			Help: "Total number of impersonation quota checks",
		},
		[]string{"tenant_id", "result", "violation_type"},
	)

	SessionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impguard_sessions_started_total",
			Help: "Total number of impersonation sessions started",
		},
		[]string{"tenant_id"},
	)

	SessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impguard_sessions_ended_total",
			Help: "Total number of impersonation sessions ended, by reason",
		},
		[]string{"tenant_id", "reason"},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "impguard_active_sessions",
			Help: "Number of currently active impersonation sessions",
		},
		[]string{"tenant_id"},
	)

	ViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impguard_violations_total",
			Help: "Total number of recorded rate-limit violations",
		},
		[]string{"tenant_id", "violation_type"},
	)

	CleanupExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impguard_cleanup_expired_sessions_total",
			Help: "Total number of sessions force-ended by cleanup",
		},
		[]string{"tenant_id"},
	)

	CleanupPrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "impguard_cleanup_pruned_violations_total",
			Help: "Total number of violations removed by age-based pruning",
		},
		[]string{"tenant_id"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "impguard_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"route"},
	)
)

func RecordCheck(tenantID, result, violationType string) {
	ChecksTotal.WithLabelValues(tenantID, result, violationType).Inc()
}

func RecordSessionStart(tenantID string) {
	SessionsStartedTotal.WithLabelValues(tenantID).Inc()
	ActiveSessions.WithLabelValues(tenantID).Inc()
}

func RecordSessionEnd(tenantID, reason string) {
	SessionsEndedTotal.WithLabelValues(tenantID, reason).Inc()
	ActiveSessions.WithLabelValues(tenantID).Dec()
}

func RecordViolation(tenantID, violationType string) {
	ViolationsTotal.WithLabelValues(tenantID, violationType).Inc()
}

func RecordCleanup(tenantID string, expired, pruned int) {
	if expired > 0 {
		CleanupExpiredTotal.WithLabelValues(tenantID).Add(float64(expired))
	}
	if pruned > 0 {
		CleanupPrunedTotal.WithLabelValues(tenantID).Add(float64(pruned))
	}
}

func ObserveRequest(route string, durationSec float64) {
	RequestDuration.WithLabelValues(route).Observe(durationSec)
}
