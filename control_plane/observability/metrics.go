package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegisteredAgents tracks the number of registered, non-stopped agents.
	RegisteredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_registered_agents",
		Help: "Current number of registered, non-stopped agents",
	})

	// AgentHealthScore tracks the latest composite health score per agent.
	AgentHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_agent_health_score",
		Help: "Latest composite health score (0-100) per agent",
	}, []string{"agent_id"})

	// CycleDuration tracks the duration of the coordinator evaluation cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_cycle_duration_seconds",
		Help:    "Duration of the coordinator evaluation cycle",
		Buckets: prometheus.DefBuckets,
	})

	// AgentEvaluations counts per-agent evaluations by outcome.
	AgentEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_agent_evaluations_total",
		Help: "Per-agent evaluation outcomes per coordinator cycle",
	}, []string{"outcome"}) // ok, timeout, store_error, skipped

	// IssuesDetected counts detected issues by category and severity.
	IssuesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_issues_detected_total",
		Help: "Issues detected by category and severity",
	}, []string{"category", "severity"})

	// AnomaliesDetected counts metric anomalies by severity.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_anomalies_detected_total",
		Help: "Metric anomalies flagged by severity",
	}, []string{"metric", "severity"})

	// RecoveryActions counts executed recovery actions by type and outcome.
	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_recovery_actions_total",
		Help: "Recovery actions executed by type and outcome",
	}, []string{"action", "outcome"}) // outcome: succeeded, failed, rolled_back, escalated

	// RecoveryDuration tracks recovery action execution time.
	RecoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_recovery_duration_seconds",
		Help:    "Recovery action execution time",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
	})

	// StoreErrors counts StoreUnavailable failures by call site.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_store_errors_total",
		Help: "StoreUnavailable failures by call site",
	}, []string{"op"})

	// StoreBreakerState exposes the store circuit breaker state
	// (0=closed, 1=half_open, 2=open).
	StoreBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_store_breaker_state",
		Help: "Store circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// HeartbeatsReceived counts heartbeats accepted through the write API.
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_heartbeats_received_total",
		Help: "Heartbeats accepted through the write API",
	})

	// APIRateLimited counts API requests rejected by the storm-protection
	// limiters.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// RowsPurged counts append-only rows removed by the retention janitor.
	RowsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_rows_purged_total",
		Help: "Append-only rows removed by the retention janitor",
	})
)
