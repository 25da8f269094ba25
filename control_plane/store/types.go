package store

import (
	"time"
)

// AgentState is the lifecycle state of a registered agent.
type AgentState string

const (
	AgentInitializing AgentState = "initializing"
	AgentActive       AgentState = "active"
	AgentDegraded     AgentState = "degraded"
	AgentError        AgentState = "error"
	AgentRecovering   AgentState = "recovering"
	AgentStopped      AgentState = "stopped"
)

// Valid reports whether s is a known agent state.
func (s AgentState) Valid() bool {
	switch s {
	case AgentInitializing, AgentActive, AgentDegraded, AgentError, AgentRecovering, AgentStopped:
		return true
	}
	return false
}

// Agent represents a registered unit of work.
// Exactly one live row exists per AgentID; StoppedAt is set only when
// State == AgentStopped.
type Agent struct {
	AgentID      string            `json:"agent_id" db:"agent_id"`
	AgentName    string            `json:"agent_name" db:"agent_name"`
	State        AgentState        `json:"state" db:"state"`
	Capabilities []string          `json:"capabilities" db:"capabilities"`
	Config       map[string]string `json:"config" db:"config"` // JSONB in Postgres
	StartedAt    *time.Time        `json:"started_at" db:"started_at"`
	StoppedAt    *time.Time        `json:"stopped_at" db:"stopped_at"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Heartbeat is an append-only, point-in-time liveness signal.
// Heartbeats for a given agent are monotonically increasing in Timestamp.
type Heartbeat struct {
	AgentID       string             `json:"agent_id" db:"agent_id"`
	Timestamp     time.Time          `json:"timestamp" db:"timestamp"`
	ReportedState AgentState         `json:"reported_state" db:"reported_state"`
	ErrorCount    int64              `json:"error_count" db:"error_count"` // cumulative
	Metrics       map[string]float64 `json:"metrics,omitempty" db:"metrics"`
}

// PerformanceMetric is a named numeric observation; one logical stream per
// (agent_id, metric_name).
type PerformanceMetric struct {
	AgentID    string            `json:"agent_id" db:"agent_id"`
	MetricName string            `json:"metric_name" db:"metric_name"`
	Value      float64           `json:"value" db:"value"`
	Unit       string            `json:"unit" db:"unit"`
	Timestamp  time.Time         `json:"timestamp" db:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// EventSeverity grades SystemEvents.
type EventSeverity string

const (
	EventInfo     EventSeverity = "info"
	EventWarning  EventSeverity = "warning"
	EventError    EventSeverity = "error"
	EventCritical EventSeverity = "critical"
)

// rank orders severities for filtering; unknown severities sort lowest.
func (s EventSeverity) rank() int {
	switch s {
	case EventInfo:
		return 1
	case EventWarning:
		return 2
	case EventError:
		return 3
	case EventCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is at least as severe as min.
func (s EventSeverity) AtLeast(min EventSeverity) bool {
	return s.rank() >= min.rank()
}

// SystemEvent is the append-only audit record for everything the core did or
// observed: health transitions, anomalies, recovery outcomes.
type SystemEvent struct {
	EventID   string            `json:"event_id" db:"event_id"`
	EventType string            `json:"event_type" db:"event_type"`
	Severity  EventSeverity     `json:"severity" db:"severity"`
	AgentID   string            `json:"agent_id,omitempty" db:"agent_id"` // empty for system-wide events
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
	Payload   map[string]string `json:"payload,omitempty" db:"payload"`
}

// IssueCategory is the closed set of problem classifications.
type IssueCategory string

const (
	IssueUnresponsive       IssueCategory = "unresponsive"
	IssueHighErrorRate      IssueCategory = "high_error_rate"
	IssueResourceExhaustion IssueCategory = "resource_exhaustion"
	IssuePerformance        IssueCategory = "performance_degradation"
	IssueStateInconsistency IssueCategory = "state_inconsistency"
	IssueDatabase           IssueCategory = "database_issue"
	IssueGeneric            IssueCategory = "generic"
)

// IssueSeverity grades detected issues and anomalies.
type IssueSeverity string

const (
	SeverityNone     IssueSeverity = "none"
	SeverityLow      IssueSeverity = "low"
	SeverityMedium   IssueSeverity = "medium"
	SeverityHigh     IssueSeverity = "high"
	SeverityCritical IssueSeverity = "critical"
)

// IssueStatus tracks an issue through the recovery state machine.
type IssueStatus string

const (
	IssueDetected  IssueStatus = "detected"
	IssuePlanning  IssueStatus = "planning"
	IssueExecuting IssueStatus = "executing"
	IssueResolved  IssueStatus = "resolved"
	IssueFailed    IssueStatus = "failed"
)

// Issue is a detected, classified problem instance. Retained for audit even
// after resolution.
type Issue struct {
	IssueID    string            `json:"issue_id" db:"issue_id"`
	AgentID    string            `json:"agent_id" db:"agent_id"`
	Category   IssueCategory     `json:"category" db:"category"`
	Severity   IssueSeverity     `json:"severity" db:"severity"`
	Status     IssueStatus       `json:"status" db:"status"`
	DetectedAt time.Time         `json:"detected_at" db:"detected_at"`
	Evidence   map[string]string `json:"evidence,omitempty" db:"evidence"`
}

// ActionType names a concrete remediation.
type ActionType string

const (
	ActionRestartAgent   ActionType = "restart_agent"
	ActionClearResources ActionType = "clear_resources"
	ActionResetState     ActionType = "reset_state"
	ActionEscalateManual ActionType = "escalate_manual"
	ActionGenericRetry   ActionType = "generic_retry"
)

// RecoveryAction is a planned or executed remediation. An action with
// RollbackOf set targets the same IssueID as the action it reverses.
type RecoveryAction struct {
	ActionID               string     `json:"action_id" db:"action_id"`
	IssueID                string     `json:"issue_id" db:"issue_id"`
	AgentID                string     `json:"agent_id" db:"agent_id"`
	ActionType             ActionType `json:"action_type" db:"action_type"`
	PlannedAt              time.Time  `json:"planned_at" db:"planned_at"`
	ExecutedAt             *time.Time `json:"executed_at" db:"executed_at"`
	Success                *bool      `json:"success" db:"success"` // nil until executed
	EstimatedSuccessProb   float64    `json:"estimated_success_probability" db:"estimated_success_probability"`
	BusinessValuePreserved float64    `json:"business_value_preserved" db:"business_value_preserved"`
	RollbackOf             string     `json:"rollback_of,omitempty" db:"rollback_of"`
}

// AgentFilter narrows ListAgents. Zero value matches everything.
type AgentFilter struct {
	States       []AgentState
	Capability   string
	ExcludeState AgentState
}

// Matches reports whether a passes the filter.
func (f AgentFilter) Matches(a *Agent) bool {
	if f.ExcludeState != "" && a.State == f.ExcludeState {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if a.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Capability != "" {
		found := false
		for _, c := range a.Capabilities {
			if c == f.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
