package store

import (
	"context"
	"time"
)

// Store defines the methods required of a state backend.
// It abstracts over Postgres (durable), Redis (fast) and an in-memory
// implementation used for tests and single-node operation.
//
// Every write is atomic and durable before the call returns; reads reflect all
// prior committed writes within a single store instance. Heartbeat writes from
// different agents never block each other.
type Store interface {
	// Agent operations
	RegisterAgent(ctx context.Context, agent *Agent) (*Agent, error)
	DeregisterAgent(ctx context.Context, agentID string) error
	UpdateAgentState(ctx context.Context, agentID string, state AgentState) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)

	// Heartbeat operations (append-only)
	RecordHeartbeat(ctx context.Context, hb *Heartbeat) error
	RecentHeartbeats(ctx context.Context, agentID string, window time.Duration) ([]*Heartbeat, error)

	// Metric operations (append-only)
	RecordMetric(ctx context.Context, m *PerformanceMetric) error
	// RecentMetrics returns metrics within the window, oldest first. An empty
	// metricName matches all streams for the agent.
	RecentMetrics(ctx context.Context, agentID string, metricName string, window time.Duration) ([]*PerformanceMetric, error)

	// Event operations (append-only audit trail)
	LogEvent(ctx context.Context, e *SystemEvent) error
	RecentEvents(ctx context.Context, window time.Duration, minSeverity EventSeverity) ([]*SystemEvent, error)

	// Issue operations
	CreateIssue(ctx context.Context, issue *Issue) error
	UpdateIssueStatus(ctx context.Context, issueID string, status IssueStatus) error
	OpenIssues(ctx context.Context, agentID string) ([]*Issue, error)

	// Recovery action operations
	RecordAction(ctx context.Context, a *RecoveryAction) error
	CompleteAction(ctx context.Context, actionID string, success bool, businessValue float64, executedAt time.Time) error
	RecentActions(ctx context.Context, agentID string, window time.Duration) ([]*RecoveryAction, error)

	// Retention: purge append-only rows older than cutoff. Returns rows removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies connectivity; ErrStoreUnavailable when unreachable.
	Ping(ctx context.Context) error
}

// Locker provides per-agent advisory locks used to serialize recovery actions.
// Implementations must make Acquire/Release safe across processes when the
// backend is shared (Redis); the memory implementation covers a single node.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string, ownerID string) (bool, error)
}
