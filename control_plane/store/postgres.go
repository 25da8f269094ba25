package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store and Locker on PostgreSQL. It is the durable
// backend; heartbeat and metric writes hit append-only tables so concurrent
// agents never contend on row locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool, verifies connectivity and ensures the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: open pool: %v", ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id     TEXT PRIMARY KEY,
		agent_name   TEXT NOT NULL,
		state        TEXT NOT NULL,
		capabilities TEXT[] NOT NULL DEFAULT '{}',
		config       JSONB NOT NULL DEFAULT '{}',
		started_at   TIMESTAMPTZ,
		stopped_at   TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS heartbeats (
		agent_id       TEXT NOT NULL,
		timestamp      TIMESTAMPTZ NOT NULL,
		reported_state TEXT NOT NULL DEFAULT '',
		error_count    BIGINT NOT NULL DEFAULT 0,
		metrics        JSONB,
		PRIMARY KEY (agent_id, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_heartbeats_ts ON heartbeats (timestamp);
	CREATE TABLE IF NOT EXISTS performance_metrics (
		agent_id    TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		value       DOUBLE PRECISION NOT NULL,
		unit        TEXT NOT NULL DEFAULT '',
		timestamp   TIMESTAMPTZ NOT NULL,
		metadata    JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_agent_ts ON performance_metrics (agent_id, timestamp);
	CREATE TABLE IF NOT EXISTS system_events (
		event_id   TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		severity   TEXT NOT NULL,
		agent_id   TEXT NOT NULL DEFAULT '',
		timestamp  TIMESTAMPTZ NOT NULL,
		payload    JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON system_events (timestamp);
	CREATE TABLE IF NOT EXISTS issues (
		issue_id    TEXT PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		category    TEXT NOT NULL,
		severity    TEXT NOT NULL,
		status      TEXT NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		evidence    JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_issues_agent ON issues (agent_id, status);
	CREATE TABLE IF NOT EXISTS recovery_actions (
		action_id                      TEXT PRIMARY KEY,
		issue_id                       TEXT NOT NULL,
		agent_id                       TEXT NOT NULL,
		action_type                    TEXT NOT NULL,
		planned_at                     TIMESTAMPTZ NOT NULL,
		executed_at                    TIMESTAMPTZ,
		success                        BOOLEAN,
		estimated_success_probability  DOUBLE PRECISION NOT NULL DEFAULT 0,
		business_value_preserved       DOUBLE PRECISION NOT NULL DEFAULT 0,
		rollback_of                    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_actions_agent ON recovery_actions (agent_id, planned_at);
	CREATE TABLE IF NOT EXISTS advisory_locks (
		key        TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return pgWrap("ensure schema", err)
	}
	return nil
}

// pgWrap maps connection-level failures to StoreUnavailable. Server-side
// errors (constraint violations, bad SQL) pass through unchanged.
func pgWrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func (s *PostgresStore) RegisterAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	state := agent.State
	if state == "" {
		state = AgentInitializing
	}
	query := `
		INSERT INTO agents (agent_id, agent_name, state, capabilities, config, started_at, stopped_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, NOW(), NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			agent_name = EXCLUDED.agent_name,
			state = EXCLUDED.state,
			capabilities = EXCLUDED.capabilities,
			config = EXCLUDED.config,
			started_at = EXCLUDED.started_at,
			stopped_at = NULL,
			updated_at = NOW()
		RETURNING agent_id, agent_name, state, capabilities, config, started_at, stopped_at, created_at, updated_at
	`
	var out Agent
	err := s.pool.QueryRow(ctx, query,
		agent.AgentID, agent.AgentName, state, agent.Capabilities, agent.Config, agent.StartedAt,
	).Scan(
		&out.AgentID, &out.AgentName, &out.State, &out.Capabilities, &out.Config,
		&out.StartedAt, &out.StoppedAt, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, pgWrap("register agent", err)
	}
	return &out, nil
}

func (s *PostgresStore) DeregisterAgent(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return pgWrap("deregister agent", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	query := `
		SELECT agent_id, agent_name, state, capabilities, config, started_at, stopped_at, created_at, updated_at
		FROM agents WHERE agent_id = $1
	`
	var a Agent
	err := s.pool.QueryRow(ctx, query, agentID).Scan(
		&a.AgentID, &a.AgentName, &a.State, &a.Capabilities, &a.Config,
		&a.StartedAt, &a.StoppedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, pgWrap("get agent", err)
	}
	return &a, nil
}

func (s *PostgresStore) UpdateAgentState(ctx context.Context, agentID string, state AgentState) error {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !ValidTransition(agent.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, agent.State, state)
	}
	query := `
		UPDATE agents SET state = $2,
			stopped_at = CASE WHEN $2 = 'stopped' THEN NOW() ELSE NULL END,
			updated_at = NOW()
		WHERE agent_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, agentID, state)
	if err != nil {
		return pgWrap("update agent state", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	query := `
		SELECT agent_id, agent_name, state, capabilities, config, started_at, stopped_at, created_at, updated_at
		FROM agents ORDER BY agent_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, pgWrap("list agents", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(
			&a.AgentID, &a.AgentName, &a.State, &a.Capabilities, &a.Config,
			&a.StartedAt, &a.StoppedAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, pgWrap("scan agent", err)
		}
		if filter.Matches(&a) {
			agents = append(agents, &a)
		}
	}
	return agents, pgWrap("list agents", rows.Err())
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	agent, err := s.GetAgent(ctx, hb.AgentID)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO heartbeats (agent_id, timestamp, reported_state, error_count, metrics)
		SELECT $1, $2, $3, $4, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM heartbeats WHERE agent_id = $1 AND timestamp >= $2
		)
	`
	tag, err := s.pool.Exec(ctx, query, hb.AgentID, hb.Timestamp, hb.ReportedState, hb.ErrorCount, hb.Metrics)
	if err != nil {
		return pgWrap("record heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: heartbeat for %s not after last recorded beat", ErrHeartbeatOutOfOrder, hb.AgentID)
	}

	// The beat is persisted either way; a disallowed self-reported transition
	// is flagged so the detector can classify the contradiction.
	if hb.ReportedState != "" && hb.ReportedState != agent.State {
		if !ValidTransition(agent.State, hb.ReportedState) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, agent.State, hb.ReportedState)
		}
		if err := s.UpdateAgentState(ctx, hb.AgentID, hb.ReportedState); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) RecentHeartbeats(ctx context.Context, agentID string, window time.Duration) ([]*Heartbeat, error) {
	query := `
		SELECT agent_id, timestamp, reported_state, error_count, metrics
		FROM heartbeats WHERE agent_id = $1 AND timestamp >= $2
		ORDER BY timestamp ASC
	`
	rows, err := s.pool.Query(ctx, query, agentID, time.Now().Add(-window))
	if err != nil {
		return nil, pgWrap("recent heartbeats", err)
	}
	defer rows.Close()

	var out []*Heartbeat
	for rows.Next() {
		var hb Heartbeat
		if err := rows.Scan(&hb.AgentID, &hb.Timestamp, &hb.ReportedState, &hb.ErrorCount, &hb.Metrics); err != nil {
			return nil, pgWrap("scan heartbeat", err)
		}
		out = append(out, &hb)
	}
	return out, pgWrap("recent heartbeats", rows.Err())
}

func (s *PostgresStore) RecordMetric(ctx context.Context, m *PerformanceMetric) error {
	query := `
		INSERT INTO performance_metrics (agent_id, metric_name, value, unit, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query, m.AgentID, m.MetricName, m.Value, m.Unit, m.Timestamp, m.Metadata)
	return pgWrap("record metric", err)
}

func (s *PostgresStore) RecentMetrics(ctx context.Context, agentID, metricName string, window time.Duration) ([]*PerformanceMetric, error) {
	query := `
		SELECT agent_id, metric_name, value, unit, timestamp, metadata
		FROM performance_metrics
		WHERE agent_id = $1 AND timestamp >= $2 AND ($3 = '' OR metric_name = $3)
		ORDER BY timestamp ASC
	`
	rows, err := s.pool.Query(ctx, query, agentID, time.Now().Add(-window), metricName)
	if err != nil {
		return nil, pgWrap("recent metrics", err)
	}
	defer rows.Close()

	var out []*PerformanceMetric
	for rows.Next() {
		var m PerformanceMetric
		if err := rows.Scan(&m.AgentID, &m.MetricName, &m.Value, &m.Unit, &m.Timestamp, &m.Metadata); err != nil {
			return nil, pgWrap("scan metric", err)
		}
		out = append(out, &m)
	}
	return out, pgWrap("recent metrics", rows.Err())
}

func (s *PostgresStore) LogEvent(ctx context.Context, e *SystemEvent) error {
	query := `
		INSERT INTO system_events (event_id, event_type, severity, agent_id, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query, e.EventID, e.EventType, e.Severity, e.AgentID, e.Timestamp, e.Payload)
	return pgWrap("log event", err)
}

func (s *PostgresStore) RecentEvents(ctx context.Context, window time.Duration, minSeverity EventSeverity) ([]*SystemEvent, error) {
	query := `
		SELECT event_id, event_type, severity, agent_id, timestamp, payload
		FROM system_events WHERE timestamp >= $1
		ORDER BY timestamp ASC
	`
	rows, err := s.pool.Query(ctx, query, time.Now().Add(-window))
	if err != nil {
		return nil, pgWrap("recent events", err)
	}
	defer rows.Close()

	var out []*SystemEvent
	for rows.Next() {
		var e SystemEvent
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Severity, &e.AgentID, &e.Timestamp, &e.Payload); err != nil {
			return nil, pgWrap("scan event", err)
		}
		if e.Severity.AtLeast(minSeverity) {
			out = append(out, &e)
		}
	}
	return out, pgWrap("recent events", rows.Err())
}

func (s *PostgresStore) CreateIssue(ctx context.Context, issue *Issue) error {
	query := `
		INSERT INTO issues (issue_id, agent_id, category, severity, status, detected_at, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		issue.IssueID, issue.AgentID, issue.Category, issue.Severity, issue.Status,
		issue.DetectedAt, issue.Evidence,
	)
	return pgWrap("create issue", err)
}

func (s *PostgresStore) UpdateIssueStatus(ctx context.Context, issueID string, status IssueStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE issues SET status = $2 WHERE issue_id = $1`, issueID, status)
	if err != nil {
		return pgWrap("update issue", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("issue %s not found", issueID)
	}
	return nil
}

func (s *PostgresStore) OpenIssues(ctx context.Context, agentID string) ([]*Issue, error) {
	query := `
		SELECT issue_id, agent_id, category, severity, status, detected_at, evidence
		FROM issues
		WHERE agent_id = $1 AND status IN ('detected', 'planning', 'executing')
		ORDER BY detected_at ASC
	`
	rows, err := s.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, pgWrap("open issues", err)
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		var i Issue
		if err := rows.Scan(&i.IssueID, &i.AgentID, &i.Category, &i.Severity, &i.Status, &i.DetectedAt, &i.Evidence); err != nil {
			return nil, pgWrap("scan issue", err)
		}
		out = append(out, &i)
	}
	return out, pgWrap("open issues", rows.Err())
}

func (s *PostgresStore) RecordAction(ctx context.Context, a *RecoveryAction) error {
	query := `
		INSERT INTO recovery_actions (action_id, issue_id, agent_id, action_type, planned_at, estimated_success_probability, rollback_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		a.ActionID, a.IssueID, a.AgentID, a.ActionType, a.PlannedAt, a.EstimatedSuccessProb, a.RollbackOf,
	)
	return pgWrap("record action", err)
}

func (s *PostgresStore) CompleteAction(ctx context.Context, actionID string, success bool, businessValue float64, executedAt time.Time) error {
	query := `
		UPDATE recovery_actions
		SET success = $2, business_value_preserved = $3, executed_at = $4
		WHERE action_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, actionID, success, businessValue, executedAt)
	if err != nil {
		return pgWrap("complete action", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("action %s not found", actionID)
	}
	return nil
}

func (s *PostgresStore) RecentActions(ctx context.Context, agentID string, window time.Duration) ([]*RecoveryAction, error) {
	query := `
		SELECT action_id, issue_id, agent_id, action_type, planned_at, executed_at, success,
		       estimated_success_probability, business_value_preserved, rollback_of
		FROM recovery_actions WHERE agent_id = $1 AND planned_at >= $2
		ORDER BY planned_at ASC
	`
	rows, err := s.pool.Query(ctx, query, agentID, time.Now().Add(-window))
	if err != nil {
		return nil, pgWrap("recent actions", err)
	}
	defer rows.Close()

	var out []*RecoveryAction
	for rows.Next() {
		var a RecoveryAction
		if err := rows.Scan(
			&a.ActionID, &a.IssueID, &a.AgentID, &a.ActionType, &a.PlannedAt, &a.ExecutedAt,
			&a.Success, &a.EstimatedSuccessProb, &a.BusinessValuePreserved, &a.RollbackOf,
		); err != nil {
			return nil, pgWrap("scan action", err)
		}
		out = append(out, &a)
	}
	return out, pgWrap("recent actions", rows.Err())
}

// PurgeBefore removes append-only rows older than cutoff. Issues and actions
// are retained for audit.
func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	for _, table := range []string{"heartbeats", "performance_metrics", "system_events"} {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE timestamp < $1", table), cutoff)
		if err != nil {
			return purged, pgWrap("purge "+table, err)
		}
		purged += tag.RowsAffected()
	}
	return purged, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// AcquireLock takes a TTL-based advisory lock. A lock whose TTL has lapsed is
// free for the taking.
func (s *PostgresStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO advisory_locks (key, owner_id, expires_at)
		VALUES ($1, $2, NOW() + $3)
		ON CONFLICT (key) DO UPDATE SET owner_id = $2, expires_at = NOW() + $3
		WHERE advisory_locks.expires_at < NOW() OR advisory_locks.owner_id = $2
	`
	tag, err := s.pool.Exec(ctx, query, key, ownerID, ttl)
	if err != nil {
		return false, pgWrap("acquire lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLock frees the lock if still held by ownerID.
func (s *PostgresStore) ReleaseLock(ctx context.Context, key, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM advisory_locks WHERE key = $1 AND owner_id = $2`, key, ownerID)
	if err != nil {
		return false, pgWrap("release lock", err)
	}
	return tag.RowsAffected() > 0, nil
}
