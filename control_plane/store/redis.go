package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store and Locker on Redis. Agents, issues and actions
// are JSON blobs; heartbeats, metrics and events live in sorted sets scored by
// unix nanoseconds so window reads and retention purges are range operations.
type RedisStore struct {
	client *redis.Client
}

const (
	keyAgentPrefix  = "warden:agents:"
	keyHBPrefix     = "warden:heartbeats:"
	keyMetricPrefix = "warden:metrics:"
	keyEvents       = "warden:events"
	keyIssuePrefix  = "warden:issues:"
	keyAgentIssues  = "warden:agent_issues:"
	keyActionPrefix = "warden:actions:"
	keyAgentActions = "warden:agent_actions:"
)

// NewRedisStore connects and verifies the backend is reachable.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrStoreUnavailable, err)
	}
	return &RedisStore{client: client}, nil
}

// wrapErr maps transport failures to StoreUnavailable so callers can
// errors.Is against it.
func wrapErr(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func (s *RedisStore) RegisterAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	now := time.Now().UTC()
	stored := *agent
	if existing, err := s.GetAgent(ctx, agent.AgentID); err == nil {
		stored.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrAgentNotFound) {
		return nil, err
	} else {
		stored.CreatedAt = now
	}
	if stored.State == "" {
		stored.State = AgentInitializing
	}
	stored.UpdatedAt = now
	if stored.State != AgentStopped {
		stored.StoppedAt = nil
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}
	if err := s.client.Set(ctx, keyAgentPrefix+agent.AgentID, data, 0).Err(); err != nil {
		return nil, wrapErr("register agent", err)
	}
	return &stored, nil
}

func (s *RedisStore) DeregisterAgent(ctx context.Context, agentID string) error {
	n, err := s.client.Del(ctx, keyAgentPrefix+agentID).Result()
	if err != nil {
		return wrapErr("deregister agent", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *RedisStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	data, err := s.client.Get(ctx, keyAgentPrefix+agentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, wrapErr("get agent", err)
	}
	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &agent, nil
}

func (s *RedisStore) UpdateAgentState(ctx context.Context, agentID string, state AgentState) error {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !ValidTransition(agent.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, agent.State, state)
	}
	now := time.Now().UTC()
	agent.State = state
	agent.UpdatedAt = now
	if state == AgentStopped {
		agent.StoppedAt = &now
	} else {
		agent.StoppedAt = nil
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	return wrapErr("update agent state", s.client.Set(ctx, keyAgentPrefix+agentID, data, 0).Err())
}

func (s *RedisStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	iter := s.client.Scan(ctx, 0, keyAgentPrefix+"*", 0).Iterator()
	var agents []*Agent
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // key expired between SCAN and GET
		}
		var agent Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			continue
		}
		if filter.Matches(&agent) {
			agents = append(agents, &agent)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr("list agents", err)
	}
	return agents, nil
}

func (s *RedisStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	agent, err := s.GetAgent(ctx, hb.AgentID)
	if err != nil {
		return err
	}

	// Monotonicity: reject timestamps at or before the newest stored beat.
	last, err := s.client.ZRevRangeWithScores(ctx, keyHBPrefix+hb.AgentID, 0, 0).Result()
	if err != nil {
		return wrapErr("record heartbeat", err)
	}
	if len(last) > 0 && hb.Timestamp.UnixNano() <= int64(last[0].Score) {
		return fmt.Errorf("%w: heartbeat for %s not after last recorded beat", ErrHeartbeatOutOfOrder, hb.AgentID)
	}

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	err = s.client.ZAdd(ctx, keyHBPrefix+hb.AgentID, redis.Z{
		Score:  float64(hb.Timestamp.UnixNano()),
		Member: data,
	}).Err()
	if err != nil {
		return wrapErr("record heartbeat", err)
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

func (s *RedisStore) RecentHeartbeats(ctx context.Context, agentID string, window time.Duration) ([]*Heartbeat, error) {
	rows, err := s.rangeByWindow(ctx, keyHBPrefix+agentID, window)
	if err != nil {
		return nil, wrapErr("recent heartbeats", err)
	}
	out := make([]*Heartbeat, 0, len(rows))
	for _, raw := range rows {
		var hb Heartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err == nil {
			out = append(out, &hb)
		}
	}
	return out, nil
}

func (s *RedisStore) RecordMetric(ctx context.Context, m *PerformanceMetric) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric: %w", err)
	}
	return wrapErr("record metric", s.client.ZAdd(ctx, keyMetricPrefix+m.AgentID, redis.Z{
		Score:  float64(m.Timestamp.UnixNano()),
		Member: data,
	}).Err())
}

func (s *RedisStore) RecentMetrics(ctx context.Context, agentID, metricName string, window time.Duration) ([]*PerformanceMetric, error) {
	rows, err := s.rangeByWindow(ctx, keyMetricPrefix+agentID, window)
	if err != nil {
		return nil, wrapErr("recent metrics", err)
	}
	out := make([]*PerformanceMetric, 0, len(rows))
	for _, raw := range rows {
		var m PerformanceMetric
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if metricName != "" && m.MetricName != metricName {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *RedisStore) LogEvent(ctx context.Context, e *SystemEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return wrapErr("log event", s.client.ZAdd(ctx, keyEvents, redis.Z{
		Score:  float64(e.Timestamp.UnixNano()),
		Member: data,
	}).Err())
}

func (s *RedisStore) RecentEvents(ctx context.Context, window time.Duration, minSeverity EventSeverity) ([]*SystemEvent, error) {
	rows, err := s.rangeByWindow(ctx, keyEvents, window)
	if err != nil {
		return nil, wrapErr("recent events", err)
	}
	out := make([]*SystemEvent, 0, len(rows))
	for _, raw := range rows {
		var e SystemEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if !e.Severity.AtLeast(minSeverity) {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *RedisStore) CreateIssue(ctx context.Context, issue *Issue) error {
	data, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("marshal issue: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyIssuePrefix+issue.IssueID, data, 0)
	pipe.SAdd(ctx, keyAgentIssues+issue.AgentID, issue.IssueID)
	_, err = pipe.Exec(ctx)
	return wrapErr("create issue", err)
}

func (s *RedisStore) UpdateIssueStatus(ctx context.Context, issueID string, status IssueStatus) error {
	data, err := s.client.Get(ctx, keyIssuePrefix+issueID).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("issue %s not found", issueID)
	}
	if err != nil {
		return wrapErr("update issue", err)
	}
	var issue Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		return fmt.Errorf("unmarshal issue: %w", err)
	}
	issue.Status = status
	data, err = json.Marshal(&issue)
	if err != nil {
		return fmt.Errorf("marshal issue: %w", err)
	}
	return wrapErr("update issue", s.client.Set(ctx, keyIssuePrefix+issueID, data, 0).Err())
}

func (s *RedisStore) OpenIssues(ctx context.Context, agentID string) ([]*Issue, error) {
	ids, err := s.client.SMembers(ctx, keyAgentIssues+agentID).Result()
	if err != nil {
		return nil, wrapErr("open issues", err)
	}
	var open []*Issue
	for _, id := range ids {
		data, err := s.client.Get(ctx, keyIssuePrefix+id).Bytes()
		if err != nil {
			continue
		}
		var issue Issue
		if err := json.Unmarshal(data, &issue); err != nil {
			continue
		}
		switch issue.Status {
		case IssueDetected, IssuePlanning, IssueExecuting:
			open = append(open, &issue)
		}
	}
	return open, nil
}

func (s *RedisStore) RecordAction(ctx context.Context, a *RecoveryAction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyActionPrefix+a.ActionID, data, 0)
	pipe.ZAdd(ctx, keyAgentActions+a.AgentID, redis.Z{
		Score:  float64(a.PlannedAt.UnixNano()),
		Member: a.ActionID,
	})
	_, err = pipe.Exec(ctx)
	return wrapErr("record action", err)
}

func (s *RedisStore) CompleteAction(ctx context.Context, actionID string, success bool, businessValue float64, executedAt time.Time) error {
	data, err := s.client.Get(ctx, keyActionPrefix+actionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("action %s not found", actionID)
	}
	if err != nil {
		return wrapErr("complete action", err)
	}
	var action RecoveryAction
	if err := json.Unmarshal(data, &action); err != nil {
		return fmt.Errorf("unmarshal action: %w", err)
	}
	action.Success = &success
	action.BusinessValuePreserved = businessValue
	action.ExecutedAt = &executedAt
	data, err = json.Marshal(&action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	return wrapErr("complete action", s.client.Set(ctx, keyActionPrefix+actionID, data, 0).Err())
}

func (s *RedisStore) RecentActions(ctx context.Context, agentID string, window time.Duration) ([]*RecoveryAction, error) {
	min := fmt.Sprintf("%d", time.Now().Add(-window).UnixNano())
	ids, err := s.client.ZRangeByScore(ctx, keyAgentActions+agentID, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, wrapErr("recent actions", err)
	}
	out := make([]*RecoveryAction, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, keyActionPrefix+id).Bytes()
		if err != nil {
			continue
		}
		var a RecoveryAction
		if err := json.Unmarshal(data, &a); err == nil {
			out = append(out, &a)
		}
	}
	return out, nil
}

// PurgeBefore trims the append-only sorted sets. Issues and actions are kept
// for audit.
func (s *RedisStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	max := fmt.Sprintf("%d", cutoff.UnixNano())
	var purged int64

	for _, prefix := range []string{keyHBPrefix, keyMetricPrefix} {
		iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			n, err := s.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", max).Result()
			if err != nil {
				return purged, wrapErr("purge", err)
			}
			purged += n
		}
		if err := iter.Err(); err != nil {
			return purged, wrapErr("purge", err)
		}
	}

	n, err := s.client.ZRemRangeByScore(ctx, keyEvents, "-inf", max).Result()
	if err != nil {
		return purged, wrapErr("purge", err)
	}
	return purged + n, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.client.Ping(ctx).Err())
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) rangeByWindow(ctx context.Context, key string, window time.Duration) ([]string, error) {
	min := fmt.Sprintf("%d", time.Now().Add(-window).UnixNano())
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
}

// AcquireLock takes a distributed advisory lock with SET NX EX.
func (s *RedisStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return false, wrapErr("acquire lock", err)
	}
	return ok, nil
}

// releaseLockScript deletes the lock only when still held by the caller.
const releaseLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// ReleaseLock releases the lock if held by ownerID.
func (s *RedisStore) ReleaseLock(ctx context.Context, key, ownerID string) (bool, error) {
	res, err := s.client.Eval(ctx, releaseLockScript, []string{key}, ownerID).Result()
	if err != nil {
		return false, wrapErr("release lock", err)
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}
