package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ValidTransition reports whether an agent may move from one state to another.
// A Stopped agent only comes back through re-registration (Initializing);
// every other transition is allowed since both the agent (self-reported) and
// the recovery engine (forced) drive state.
func ValidTransition(from, to AgentState) bool {
	if from == to {
		return true
	}
	if from == AgentStopped {
		return to == AgentInitializing
	}
	return true
}

type memLock struct {
	owner   string
	expires time.Time
}

// MemoryStore holds the full monitoring state in memory.
// It implements Store and Locker, and is the reference backend for tests.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent
	heartbeats map[string][]*Heartbeat
	metrics    map[string][]*PerformanceMetric
	events     []*SystemEvent
	issues     map[string]*Issue
	issueOrder []string
	actions    map[string]*RecoveryAction
	actOrder   []string

	lockMu sync.Mutex
	locks  map[string]memLock

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*Agent),
		heartbeats: make(map[string][]*Heartbeat),
		metrics:    make(map[string][]*PerformanceMetric),
		issues:     make(map[string]*Issue),
		actions:    make(map[string]*RecoveryAction),
		locks:      make(map[string]memLock),
		now:        time.Now,
	}
}

// SetClock overrides the time source. Test hook only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- Agent operations ---

func (s *MemoryStore) RegisterAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	if agent.AgentID == "" {
		return nil, fmt.Errorf("register agent: empty agent_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := &Agent{
		AgentID:      agent.AgentID,
		AgentName:    agent.AgentName,
		State:        agent.State,
		Capabilities: append([]string(nil), agent.Capabilities...),
		Config:       copyStringMap(agent.Config),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if rec.State == "" {
		rec.State = AgentInitializing
	}
	started := now
	rec.StartedAt = &started

	if existing, ok := s.agents[agent.AgentID]; ok {
		// Re-registration keeps the original row identity.
		rec.CreatedAt = existing.CreatedAt
	}
	s.agents[agent.AgentID] = rec

	out := *rec
	return &out, nil
}

func (s *MemoryStore) DeregisterAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return ErrAgentNotFound
	}
	delete(s.agents, agentID)
	delete(s.heartbeats, agentID)
	delete(s.metrics, agentID)
	return nil
}

func (s *MemoryStore) UpdateAgentState(ctx context.Context, agentID string, state AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if !ValidTransition(a.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, state)
	}
	s.applyState(a, state)
	return nil
}

// applyState mutates a under s.mu, maintaining the StoppedAt invariant.
func (s *MemoryStore) applyState(a *Agent, state AgentState) {
	now := s.now()
	a.State = state
	a.UpdatedAt = now
	if state == AgentStopped {
		stopped := now
		a.StoppedAt = &stopped
	} else {
		a.StoppedAt = nil
	}
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	out.Config = copyStringMap(a.Config)
	return &out, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if !filter.Matches(a) {
			continue
		}
		out := *a
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

// --- Heartbeat operations ---

func (s *MemoryStore) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[hb.AgentID]
	if !ok {
		return ErrAgentNotFound
	}

	rec := *hb
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	series := s.heartbeats[hb.AgentID]
	if n := len(series); n > 0 && !rec.Timestamp.After(series[n-1].Timestamp) {
		return fmt.Errorf("%w: heartbeat timestamp not monotonic for %s", ErrHeartbeatOutOfOrder, hb.AgentID)
	}
	s.heartbeats[hb.AgentID] = append(series, &rec)

	// The heartbeat is also the self-reported state transition. A disallowed
	// transition (an agent insisting it is Active after being stopped) is kept
	// as evidence and flagged rather than dropped: the detector turns the
	// contradicting beats into a state_inconsistency issue.
	if rec.ReportedState != "" {
		if !ValidTransition(a.State, rec.ReportedState) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, rec.ReportedState)
		}
		s.applyState(a, rec.ReportedState)
	}
	return nil
}

func (s *MemoryStore) RecentHeartbeats(ctx context.Context, agentID string, window time.Duration) ([]*Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-window)
	var result []*Heartbeat
	for _, hb := range s.heartbeats[agentID] {
		if hb.Timestamp.Before(cutoff) {
			continue
		}
		out := *hb
		result = append(result, &out)
	}
	return result, nil
}

// --- Metric operations ---

func (s *MemoryStore) RecordMetric(ctx context.Context, m *PerformanceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[m.AgentID]; !ok {
		return ErrAgentNotFound
	}
	rec := *m
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	s.metrics[m.AgentID] = append(s.metrics[m.AgentID], &rec)
	return nil
}

func (s *MemoryStore) RecentMetrics(ctx context.Context, agentID string, metricName string, window time.Duration) ([]*PerformanceMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-window)
	var result []*PerformanceMetric
	for _, m := range s.metrics[agentID] {
		if m.Timestamp.Before(cutoff) {
			continue
		}
		if metricName != "" && m.MetricName != metricName {
			continue
		}
		out := *m
		result = append(result, &out)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

// --- Event operations ---

func (s *MemoryStore) LogEvent(ctx context.Context, e *SystemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *e
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.Severity == "" {
		rec.Severity = EventInfo
	}
	s.events = append(s.events, &rec)
	return nil
}

func (s *MemoryStore) RecentEvents(ctx context.Context, window time.Duration, minSeverity EventSeverity) ([]*SystemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-window)
	var result []*SystemEvent
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if minSeverity != "" && !e.Severity.AtLeast(minSeverity) {
			continue
		}
		out := *e
		result = append(result, &out)
	}
	return result, nil
}

// --- Issue operations ---

func (s *MemoryStore) CreateIssue(ctx context.Context, issue *Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *issue
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = s.now()
	}
	if rec.Status == "" {
		rec.Status = IssueDetected
	}
	s.issues[rec.IssueID] = &rec
	s.issueOrder = append(s.issueOrder, rec.IssueID)
	return nil
}

func (s *MemoryStore) UpdateIssueStatus(ctx context.Context, issueID string, status IssueStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[issueID]
	if !ok {
		return fmt.Errorf("issue %s not found", issueID)
	}
	issue.Status = status
	return nil
}

func (s *MemoryStore) OpenIssues(ctx context.Context, agentID string) ([]*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Issue
	for _, id := range s.issueOrder {
		issue := s.issues[id]
		if agentID != "" && issue.AgentID != agentID {
			continue
		}
		switch issue.Status {
		case IssueDetected, IssuePlanning, IssueExecuting:
			out := *issue
			result = append(result, &out)
		}
	}
	return result, nil
}

// --- Recovery action operations ---

func (s *MemoryStore) RecordAction(ctx context.Context, a *RecoveryAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *a
	if rec.PlannedAt.IsZero() {
		rec.PlannedAt = s.now()
	}
	s.actions[rec.ActionID] = &rec
	s.actOrder = append(s.actOrder, rec.ActionID)
	return nil
}

func (s *MemoryStore) CompleteAction(ctx context.Context, actionID string, success bool, businessValue float64, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[actionID]
	if !ok {
		return fmt.Errorf("action %s not found", actionID)
	}
	a.ExecutedAt = &executedAt
	a.Success = &success
	a.BusinessValuePreserved = businessValue
	return nil
}

func (s *MemoryStore) RecentActions(ctx context.Context, agentID string, window time.Duration) ([]*RecoveryAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-window)
	var result []*RecoveryAction
	for _, id := range s.actOrder {
		a := s.actions[id]
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		if a.PlannedAt.Before(cutoff) {
			continue
		}
		out := *a
		result = append(result, &out)
	}
	return result, nil
}

// --- Retention ---

func (s *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, series := range s.heartbeats {
		kept := series[:0]
		for _, hb := range series {
			if hb.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, hb)
		}
		s.heartbeats[id] = kept
	}
	for id, series := range s.metrics {
		kept := series[:0]
		for _, m := range series {
			if m.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		s.metrics[id] = kept
	}
	keptEvents := s.events[:0]
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		keptEvents = append(keptEvents, e)
	}
	s.events = keptEvents
	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// --- Locker ---

func (s *MemoryStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	now := time.Now()
	if l, ok := s.locks[key]; ok && l.expires.After(now) && l.owner != ownerID {
		return false, nil
	}
	s.locks[key] = memLock{owner: ownerID, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key string, ownerID string) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	l, ok := s.locks[key]
	if !ok || l.owner != ownerID {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
