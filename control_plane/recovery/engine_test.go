package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/control_plane/resilience"
	"github.com/wardenhq/warden/control_plane/store"
)

type mockController struct {
	mu       sync.Mutex
	stopped  []string
	started  []string
	cleared  []string
	reset    []string
	restored []string
	acked    []string

	failClear bool
	failReset bool
	onStart   func(agentID string)
}

func (m *mockController) StopAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, agentID)
	return nil
}

func (m *mockController) StartAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	m.started = append(m.started, agentID)
	onStart := m.onStart
	m.mu.Unlock()
	if onStart != nil {
		onStart(agentID)
	}
	return nil
}

func (m *mockController) ClearResources(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failClear {
		return errors.New("clear failed")
	}
	m.cleared = append(m.cleared, agentID)
	return nil
}

func (m *mockController) ResetState(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReset {
		return errors.New("reset failed")
	}
	m.reset = append(m.reset, agentID)
	return nil
}

func (m *mockController) RestoreState(ctx context.Context, agentID string, previous *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored = append(m.restored, agentID)
	return nil
}

func (m *mockController) AckRecovered(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, agentID)
}

func testEngine(t *testing.T, s *store.MemoryStore, ctrl Controller) *Engine {
	t.Helper()
	return NewEngine(s, s, ctrl, nil, resilience.DefaultRetryPolicy(), Config{
		Cooldown:       time.Hour,
		ActionTimeout:  300 * time.Millisecond,
		RestartTimeout: 500 * time.Millisecond,
		HeartbeatPoll:  10 * time.Millisecond,
		OwnerID:        "test-engine",
	}, zerolog.Nop())
}

func newIssue(agentID string, category store.IssueCategory) *store.Issue {
	return &store.Issue{
		IssueID:    uuid.NewString(),
		AgentID:    agentID,
		Category:   category,
		Severity:   store.SeverityHigh,
		Status:     store.IssueDetected,
		DetectedAt: time.Now(),
	}
}

func registerAgent(t *testing.T, s *store.MemoryStore, agentID string) {
	t.Helper()
	_, err := s.RegisterAgent(context.Background(), &store.Agent{AgentID: agentID, State: store.AgentActive})
	require.NoError(t, err)
}

func issueStatus(t *testing.T, s *store.MemoryStore, issueID string) store.IssueStatus {
	t.Helper()
	open, err := s.OpenIssues(context.Background(), "")
	require.NoError(t, err)
	for _, i := range open {
		if i.IssueID == issueID {
			return i.Status
		}
	}
	return "" // terminal (resolved or failed) issues are not open
}

func eventTypes(t *testing.T, s *store.MemoryStore) []string {
	t.Helper()
	events, err := s.RecentEvents(context.Background(), time.Hour, store.EventInfo)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func TestClearResourcesResolvesIssue(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")
	issue := newIssue("a", store.IssueResourceExhaustion)
	require.NoError(t, s.CreateIssue(ctx, issue))

	require.NoError(t, e.Handle(ctx, issue))

	assert.Equal(t, []string{"a"}, ctrl.cleared)
	assert.Equal(t, []string{"a"}, ctrl.acked)
	assert.Empty(t, issueStatus(t, s, issue.IssueID), "issue should be terminal")

	actions, err := s.RecentActions(ctx, "a", time.Hour)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, store.ActionClearResources, actions[0].ActionType)
	require.NotNil(t, actions[0].Success)
	assert.True(t, *actions[0].Success)
	assert.Equal(t, 85.0, actions[0].BusinessValuePreserved)
	require.NotNil(t, actions[0].ExecutedAt)

	assert.Contains(t, eventTypes(t, s), "recovery.succeeded")
}

func TestRestartSucceedsOnFreshActiveHeartbeat(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{}
	ctrl.onStart = func(agentID string) {
		// The restarted agent comes back and reports Active.
		_ = s.RecordHeartbeat(context.Background(), &store.Heartbeat{
			AgentID:       agentID,
			Timestamp:     time.Now().Add(50 * time.Millisecond),
			ReportedState: store.AgentActive,
		})
	}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")
	issue := newIssue("a", store.IssueUnresponsive)
	require.NoError(t, s.CreateIssue(ctx, issue))

	require.NoError(t, e.Handle(ctx, issue))

	assert.Equal(t, []string{"a"}, ctrl.stopped)
	assert.Equal(t, []string{"a"}, ctrl.started)

	actions, err := s.RecentActions(ctx, "a", time.Hour)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, store.ActionRestartAgent, actions[0].ActionType)
	require.NotNil(t, actions[0].Success)
	assert.True(t, *actions[0].Success)
}

func TestRestartFailsWithoutFreshHeartbeat(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{} // agent never comes back
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")
	issue := newIssue("a", store.IssueUnresponsive)
	require.NoError(t, s.CreateIssue(ctx, issue))

	err := e.Handle(ctx, issue)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrRecoveryActionFailed)
	assert.ErrorIs(t, err, resilience.ErrAgentUnresponsive)
	assert.Empty(t, ctrl.acked)

	actions, aerr := s.RecentActions(ctx, "a", time.Hour)
	require.NoError(t, aerr)
	require.Len(t, actions, 1)
	require.NotNil(t, actions[0].Success)
	assert.False(t, *actions[0].Success)

	assert.Contains(t, eventTypes(t, s), "recovery.failed")
}

func TestSuccessfulResetAcknowledgesController(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")
	issue := newIssue("a", store.IssueStateInconsistency)
	require.NoError(t, s.CreateIssue(ctx, issue))

	require.NoError(t, e.Handle(ctx, issue))

	// The controller is told the reset resolved so the forced transition it
	// tracks is dropped; otherwise the agent's next Active heartbeat would be
	// read as a fresh contradiction and loop back into recovery.
	assert.Equal(t, []string{"a"}, ctrl.reset)
	assert.Equal(t, []string{"a"}, ctrl.acked)
}

func TestRepeatActionWithinCooldownEscalates(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")

	// A reset_state already ran for this agent moments ago.
	require.NoError(t, s.RecordAction(ctx, &store.RecoveryAction{
		ActionID:   uuid.NewString(),
		AgentID:    "a",
		ActionType: store.ActionResetState,
		PlannedAt:  time.Now().Add(-time.Minute),
	}))

	issue := newIssue("a", store.IssueHighErrorRate) // would plan reset_state again
	require.NoError(t, s.CreateIssue(ctx, issue))

	require.NoError(t, e.Handle(ctx, issue))

	// No second reset: the engine escalated instead.
	assert.Empty(t, ctrl.reset)

	actions, err := s.RecentActions(ctx, "a", time.Hour)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, store.ActionEscalateManual, actions[1].ActionType)

	events := eventTypes(t, s)
	assert.Contains(t, events, "recovery.escalated")
	assert.Contains(t, events, "recovery.manual_escalation")

	// Escalation severity is critical regardless of the issue's own severity.
	critical, err := s.RecentEvents(ctx, time.Hour, store.EventCritical)
	require.NoError(t, err)
	require.NotEmpty(t, critical)
}

func TestEscalationIsNeverAutoRetried(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")
	require.NoError(t, s.RecordAction(ctx, &store.RecoveryAction{
		ActionID:   uuid.NewString(),
		AgentID:    "a",
		ActionType: store.ActionEscalateManual,
		PlannedAt:  time.Now().Add(-time.Minute),
	}))

	issue := newIssue("a", store.IssueHighErrorRate)
	require.NoError(t, s.CreateIssue(ctx, issue))

	require.NoError(t, e.Handle(ctx, issue))

	// No new action was planned while the escalation is pending.
	actions, err := s.RecentActions(ctx, "a", time.Hour)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
	assert.Empty(t, ctrl.reset)
	assert.Empty(t, ctrl.started)
	assert.Empty(t, issueStatus(t, s, issue.IssueID), "issue should be terminal")
}

func TestFailedResetRollsBack(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{failReset: true}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")
	issue := newIssue("a", store.IssueStateInconsistency)
	require.NoError(t, s.CreateIssue(ctx, issue))

	err := e.Handle(ctx, issue)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrRecoveryActionFailed)

	// The snapshot captured before the reset was restored.
	assert.Equal(t, []string{"a"}, ctrl.restored)

	actions, aerr := s.RecentActions(ctx, "a", time.Hour)
	require.NoError(t, aerr)
	require.Len(t, actions, 2)
	original, rollback := actions[0], actions[1]
	assert.Empty(t, original.RollbackOf)
	assert.Equal(t, original.ActionID, rollback.RollbackOf)
	assert.Equal(t, original.IssueID, rollback.IssueID)
	require.NotNil(t, rollback.Success)
	assert.True(t, *rollback.Success)

	events := eventTypes(t, s)
	assert.Contains(t, events, "recovery.failed")
	assert.Contains(t, events, "recovery.rolled_back")
}

func TestConcurrentRecoverySkippedForLockedAgent(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")

	// Another engine instance holds the agent's recovery lock.
	ok, err := s.AcquireLock(ctx, "recovery:lock:a", "other-engine", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	issue := newIssue("a", store.IssueResourceExhaustion)
	require.NoError(t, s.CreateIssue(ctx, issue))

	require.NoError(t, e.Handle(ctx, issue))

	// Nothing executed, nothing recorded; the next cycle re-detects.
	assert.Empty(t, ctrl.cleared)
	actions, err := s.RecentActions(ctx, "a", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, store.IssueDetected, issueStatus(t, s, issue.IssueID))
}

func TestDeregisteredAgentDropsIssue(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	issue := newIssue("ghost", store.IssueUnresponsive)
	require.NoError(t, s.CreateIssue(ctx, issue))

	require.NoError(t, e.Handle(ctx, issue))

	assert.Empty(t, ctrl.stopped)
	actions, err := s.RecentActions(ctx, "ghost", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, issueStatus(t, s, issue.IssueID), "issue should be terminal")
}

func TestDatabaseIssueRetriesAgainstStore(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")
	issue := newIssue("a", store.IssueDatabase)
	require.NoError(t, s.CreateIssue(ctx, issue))

	require.NoError(t, e.Handle(ctx, issue))

	actions, err := s.RecentActions(ctx, "a", time.Hour)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, store.ActionGenericRetry, actions[0].ActionType)
	require.NotNil(t, actions[0].Success)
	assert.True(t, *actions[0].Success)
	// No agent-level intervention for a store problem.
	assert.Empty(t, ctrl.stopped)
	assert.Empty(t, ctrl.reset)
}

func TestEveryExecutedActionProducesAuditEvent(t *testing.T) {
	s := store.NewMemoryStore()
	ctrl := &mockController{failClear: true}
	e := testEngine(t, s, ctrl)
	ctx := context.Background()

	registerAgent(t, s, "a")
	issue := newIssue("a", store.IssueResourceExhaustion)
	require.NoError(t, s.CreateIssue(ctx, issue))

	_ = e.Handle(ctx, issue) // fails, still audited

	events, err := s.RecentEvents(ctx, time.Hour, store.EventInfo)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.NotEmpty(t, ev.Payload["action_id"])
		assert.NotEmpty(t, ev.Payload["issue_id"])
	}
}
