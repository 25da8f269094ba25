// Package recovery maps detected issues to remediation actions, executes them
// under per-agent mutual exclusion with hard timeouts, and records every
// outcome in the audit trail.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/control_plane/observability"
	"github.com/wardenhq/warden/control_plane/resilience"
	"github.com/wardenhq/warden/control_plane/store"
	"github.com/wardenhq/warden/control_plane/streaming"
)

// Config tunes the engine.
type Config struct {
	// Cooldown is the window within which a second recovery attempt for the
	// same agent and action escalates to manual instead of looping.
	Cooldown time.Duration
	// ActionTimeout is the hard execution timeout for non-restart actions.
	ActionTimeout time.Duration
	// RestartTimeout bounds the wait for a fresh Active heartbeat after a
	// restart.
	RestartTimeout time.Duration
	// HeartbeatPoll is how often restart/retry executors re-check for fresh
	// heartbeats.
	HeartbeatPoll time.Duration
	// OwnerID identifies this engine instance as the advisory lock owner.
	OwnerID string
}

// Engine drives the per-issue state machine:
// Detected -> Planning -> Executing -> {Succeeded | Failed} -> [RolledBack].
type Engine struct {
	store      store.Store
	locker     store.Locker
	controller Controller
	publisher  streaming.Publisher
	retry      resilience.RetryPolicy
	log        zerolog.Logger

	cooldown       time.Duration
	actionTimeout  time.Duration
	restartTimeout time.Duration
	heartbeatPoll  time.Duration
	ownerID        string

	now func() time.Time
}

// NewEngine builds a recovery engine.
func NewEngine(s store.Store, locker store.Locker, controller Controller, publisher streaming.Publisher, retry resilience.RetryPolicy, cfg Config, log zerolog.Logger) *Engine {
	if cfg.HeartbeatPoll <= 0 {
		cfg.HeartbeatPoll = 2 * time.Second
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = uuid.NewString()
	}
	return &Engine{
		store:          s,
		locker:         locker,
		controller:     controller,
		publisher:      publisher,
		retry:          retry,
		log:            log.With().Str("component", "recovery").Logger(),
		cooldown:       cfg.Cooldown,
		actionTimeout:  cfg.ActionTimeout,
		restartTimeout: cfg.RestartTimeout,
		heartbeatPoll:  cfg.HeartbeatPoll,
		ownerID:        cfg.OwnerID,
		now:            time.Now,
	}
}

// SetClock overrides the time source. Test hook only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func lockKey(agentID string) string { return "recovery:lock:" + agentID }

// Handle runs the full state machine for one issue. It returns nil when the
// issue was skipped because another action for the agent is already in
// flight; callers re-detect on the next cycle if the problem persists.
func (e *Engine) Handle(ctx context.Context, issue *store.Issue) error {
	// Recovery actions against a single agent are serialized: the lock covers
	// Planning through Executing, including rollback.
	ttl := e.actionTimeout + e.restartTimeout + 30*time.Second
	ok, err := e.locker.AcquireLock(ctx, lockKey(issue.AgentID), e.ownerID, ttl)
	if err != nil {
		return fmt.Errorf("acquire recovery lock: %w", err)
	}
	if !ok {
		e.log.Debug().Str("agent_id", issue.AgentID).Str("issue_id", issue.IssueID).
			Msg("recovery already in flight for agent, skipping issue")
		return nil
	}
	defer func() {
		// Release under a fresh context: ctx may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.locker.ReleaseLock(releaseCtx, lockKey(issue.AgentID), e.ownerID); err != nil {
			e.log.Warn().Err(err).Str("agent_id", issue.AgentID).Msg("failed to release recovery lock")
		}
	}()

	// No new actions for a deregistered agent.
	if _, err := e.store.GetAgent(ctx, issue.AgentID); errors.Is(err, store.ErrAgentNotFound) {
		e.log.Info().Str("agent_id", issue.AgentID).Msg("agent deregistered, dropping issue")
		return e.store.UpdateIssueStatus(ctx, issue.IssueID, store.IssueFailed)
	}

	if err := e.store.UpdateIssueStatus(ctx, issue.IssueID, store.IssuePlanning); err != nil {
		return fmt.Errorf("mark issue planning: %w", err)
	}

	actionType, escalated, err := e.planActionType(ctx, issue)
	if err != nil {
		return err
	}
	if actionType == "" {
		// An escalation is already pending for this agent; escalations are
		// never retried automatically.
		e.log.Info().Str("agent_id", issue.AgentID).Str("issue_id", issue.IssueID).
			Msg("escalation already pending, not re-escalating")
		return e.store.UpdateIssueStatus(ctx, issue.IssueID, store.IssueFailed)
	}

	p := e.buildPlan(issue, actionType)
	action := &store.RecoveryAction{
		ActionID:             uuid.NewString(),
		IssueID:              issue.IssueID,
		AgentID:              issue.AgentID,
		ActionType:           p.actionType,
		PlannedAt:            e.now(),
		EstimatedSuccessProb: p.estProb,
	}
	if err := e.store.RecordAction(ctx, action); err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	if escalated {
		e.logEvent(ctx, issue, action, store.EventWarning, "recovery.escalated", map[string]string{
			"reason": "repeat occurrence within cool-down window",
		})
	}

	if err := e.store.UpdateIssueStatus(ctx, issue.IssueID, store.IssueExecuting); err != nil {
		return fmt.Errorf("mark issue executing: %w", err)
	}

	start := e.now()
	result, execErr := e.executeWithTimeout(ctx, p)
	observability.RecoveryDuration.Observe(e.now().Sub(start).Seconds())

	executedAt := e.now()
	if err := e.store.CompleteAction(ctx, action.ActionID, result.success, result.businessValue, executedAt); err != nil {
		e.log.Error().Err(err).Str("action_id", action.ActionID).Msg("failed to persist action outcome")
	}

	switch {
	case p.actionType == store.ActionEscalateManual:
		// Escalation marks the issue as requiring human action and is logged
		// at critical severity regardless of anything else.
		observability.RecoveryActions.WithLabelValues(string(p.actionType), "escalated").Inc()
		report := CaptureIncident(ctx, e.store, issue.AgentID, e.cooldown)
		e.logEvent(ctx, issue, action, store.EventCritical, "recovery.manual_escalation", map[string]string{
			"category":          string(issue.Category),
			"recent_heartbeats": fmt.Sprintf("%d", len(report.Heartbeats)),
			"recent_events":     fmt.Sprintf("%d", len(report.Events)),
		})
		return e.store.UpdateIssueStatus(ctx, issue.IssueID, store.IssueFailed)

	case execErr == nil && result.success:
		observability.RecoveryActions.WithLabelValues(string(p.actionType), "succeeded").Inc()
		e.controller.AckRecovered(issue.AgentID)
		e.logEvent(ctx, issue, action, store.EventInfo, "recovery.succeeded", map[string]string{
			"business_value_preserved": fmt.Sprintf("%.0f", result.businessValue),
		})
		return e.store.UpdateIssueStatus(ctx, issue.IssueID, store.IssueResolved)

	default:
		return e.handleFailure(ctx, issue, action, p, execErr)
	}
}

// executeWithTimeout enforces the plan's hard timeout.
func (e *Engine) executeWithTimeout(ctx context.Context, p plan) (execResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.execute(execCtx)
}

// planActionType picks the action for an issue, escalating to manual when a
// recovery attempt of the same type already ran for this agent inside the
// cool-down window. Returns an empty action type when an escalation is
// already pending (escalations are never retried).
func (e *Engine) planActionType(ctx context.Context, issue *store.Issue) (store.ActionType, bool, error) {
	def := defaultActionFor(issue.Category)

	recent, err := e.store.RecentActions(ctx, issue.AgentID, e.cooldown)
	if err != nil {
		return "", false, fmt.Errorf("load recent actions: %w", err)
	}
	for _, a := range recent {
		if a.ActionType == store.ActionEscalateManual {
			return "", false, nil
		}
	}
	for _, a := range recent {
		if a.ActionType == def && a.RollbackOf == "" {
			return store.ActionEscalateManual, true, nil
		}
	}
	return def, false, nil
}

// handleFailure runs the rollback when one is defined, then records the
// failure. RecoveryActionFailed is never silently swallowed.
func (e *Engine) handleFailure(ctx context.Context, issue *store.Issue, action *store.RecoveryAction, p plan, execErr error) error {
	observability.RecoveryActions.WithLabelValues(string(p.actionType), "failed").Inc()

	payload := map[string]string{"category": string(issue.Category)}
	if execErr != nil {
		payload["error"] = execErr.Error()
	}
	e.logEvent(ctx, issue, action, store.EventCritical, "recovery.failed", payload)

	if p.rollback != nil {
		e.runRollback(ctx, issue, action, p)
	}

	if err := e.store.UpdateIssueStatus(ctx, issue.IssueID, store.IssueFailed); err != nil {
		return fmt.Errorf("mark issue failed: %w", err)
	}
	if execErr == nil {
		execErr = resilience.ErrRecoveryActionFailed
	}
	return fmt.Errorf("%w: %s on %s: %w", resilience.ErrRecoveryActionFailed, p.actionType, issue.AgentID, execErr)
}

// runRollback executes the plan's rollback and records it as a new action
// referencing the original.
func (e *Engine) runRollback(ctx context.Context, issue *store.Issue, original *store.RecoveryAction, p plan) {
	rbCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()

	rollback := &store.RecoveryAction{
		ActionID:             uuid.NewString(),
		IssueID:              issue.IssueID, // a rollback targets the same issue as the action it reverses
		AgentID:              issue.AgentID,
		ActionType:           p.actionType,
		PlannedAt:            e.now(),
		EstimatedSuccessProb: p.estProb,
		RollbackOf:           original.ActionID,
	}
	if err := e.store.RecordAction(rbCtx, rollback); err != nil {
		e.log.Error().Err(err).Str("issue_id", issue.IssueID).Msg("failed to record rollback action")
		return
	}

	result, err := p.rollback(rbCtx)
	executedAt := e.now()
	if cErr := e.store.CompleteAction(rbCtx, rollback.ActionID, result.success, result.businessValue, executedAt); cErr != nil {
		e.log.Error().Err(cErr).Str("action_id", rollback.ActionID).Msg("failed to persist rollback outcome")
	}

	if err != nil || !result.success {
		observability.RecoveryActions.WithLabelValues(string(p.actionType), "rollback_failed").Inc()
		payload := map[string]string{"rollback_of": original.ActionID}
		if err != nil {
			payload["error"] = err.Error()
		}
		e.logEvent(rbCtx, issue, rollback, store.EventCritical, "recovery.rollback_failed", payload)
		return
	}
	observability.RecoveryActions.WithLabelValues(string(p.actionType), "rolled_back").Inc()
	e.logEvent(rbCtx, issue, rollback, store.EventWarning, "recovery.rolled_back", map[string]string{
		"rollback_of": original.ActionID,
	})
}

// logEvent writes the audit record for an action outcome and mirrors it to
// the event stream. Audit completeness: every executed action produces a
// SystemEvent regardless of outcome.
func (e *Engine) logEvent(ctx context.Context, issue *store.Issue, action *store.RecoveryAction, sev store.EventSeverity, eventType string, payload map[string]string) {
	if payload == nil {
		payload = map[string]string{}
	}
	payload["issue_id"] = issue.IssueID
	payload["action_id"] = action.ActionID
	payload["action_type"] = string(action.ActionType)

	event := &store.SystemEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Severity:  sev,
		AgentID:   issue.AgentID,
		Timestamp: e.now(),
		Payload:   payload,
	}
	if err := e.store.LogEvent(ctx, event); err != nil {
		e.log.Error().Err(err).Str("event_type", eventType).Msg("failed to write audit event")
	}
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, "recovery."+string(action.ActionType), event); err != nil {
			e.log.Debug().Err(err).Msg("event publish failed (best effort)")
		}
	}
}
