package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/wardenhq/warden/control_plane/resilience"
	"github.com/wardenhq/warden/control_plane/store"
)

// Controller exposes the coordinator's agent start/stop primitives to the
// recovery engine. Forced transitions made through it are what the issue
// detector later checks self-reported state against.
type Controller interface {
	// StopAgent force-stops a running agent.
	StopAgent(ctx context.Context, agentID string) error
	// StartAgent starts (re-registers) an agent that was stopped.
	StartAgent(ctx context.Context, agentID string) error
	// ClearResources asks the agent runtime to release caches, temp state and
	// other reclaimable resources.
	ClearResources(ctx context.Context, agentID string) error
	// ResetState reverts the agent to a clean configuration.
	ResetState(ctx context.Context, agentID string) error
	// RestoreState reinstates a previously captured agent row after a failed
	// reset.
	RestoreState(ctx context.Context, agentID string, previous *store.Agent) error
	// AckRecovered tells the controller a recovery action for the agent
	// succeeded, so any forced transition it was tracking is settled and must
	// not flag the agent's next self-report as contradictory.
	AckRecovered(agentID string)
}

// execResult is the outcome contract every action execution returns.
type execResult struct {
	success       bool
	businessValue float64
}

// plan is a fully bound remediation: what to run, how long it may take, and
// how to undo it when execution fails.
type plan struct {
	actionType store.ActionType
	estProb    float64
	timeout    time.Duration
	execute    func(ctx context.Context) (execResult, error)
	rollback   func(ctx context.Context) (execResult, error) // nil when no rollback is defined
}

// defaultActionFor maps an issue category to its default remediation.
func defaultActionFor(category store.IssueCategory) store.ActionType {
	switch category {
	case store.IssueUnresponsive:
		return store.ActionRestartAgent
	case store.IssueResourceExhaustion:
		return store.ActionClearResources
	case store.IssueHighErrorRate, store.IssueStateInconsistency:
		return store.ActionResetState
	case store.IssueDatabase:
		return store.ActionGenericRetry // backoff against the store, not the agent
	default: // performance_degradation, generic
		return store.ActionGenericRetry
	}
}

// buildPlan binds an action type to its executor for the given issue.
func (e *Engine) buildPlan(issue *store.Issue, actionType store.ActionType) plan {
	switch actionType {
	case store.ActionRestartAgent:
		return plan{
			actionType: actionType,
			estProb:    0.70,
			timeout:    e.restartTimeout,
			execute:    func(ctx context.Context) (execResult, error) { return e.execRestart(ctx, issue.AgentID) },
		}
	case store.ActionClearResources:
		return plan{
			actionType: actionType,
			estProb:    0.80,
			timeout:    e.actionTimeout,
			execute: func(ctx context.Context) (execResult, error) {
				if err := e.controller.ClearResources(ctx, issue.AgentID); err != nil {
					return execResult{}, err
				}
				return execResult{success: true, businessValue: 85}, nil
			},
		}
	case store.ActionResetState:
		return e.buildResetPlan(issue)
	case store.ActionEscalateManual:
		return plan{
			actionType: actionType,
			estProb:    0,
			timeout:    e.actionTimeout,
			execute: func(ctx context.Context) (execResult, error) {
				// Escalation never auto-succeeds: it only records that a human
				// must act.
				return execResult{success: false, businessValue: 0}, nil
			},
		}
	default: // generic_retry
		return plan{
			actionType: store.ActionGenericRetry,
			estProb:    0.50,
			timeout:    e.actionTimeout,
			execute: func(ctx context.Context) (execResult, error) {
				return e.execGenericRetry(ctx, issue)
			},
		}
	}
}

// buildResetPlan snapshots the agent row first so a failed reset can be
// rolled back to the previous configuration.
func (e *Engine) buildResetPlan(issue *store.Issue) plan {
	var previous *store.Agent

	return plan{
		actionType: store.ActionResetState,
		estProb:    0.60,
		timeout:    e.actionTimeout,
		execute: func(ctx context.Context) (execResult, error) {
			snap, err := e.store.GetAgent(ctx, issue.AgentID)
			if err != nil {
				return execResult{}, fmt.Errorf("snapshot before reset: %w", err)
			}
			previous = snap
			if err := e.controller.ResetState(ctx, issue.AgentID); err != nil {
				return execResult{}, err
			}
			return execResult{success: true, businessValue: 60}, nil
		},
		rollback: func(ctx context.Context) (execResult, error) {
			if previous == nil {
				return execResult{}, fmt.Errorf("no snapshot captured, nothing to restore")
			}
			if err := e.controller.RestoreState(ctx, issue.AgentID, previous); err != nil {
				return execResult{}, err
			}
			return execResult{success: true, businessValue: 60}, nil
		},
	}
}

// execRestart force-stops and re-registers the agent, then waits for a fresh
// Active heartbeat before declaring success.
func (e *Engine) execRestart(ctx context.Context, agentID string) (execResult, error) {
	restartedAt := e.now()

	if err := e.controller.StopAgent(ctx, agentID); err != nil {
		return execResult{}, fmt.Errorf("stop agent: %w", err)
	}
	if err := e.controller.StartAgent(ctx, agentID); err != nil {
		return execResult{}, fmt.Errorf("start agent: %w", err)
	}

	ticker := time.NewTicker(e.heartbeatPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return execResult{}, fmt.Errorf("%w: no fresh active heartbeat after restart: %v",
				resilience.ErrAgentUnresponsive, ctx.Err())
		case <-ticker.C:
			hbs, err := e.store.RecentHeartbeats(ctx, agentID, e.restartTimeout)
			if err != nil {
				continue // transient read failure, keep polling until the deadline
			}
			for i := len(hbs) - 1; i >= 0; i-- {
				if hbs[i].Timestamp.After(restartedAt) && hbs[i].ReportedState == store.AgentActive {
					return execResult{success: true, businessValue: 75}, nil
				}
			}
		}
	}
}

// execGenericRetry is the low-risk default. For database issues it backs off
// against the store itself; for everything else it verifies the agent is
// still making progress (a fresh heartbeat within the action timeout).
func (e *Engine) execGenericRetry(ctx context.Context, issue *store.Issue) (execResult, error) {
	if issue.Category == store.IssueDatabase {
		err := e.retry.Do(ctx, func(ctx context.Context) error {
			return e.store.Ping(ctx)
		})
		if err != nil {
			return execResult{}, fmt.Errorf("store still unavailable: %w", err)
		}
		return execResult{success: true, businessValue: 90}, nil
	}

	since := e.now()
	ticker := time.NewTicker(e.heartbeatPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return execResult{}, fmt.Errorf("%w: agent made no progress: %v",
				resilience.ErrRecoveryActionFailed, ctx.Err())
		case <-ticker.C:
			hbs, err := e.store.RecentHeartbeats(ctx, issue.AgentID, e.actionTimeout)
			if err != nil {
				continue
			}
			if n := len(hbs); n > 0 && hbs[n-1].Timestamp.After(since) {
				return execResult{success: true, businessValue: 90}, nil
			}
		}
	}
}
