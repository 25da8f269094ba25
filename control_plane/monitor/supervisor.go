package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/control_plane/store"
)

// Runtime is an agent implementation the supervisor can run in-process. Run
// must follow the runtime contract: register, heartbeat before work, and
// heartbeat Stopped on graceful shutdown.
type Runtime interface {
	Run(ctx context.Context) error
}

// ResourceClearer is an optional Runtime extension for clear_resources
// actions.
type ResourceClearer interface {
	ClearResources(ctx context.Context) error
}

// RuntimeFactory builds the runtime for a locally supervised agent. A nil
// factory means all agents are remote (registered over the write API).
type RuntimeFactory func(agentID string) Runtime

// ForcedTransition records the last state the coordinator forced on an agent.
// The issue detector compares later self-reported states against it.
type ForcedTransition struct {
	State store.AgentState
	At    time.Time
}

// Supervisor owns the agent start/stop primitives used by restart_agent
// actions. It implements recovery.Controller.
type Supervisor struct {
	store   store.Store
	factory RuntimeFactory
	log     zerolog.Logger

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	runtimes map[string]Runtime
	forced   map[string]ForcedTransition
}

// NewSupervisor builds a supervisor. factory may be nil for remote-only
// deployments.
func NewSupervisor(s store.Store, factory RuntimeFactory, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:    s,
		factory:  factory,
		log:      log.With().Str("component", "supervisor").Logger(),
		running:  make(map[string]context.CancelFunc),
		runtimes: make(map[string]Runtime),
		forced:   make(map[string]ForcedTransition),
	}
}

// StopAgent force-stops an agent: local runtimes are cancelled, remote agents
// are transitioned to Stopped in the store. Either way the forced transition
// is recorded so a contradicting self-report becomes a state_inconsistency
// signal.
func (sv *Supervisor) StopAgent(ctx context.Context, agentID string) error {
	sv.mu.Lock()
	if cancel, ok := sv.running[agentID]; ok {
		cancel()
		delete(sv.running, agentID)
		delete(sv.runtimes, agentID)
	}
	sv.forced[agentID] = ForcedTransition{State: store.AgentStopped, At: time.Now()}
	sv.mu.Unlock()

	if err := sv.store.UpdateAgentState(ctx, agentID, store.AgentStopped); err != nil {
		return fmt.Errorf("force stop %s: %w", agentID, err)
	}
	sv.log.Info().Str("agent_id", agentID).Msg("agent force-stopped")
	return nil
}

// StartAgent re-registers an agent. Local runtimes are relaunched; for remote
// agents only the row is reset to Initializing, and the restart action's
// success still depends on the agent producing a fresh Active heartbeat.
func (sv *Supervisor) StartAgent(ctx context.Context, agentID string) error {
	agent, err := sv.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("start agent %s: %w", agentID, err)
	}
	agent.State = store.AgentInitializing
	if _, err := sv.store.RegisterAgent(ctx, agent); err != nil {
		return fmt.Errorf("re-register %s: %w", agentID, err)
	}

	sv.mu.Lock()
	delete(sv.forced, agentID)
	factory := sv.factory
	sv.mu.Unlock()

	if factory == nil {
		sv.log.Info().Str("agent_id", agentID).Msg("remote agent re-registered, awaiting heartbeat")
		return nil
	}
	return sv.launch(agentID, factory(agentID))
}

// Launch starts a locally supervised runtime for a new agent.
func (sv *Supervisor) Launch(agentID string, rt Runtime) error {
	return sv.launch(agentID, rt)
}

func (sv *Supervisor) launch(agentID string, rt Runtime) error {
	runCtx, cancel := context.WithCancel(context.Background())

	sv.mu.Lock()
	if _, ok := sv.running[agentID]; ok {
		sv.mu.Unlock()
		cancel()
		return fmt.Errorf("agent %s already running", agentID)
	}
	sv.running[agentID] = cancel
	sv.runtimes[agentID] = rt
	sv.mu.Unlock()

	go func() {
		err := rt.Run(runCtx)
		sv.mu.Lock()
		delete(sv.running, agentID)
		delete(sv.runtimes, agentID)
		sv.mu.Unlock()
		if err != nil && runCtx.Err() == nil {
			sv.log.Error().Err(err).Str("agent_id", agentID).Msg("agent runtime exited with error")
		}
	}()
	sv.log.Info().Str("agent_id", agentID).Msg("agent runtime launched")
	return nil
}

// ClearResources delegates to the runtime when it supports it; for remote
// agents the request is recorded as a forced Recovering transition the agent
// observes on its next heartbeat cycle.
func (sv *Supervisor) ClearResources(ctx context.Context, agentID string) error {
	sv.mu.Lock()
	rt := sv.runtimes[agentID]
	sv.mu.Unlock()

	if clearer, ok := rt.(ResourceClearer); ok {
		return clearer.ClearResources(ctx)
	}
	return sv.store.UpdateAgentState(ctx, agentID, store.AgentRecovering)
}

// ResetState forces the agent into Recovering; the agent comes back to Active
// through its own heartbeat once the reset settles.
func (sv *Supervisor) ResetState(ctx context.Context, agentID string) error {
	sv.mu.Lock()
	sv.forced[agentID] = ForcedTransition{State: store.AgentRecovering, At: time.Now()}
	sv.mu.Unlock()
	return sv.store.UpdateAgentState(ctx, agentID, store.AgentRecovering)
}

// RestoreState reinstates a previously captured agent row after a failed
// reset.
func (sv *Supervisor) RestoreState(ctx context.Context, agentID string, previous *store.Agent) error {
	if previous == nil {
		return fmt.Errorf("restore %s: no previous state", agentID)
	}
	if _, err := sv.store.RegisterAgent(ctx, previous); err != nil {
		return err
	}
	if err := sv.store.UpdateAgentState(ctx, agentID, previous.State); err != nil {
		return err
	}
	sv.mu.Lock()
	delete(sv.forced, agentID)
	sv.mu.Unlock()
	return nil
}

// AckRecovered clears the forced transition once a recovery action for the
// agent resolves; without it a reset agent's next Active heartbeat would read
// as a contradiction and re-trigger recovery.
func (sv *Supervisor) AckRecovered(agentID string) {
	sv.mu.Lock()
	delete(sv.forced, agentID)
	sv.mu.Unlock()
}

// Forced returns the last forced transition for an agent, if any.
func (sv *Supervisor) Forced(agentID string) (ForcedTransition, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	ft, ok := sv.forced[agentID]
	return ft, ok
}

// Shutdown cancels all locally supervised runtimes.
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for id, cancel := range sv.running {
		cancel()
		delete(sv.running, id)
		delete(sv.runtimes, id)
	}
}
