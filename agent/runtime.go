package main

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/control_plane/store"
)

// WorkFunc is one unit of agent work. The runtime calls it once per heartbeat
// cycle, after the heartbeat for that cycle has been sent.
type WorkFunc func(ctx context.Context) error

// AgentRuntime drives the agent lifecycle: register as Initializing, report
// Active once setup completes, then heartbeat strictly before each unit of
// work so a crash mid-work is visible as a missed beat, not a phantom one.
type AgentRuntime struct {
	cfg    *Config
	client *Client
	work   WorkFunc
	log    zerolog.Logger

	errorCount     int64 // cumulative, reported on every beat
	lastWorkFailed bool
}

// NewAgentRuntime builds a runtime. A nil work function means the agent only
// reports liveness and metrics.
func NewAgentRuntime(cfg *Config, client *Client, work WorkFunc, log zerolog.Logger) *AgentRuntime {
	return &AgentRuntime{
		cfg:    cfg,
		client: client,
		work:   work,
		log:    log.With().Str("agent_id", cfg.AgentID).Logger(),
	}
}

// Run executes the lifecycle until ctx is cancelled. On graceful shutdown a
// final Stopped heartbeat tells the control plane this is deliberate, so the
// silence that follows is not an unresponsive signal.
func (a *AgentRuntime) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	// Setup phase: anything that must happen before the agent reports Active.
	if err := a.setup(ctx); err != nil {
		return err
	}
	if err := a.beat(ctx, store.AgentActive); err != nil {
		a.log.Warn().Err(err).Msg("initial active heartbeat failed")
	}
	a.log.Info().Msg("agent active")

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

// cycle is one heartbeat period: beat first, then work. A failed beat never
// stops the work, and a failed work unit never stops the beats.
func (a *AgentRuntime) cycle(ctx context.Context) {
	// The state reported this cycle reflects the previous cycle's outcome: an
	// agent whose last work unit failed beats Error until a unit succeeds,
	// staying visible to the control plane the whole time.
	state := store.AgentActive
	if a.lastWorkFailed {
		state = store.AgentError
	}
	if err := a.beat(ctx, state); err != nil {
		a.log.Warn().Err(err).Msg("heartbeat failed")
	}
	if a.work == nil {
		return
	}
	if err := a.work(ctx); err != nil {
		a.errorCount++
		a.lastWorkFailed = true
		a.log.Error().Err(err).Int64("error_count", a.errorCount).Msg("work unit failed")
		a.reportError(ctx, err)
		return
	}
	a.lastWorkFailed = false
}

// register announces the agent with exponential backoff; an agent that cannot
// reach the control plane keeps trying until cancelled.
func (a *AgentRuntime) register(ctx context.Context) error {
	now := time.Now().UTC()
	agent := &store.Agent{
		AgentID:      a.cfg.AgentID,
		AgentName:    a.cfg.AgentName,
		State:        store.AgentInitializing,
		Capabilities: a.cfg.Capabilities,
		StartedAt:    &now,
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := a.client.Register(ctx, agent)
		if err == nil {
			a.log.Info().Msg("registered with control plane")
			return nil
		}
		a.log.Warn().Err(err).Dur("retry_in", backoff).Msg("registration failed")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *AgentRuntime) setup(ctx context.Context) error {
	// Nothing to warm up in the reference agent; real agents validate their
	// dependencies here before going Active.
	return ctx.Err()
}

// beat sends one heartbeat with the cumulative error count and a resource
// snapshot.
func (a *AgentRuntime) beat(ctx context.Context, state store.AgentState) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	hb := &store.Heartbeat{
		AgentID:       a.cfg.AgentID,
		Timestamp:     time.Now().UTC(),
		ReportedState: state,
		ErrorCount:    a.errorCount,
		Metrics: map[string]float64{
			"memory_alloc_mb": float64(mem.Alloc) / (1 << 20),
			"goroutines":      float64(runtime.NumGoroutine()),
		},
	}
	beatCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.client.Heartbeat(beatCtx, hb)
}

// reportError mirrors a work failure into the event stream, best effort.
func (a *AgentRuntime) reportError(ctx context.Context, workErr error) {
	eventCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := a.client.Event(eventCtx, &store.SystemEvent{
		EventType: "agent.work_failed",
		Severity:  store.EventError,
		AgentID:   a.cfg.AgentID,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]string{"error": workErr.Error()},
	})
	if err != nil {
		a.log.Debug().Err(err).Msg("event report failed")
	}
}

// shutdown sends the final Stopped heartbeat under a fresh context; the run
// context is already cancelled.
func (a *AgentRuntime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hb := &store.Heartbeat{
		AgentID:       a.cfg.AgentID,
		Timestamp:     time.Now().UTC(),
		ReportedState: store.AgentStopped,
		ErrorCount:    a.errorCount,
	}
	if err := a.client.Heartbeat(ctx, hb); err != nil {
		a.log.Warn().Err(err).Msg("final stopped heartbeat failed")
	}
	a.log.Info().Msg("agent stopped")
}
