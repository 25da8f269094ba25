// Package monitor contains the coordinator: the interval-driven control loop
// that ties scoring, anomaly detection, issue classification and recovery
// together, plus the agent supervisor and the retention janitor.
package monitor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/control_plane/anomaly"
	"github.com/wardenhq/warden/control_plane/config"
	"github.com/wardenhq/warden/control_plane/detect"
	"github.com/wardenhq/warden/control_plane/health"
	"github.com/wardenhq/warden/control_plane/observability"
	"github.com/wardenhq/warden/control_plane/recovery"
	"github.com/wardenhq/warden/control_plane/resilience"
	"github.com/wardenhq/warden/control_plane/store"
)

// StoreErrorTracker accumulates StoreUnavailable observations per agent
// between coordinator cycles. The write API feeds it; the issue detector
// consumes it as the database_issue signal.
type StoreErrorTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewStoreErrorTracker builds an empty tracker.
func NewStoreErrorTracker() *StoreErrorTracker {
	return &StoreErrorTracker{counts: make(map[string]int)}
}

// Record notes a StoreUnavailable failure for an agent's write.
func (t *StoreErrorTracker) Record(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[agentID]++
}

// Drain returns and clears the count for an agent.
func (t *StoreErrorTracker) Drain(agentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.counts[agentID]
	delete(t.counts, agentID)
	return n
}

// Coordinator runs the evaluation cycle. One slow or failing agent never
// stalls the cycle for the rest: evaluations run concurrently under a bounded
// worker group, each with its own timeout.
type Coordinator struct {
	cfg        *config.Config
	store      store.Store
	scorer     *health.Scorer
	anomalies  *anomaly.Detector
	classifier *detect.Detector
	engine     *recovery.Engine
	supervisor *Supervisor
	breaker    *resilience.StoreBreaker
	retry      resilience.RetryPolicy
	storeErrs  *StoreErrorTracker
	log        zerolog.Logger

	mu         sync.Mutex
	lastStatus map[string]health.Status
	lastScore  map[string]health.Score

	now func() time.Time
}

// NewCoordinator wires the evaluation pipeline together.
func NewCoordinator(cfg *config.Config, s store.Store, scorer *health.Scorer, det *anomaly.Detector, classifier *detect.Detector, engine *recovery.Engine, supervisor *Supervisor, tracker *StoreErrorTracker, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      s,
		scorer:     scorer,
		anomalies:  det,
		classifier: classifier,
		engine:     engine,
		supervisor: supervisor,
		breaker:    resilience.NewStoreBreaker(3, cfg.EvalInterval),
		retry:      resilience.DefaultRetryPolicy(),
		storeErrs:  tracker,
		log:        log.With().Str("component", "coordinator").Logger(),
		lastStatus: make(map[string]health.Status),
		lastScore:  make(map[string]health.Score),
		now:        time.Now,
	}
}

// SetClock overrides the time source. Test hook only.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Start launches the control loop.
func (c *Coordinator) Start(ctx context.Context) {
	go c.loop(ctx)
}

func (c *Coordinator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.EvalInterval)
	defer ticker.Stop()

	c.log.Info().
		Dur("interval", c.cfg.EvalInterval).
		Dur("stale_threshold", c.cfg.StaleThreshold).
		Msg("coordinator loop starting")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("coordinator loop stopping")
			return
		case <-ticker.C:
			c.RunCycle(ctx)
		}
	}
}

// RunCycle evaluates every registered agent once, skipping agents that were
// stopped deliberately. A failed cycle logs and waits for the next interval;
// StoreUnavailable never crashes the loop.
func (c *Coordinator) RunCycle(ctx context.Context) {
	start := c.now()
	defer func() {
		observability.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	observability.StoreBreakerState.Set(float64(c.breaker.State()))
	if !c.breaker.Allow() {
		c.log.Warn().Msg("store breaker open, skipping cycle")
		observability.AgentEvaluations.WithLabelValues("skipped").Inc()
		return
	}

	var agents []*store.Agent
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var listErr error
		agents, listErr = c.store.ListAgents(ctx, store.AgentFilter{})
		return listErr
	})
	if err != nil {
		c.breaker.RecordFailure()
		if errors.Is(err, store.ErrStoreUnavailable) {
			observability.StoreErrors.WithLabelValues("list_agents").Inc()
		}
		c.log.Error().Err(err).Msg("cycle aborted: could not list agents")
		return
	}
	c.breaker.RecordSuccess()

	// Deliberately stopped agents are left alone; force-stopped agents stay in
	// the cycle so a contradicting self-report is still classified.
	evaluable := agents[:0]
	active := 0
	for _, agent := range agents {
		if agent.State != store.AgentStopped {
			active++
		} else if _, forced := c.supervisor.Forced(agent.AgentID); !forced {
			continue
		}
		evaluable = append(evaluable, agent)
	}
	observability.RegisteredAgents.Set(float64(active))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrentEvals)
	for _, agent := range evaluable {
		g.Go(func() error {
			evalCtx, cancel := context.WithTimeout(gctx, c.cfg.AgentEvalTimeout)
			defer cancel()
			c.evaluateAgent(evalCtx, agent)
			return nil // per-agent failures are isolated, never group-fatal
		})
	}
	_ = g.Wait()
}

// evaluateAgent runs the scoring/detection/dispatch pipeline for one agent.
func (c *Coordinator) evaluateAgent(ctx context.Context, agent *store.Agent) {
	now := c.now()

	hbs, err := c.store.RecentHeartbeats(ctx, agent.AgentID, 2*c.cfg.HeartbeatLookback)
	if err != nil {
		c.recordEvalError(agent.AgentID, "recent_heartbeats", err)
		return
	}
	metrics, err := c.store.RecentMetrics(ctx, agent.AgentID, "", 2*c.cfg.MetricLookback)
	if err != nil {
		c.recordEvalError(agent.AgentID, "recent_metrics", err)
		return
	}

	curHBs, prevHBs := splitHeartbeats(hbs, now.Add(-c.cfg.HeartbeatLookback))
	curMetrics, prevMetrics := splitMetrics(metrics, now.Add(-c.cfg.MetricLookback))

	score := c.scorer.Evaluate(health.Input{
		Agent:             agent,
		Now:               now,
		Window:            c.cfg.HeartbeatLookback,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		StaleThreshold:    c.cfg.StaleThreshold,
		ErrorCeiling:      c.cfg.ErrorCeiling,
		CPUCeiling:        c.cfg.CPUCeiling,
		MemoryCeiling:     c.cfg.MemoryCeiling,
		Heartbeats:        curHBs,
		Metrics:           curMetrics,
		PrevHeartbeats:    prevHBs,
		PrevMetrics:       prevMetrics,
	})
	observability.AgentHealthScore.WithLabelValues(agent.AgentID).Set(score.Value)
	c.noteStatusChange(ctx, agent.AgentID, score)

	found := c.anomalies.DetectMetrics(curMetrics)
	for _, a := range found {
		observability.AnomaliesDetected.WithLabelValues(a.MetricName, string(a.Severity)).Inc()
	}

	sig := detect.Signals{
		Agent:       agent,
		Now:         now,
		Score:       score,
		Anomalies:   found,
		Heartbeats:  curHBs,
		StoreErrors: c.storeErrs.Drain(agent.AgentID),
	}
	if ft, ok := c.supervisor.Forced(agent.AgentID); ok {
		sig.ForcedState = ft.State
		sig.ForcedAt = ft.At
	}

	issues := c.classifier.Classify(sig)
	if len(issues) == 0 {
		observability.AgentEvaluations.WithLabelValues("ok").Inc()
		return
	}

	open, err := c.store.OpenIssues(ctx, agent.AgentID)
	if err != nil {
		c.recordEvalError(agent.AgentID, "open_issues", err)
		return
	}

	for _, issue := range issues {
		if hasOpenCategory(open, issue.Category) {
			continue // already Planning/Executing, do not double-dispatch
		}
		if err := c.store.CreateIssue(ctx, issue); err != nil {
			c.recordEvalError(agent.AgentID, "create_issue", err)
			continue
		}
		observability.IssuesDetected.WithLabelValues(string(issue.Category), string(issue.Severity)).Inc()
		c.logIssueEvent(ctx, issue)

		// Recovery runs detached from the evaluation timeout: a restart can
		// legitimately take longer than one agent evaluation. The engine's
		// per-agent lock serializes concurrent dispatches.
		go func(issue *store.Issue) {
			if err := c.engine.Handle(context.Background(), issue); err != nil {
				c.log.Error().Err(err).
					Str("agent_id", issue.AgentID).
					Str("category", string(issue.Category)).
					Msg("recovery failed")
			}
		}(issue)
	}
	observability.AgentEvaluations.WithLabelValues("ok").Inc()
}

func (c *Coordinator) recordEvalError(agentID, op string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		observability.AgentEvaluations.WithLabelValues("timeout").Inc()
	} else {
		observability.AgentEvaluations.WithLabelValues("store_error").Inc()
	}
	if errors.Is(err, store.ErrStoreUnavailable) {
		observability.StoreErrors.WithLabelValues(op).Inc()
		c.storeErrs.Record(agentID)
		c.breaker.RecordFailure()
	}
	c.log.Warn().Err(err).Str("agent_id", agentID).Str("op", op).Msg("agent evaluation failed")
}

// noteStatusChange audits health status transitions as SystemEvents.
func (c *Coordinator) noteStatusChange(ctx context.Context, agentID string, score health.Score) {
	c.mu.Lock()
	prev, seen := c.lastStatus[agentID]
	c.lastStatus[agentID] = score.Status
	c.lastScore[agentID] = score
	c.mu.Unlock()

	if !seen || prev == score.Status {
		return
	}
	sev := store.EventInfo
	if score.Status == health.StatusPoor || score.Status == health.StatusCritical {
		sev = store.EventWarning
	}
	event := &store.SystemEvent{
		EventID:   uuid.NewString(),
		EventType: "health.status_changed",
		Severity:  sev,
		AgentID:   agentID,
		Timestamp: c.now(),
		Payload: map[string]string{
			"from":  string(prev),
			"to":    string(score.Status),
			"score": formatScore(score.Value),
			"trend": string(score.Trend),
		},
	}
	if err := c.store.LogEvent(ctx, event); err != nil {
		c.log.Warn().Err(err).Str("agent_id", agentID).Msg("failed to audit status change")
	}
}

func (c *Coordinator) logIssueEvent(ctx context.Context, issue *store.Issue) {
	sev := store.EventWarning
	if issue.Severity == store.SeverityCritical {
		sev = store.EventError
	}
	event := &store.SystemEvent{
		EventID:   uuid.NewString(),
		EventType: "issue.detected",
		Severity:  sev,
		AgentID:   issue.AgentID,
		Timestamp: c.now(),
		Payload: map[string]string{
			"issue_id": issue.IssueID,
			"category": string(issue.Category),
			"severity": string(issue.Severity),
		},
	}
	if err := c.store.LogEvent(ctx, event); err != nil {
		c.log.Warn().Err(err).Str("issue_id", issue.IssueID).Msg("failed to audit issue")
	}
}

// LatestScore returns the most recent score computed for an agent, if any.
// Used by the read API so dashboards do not recompute.
func (c *Coordinator) LatestScore(agentID string) (health.Score, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.lastScore[agentID]
	return s, ok
}

func hasOpenCategory(open []*store.Issue, category store.IssueCategory) bool {
	for _, issue := range open {
		if issue.Category == category &&
			(issue.Status == store.IssuePlanning || issue.Status == store.IssueExecuting || issue.Status == store.IssueDetected) {
			return true
		}
	}
	return false
}

func splitHeartbeats(rows []*store.Heartbeat, cutoff time.Time) (current, previous []*store.Heartbeat) {
	for _, hb := range rows {
		if hb.Timestamp.Before(cutoff) {
			previous = append(previous, hb)
		} else {
			current = append(current, hb)
		}
	}
	return current, previous
}

func splitMetrics(rows []*store.PerformanceMetric, cutoff time.Time) (current, previous []*store.PerformanceMetric) {
	for _, m := range rows {
		if m.Timestamp.Before(cutoff) {
			previous = append(previous, m)
		} else {
			current = append(current, m)
		}
	}
	return current, previous
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
