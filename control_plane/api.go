package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/control_plane/config"
	"github.com/wardenhq/warden/control_plane/monitor"
	"github.com/wardenhq/warden/control_plane/observability"
	"github.com/wardenhq/warden/control_plane/recovery"
	"github.com/wardenhq/warden/control_plane/store"
)

// API is the HTTP surface: a write path for agents (register, heartbeat,
// metrics, events) and a read path for operators and dashboards.
type API struct {
	cfg         *config.Config
	store       store.Store
	coordinator *monitor.Coordinator
	storeErrs   *monitor.StoreErrorTracker
	wsHub       *EventHub
	log         zerolog.Logger

	// Storm protection on the hot write paths.
	heartbeatLimiter *rate.Limiter
	metricLimiter    *rate.Limiter
}

// NewAPI builds the API.
func NewAPI(cfg *config.Config, s store.Store, coordinator *monitor.Coordinator, tracker *monitor.StoreErrorTracker, hub *EventHub, log zerolog.Logger) *API {
	return &API{
		cfg:         cfg,
		store:       s,
		coordinator: coordinator,
		storeErrs:   tracker,
		wsHub:       hub,
		log:         log.With().Str("component", "api").Logger(),
		// Allow 200 heartbeats/sec, burst 400
		heartbeatLimiter: rate.NewLimiter(rate.Limit(200), 400),
		// Metrics are chattier: 500/sec, burst 1000
		metricLimiter: rate.NewLimiter(rate.Limit(500), 1000),
	}
}

// Routes registers all handlers on a fresh mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/register", a.handleRegister)
	mux.HandleFunc("/agents/heartbeat", a.handleHeartbeat)
	mux.HandleFunc("/agents/metric", a.handleMetric)
	mux.HandleFunc("/agents/event", a.handleEvent)
	mux.HandleFunc("/agents/deregister", a.handleDeregister)
	mux.HandleFunc("/agents", a.handleListAgents)
	mux.HandleFunc("/agents/", a.handleAgentSubpath)
	mux.HandleFunc("/events", a.handleListEvents)
	if a.wsHub != nil {
		mux.HandleFunc("/ws/events", a.wsHub.HandleWS)
	}
	return mux
}

// writeRateLimitError writes 429 with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, path string) {
	observability.APIRateLimited.WithLabelValues(path).Inc()
	retryAfter := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Debug().Err(err).Msg("response encode failed")
	}
}

// writeStoreError maps store failures to HTTP statuses and feeds the tracker
// so StoreUnavailable surfaces as a database_issue on the agent.
func (a *API) writeStoreError(w http.ResponseWriter, agentID string, err error) {
	switch {
	case errors.Is(err, store.ErrAgentNotFound):
		http.Error(w, "Agent not found", http.StatusNotFound)
	case errors.Is(err, store.ErrStoreUnavailable):
		if agentID != "" {
			a.storeErrs.Record(agentID)
		}
		http.Error(w, "Storage unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var agent store.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if agent.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if agent.State != "" && !agent.State.Valid() {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	registered, err := a.store.RegisterAgent(r.Context(), &agent)
	if err != nil {
		a.log.Error().Err(err).Str("agent_id", agent.AgentID).Msg("registration failed")
		a.writeStoreError(w, agent.AgentID, err)
		return
	}
	a.log.Info().Str("agent_id", registered.AgentID).Str("state", string(registered.State)).Msg("agent registered")
	a.writeJSON(w, http.StatusOK, registered)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.heartbeatLimiter.Allow() {
		a.writeRateLimitError(w, "heartbeat")
		return
	}

	var hb store.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if hb.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	if hb.ReportedState != "" && !hb.ReportedState.Valid() {
		http.Error(w, "invalid reported_state", http.StatusBadRequest)
		return
	}

	if err := a.store.RecordHeartbeat(r.Context(), &hb); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// The beat was persisted; the contradicting state is evidence for
			// the detector, not a reason to drop the agent's signal.
			a.log.Warn().Str("agent_id", hb.AgentID).Str("reported_state", string(hb.ReportedState)).
				Msg("heartbeat flagged: contradicting state transition")
			observability.HeartbeatsReceived.Inc()
			a.writeJSON(w, http.StatusOK, map[string]string{"status": "flagged"})
			return
		}
		if errors.Is(err, store.ErrHeartbeatOutOfOrder) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		a.writeStoreError(w, hb.AgentID, err)
		return
	}
	observability.HeartbeatsReceived.Inc()
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleMetric(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.metricLimiter.Allow() {
		a.writeRateLimitError(w, "metric")
		return
	}

	var m store.PerformanceMetric
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if m.AgentID == "" || m.MetricName == "" {
		http.Error(w, "agent_id and metric_name are required", http.StatusBadRequest)
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	if err := a.store.RecordMetric(r.Context(), &m); err != nil {
		a.writeStoreError(w, m.AgentID, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var e store.SystemEvent
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if e.EventType == "" {
		http.Error(w, "event_type is required", http.StatusBadRequest)
		return
	}
	if e.EventID == "" {
		e.EventID = generateUUID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = store.EventInfo
	}

	if err := a.store.LogEvent(r.Context(), &e); err != nil {
		a.writeStoreError(w, e.AgentID, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "event_id": e.EventID})
}

func (a *API) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	if err := a.store.DeregisterAgent(r.Context(), req.AgentID); err != nil {
		a.writeStoreError(w, req.AgentID, err)
		return
	}
	a.log.Info().Str("agent_id", req.AgentID).Msg("agent deregistered")
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := store.AgentFilter{Capability: r.URL.Query().Get("capability")}
	if s := r.URL.Query().Get("state"); s != "" {
		state := store.AgentState(s)
		if !state.Valid() {
			http.Error(w, "invalid state filter", http.StatusBadRequest)
			return
		}
		filter.States = []store.AgentState{state}
	}

	agents, err := a.store.ListAgents(r.Context(), filter)
	if err != nil {
		a.writeStoreError(w, "", err)
		return
	}
	if agents == nil {
		agents = []*store.Agent{}
	}
	a.writeJSON(w, http.StatusOK, agents)
}

// handleAgentSubpath routes /agents/{id}, /agents/{id}/health and
// /agents/{id}/incident.
func (a *API) handleAgentSubpath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.Split(rest, "/")
	agentID := parts[0]
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		a.handleGetAgent(w, r, agentID)
	case len(parts) == 2 && parts[1] == "health":
		a.handleAgentHealth(w, r, agentID)
	case len(parts) == 2 && parts[1] == "issues":
		a.handleAgentIssues(w, r, agentID)
	case len(parts) == 2 && parts[1] == "incident":
		a.handleAgentIncident(w, r, agentID)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	agent, err := a.store.GetAgent(r.Context(), agentID)
	if err != nil {
		a.writeStoreError(w, "", err)
		return
	}
	a.writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleAgentHealth(w http.ResponseWriter, r *http.Request, agentID string) {
	if _, err := a.store.GetAgent(r.Context(), agentID); err != nil {
		a.writeStoreError(w, "", err)
		return
	}
	score, ok := a.coordinator.LatestScore(agentID)
	if !ok {
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "pending", "detail": "agent not yet evaluated"})
		return
	}
	a.writeJSON(w, http.StatusOK, score)
}

func (a *API) handleAgentIssues(w http.ResponseWriter, r *http.Request, agentID string) {
	issues, err := a.store.OpenIssues(r.Context(), agentID)
	if err != nil {
		a.writeStoreError(w, "", err)
		return
	}
	if issues == nil {
		issues = []*store.Issue{}
	}
	a.writeJSON(w, http.StatusOK, issues)
}

func (a *API) handleAgentIncident(w http.ResponseWriter, r *http.Request, agentID string) {
	if _, err := a.store.GetAgent(r.Context(), agentID); err != nil {
		a.writeStoreError(w, "", err)
		return
	}
	report := recovery.CaptureIncident(r.Context(), a.store, agentID, a.cfg.MetricLookback)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=incident-%s.json", agentID))
	a.writeJSON(w, http.StatusOK, report)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	window := time.Hour
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = d
	}
	minSeverity := store.EventInfo
	if s := r.URL.Query().Get("min_severity"); s != "" {
		minSeverity = store.EventSeverity(s)
	}

	events, err := a.store.RecentEvents(r.Context(), window, minSeverity)
	if err != nil {
		a.writeStoreError(w, "", err)
		return
	}
	if events == nil {
		events = []*store.SystemEvent{}
	}
	a.writeJSON(w, http.StatusOK, events)
}

// healthzHandler reports control-plane liveness including store reachability.
type healthzHandler struct {
	store store.Store
}

func (h *healthzHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
