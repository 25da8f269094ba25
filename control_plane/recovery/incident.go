package recovery

import (
	"context"
	"time"

	"github.com/wardenhq/warden/control_plane/store"
)

// IncidentReport bundles the context around a failed or escalated recovery so
// an operator does not have to reassemble it from raw tables.
type IncidentReport struct {
	AgentID    string                     `json:"agent_id"`
	Agent      *store.Agent               `json:"agent,omitempty"`
	Heartbeats []*store.Heartbeat         `json:"heartbeats,omitempty"`
	Metrics    []*store.PerformanceMetric `json:"metrics,omitempty"`
	Events     []*store.SystemEvent       `json:"events,omitempty"`
	CapturedAt time.Time                  `json:"captured_at"`
}

// CaptureIncident gathers the agent row plus its recent heartbeats, metrics
// and warning-or-worse events. Partial data is fine: a capture must never
// fail the recovery path, so read errors just leave sections empty.
func CaptureIncident(ctx context.Context, s store.Store, agentID string, window time.Duration) *IncidentReport {
	report := &IncidentReport{AgentID: agentID, CapturedAt: time.Now()}

	if agent, err := s.GetAgent(ctx, agentID); err == nil {
		report.Agent = agent
	}
	if hbs, err := s.RecentHeartbeats(ctx, agentID, window); err == nil {
		report.Heartbeats = hbs
	}
	if metrics, err := s.RecentMetrics(ctx, agentID, "", window); err == nil {
		report.Metrics = metrics
	}
	if events, err := s.RecentEvents(ctx, window, store.EventWarning); err == nil {
		for _, e := range events {
			if e.AgentID == agentID {
				report.Events = append(report.Events, e)
			}
		}
	}
	return report
}
