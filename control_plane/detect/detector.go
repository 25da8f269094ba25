// Package detect classifies raw monitoring signals into typed issues. The
// category set is closed so the recovery engine can exhaustively switch on it.
package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/control_plane/anomaly"
	"github.com/wardenhq/warden/control_plane/health"
	"github.com/wardenhq/warden/control_plane/store"
)

// Config holds the thresholds the classifier evaluates against.
type Config struct {
	// UnresponsiveAfter is the heartbeat gap after which an agent is
	// unresponsive (2x heartbeat interval).
	UnresponsiveAfter time.Duration
	// ErrorCeiling is the error_count delta per window considered a spike.
	ErrorCeiling int64
	// DegradedScore: below this with a degrading trend raises
	// performance_degradation.
	DegradedScore float64
	// GenericScore: below this with no specific match raises the generic
	// catch-all.
	GenericScore float64
}

// Signals is everything the classifier looks at for one agent in one cycle.
type Signals struct {
	Agent      *store.Agent
	Now        time.Time
	Score      health.Score
	Anomalies  []*anomaly.Anomaly
	Heartbeats []*store.Heartbeat // recent window, oldest first

	// StoreErrors counts StoreUnavailable failures observed for this agent's
	// recent writes.
	StoreErrors int

	// ForcedState is the coordinator's last forced transition for this agent,
	// empty when none. ForcedAt is when it was applied.
	ForcedState store.AgentState
	ForcedAt    time.Time
}

// Detector classifies signals into issues.
type Detector struct {
	cfg Config
}

// NewDetector builds a detector with the given thresholds.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Classify evaluates the rules in priority order. Several categories may
// co-fire for the same agent; performance_degradation and generic only fire
// when no higher-priority category matched.
func (d *Detector) Classify(sig Signals) []*store.Issue {
	var issues []*store.Issue
	specificMatch := false

	add := func(category store.IssueCategory, severity store.IssueSeverity, evidence map[string]string) {
		issues = append(issues, &store.Issue{
			IssueID:    uuid.NewString(),
			AgentID:    sig.Agent.AgentID,
			Category:   category,
			Severity:   severity,
			Status:     store.IssueDetected,
			DetectedAt: sig.Now,
			Evidence:   evidence,
		})
	}

	// A Stopped agent is silent on purpose: the only thing worth checking is
	// whether it keeps reporting a state that contradicts the stop.
	if sig.Agent.State == store.AgentStopped {
		if contradiction, reported := d.stateContradiction(sig); contradiction {
			add(store.IssueStateInconsistency, store.SeverityHigh, map[string]string{
				"forced_state":   string(sig.ForcedState),
				"reported_state": string(reported),
			})
		}
		return issues
	}

	// 1. unresponsive: no heartbeat within 2x heartbeat interval. Always
	// urgent.
	if gap, stale := d.heartbeatGap(sig); stale {
		specificMatch = true
		add(store.IssueUnresponsive, store.SeverityCritical, map[string]string{
			"heartbeat_gap": gap.String(),
			"threshold":     d.cfg.UnresponsiveAfter.String(),
		})
	}

	// 2. database_issue: StoreUnavailable observed for this agent's writes.
	if sig.StoreErrors > 0 {
		specificMatch = true
		add(store.IssueDatabase, store.SeverityCritical, map[string]string{
			"store_errors": fmt.Sprintf("%d", sig.StoreErrors),
		})
	}

	// 3. resource_exhaustion: a resource metric anomaly at high severity or
	// above.
	for _, a := range sig.Anomalies {
		if !isResourceMetric(a.MetricName) {
			continue
		}
		if a.Severity != store.SeverityHigh && a.Severity != store.SeverityCritical {
			continue
		}
		specificMatch = true
		add(store.IssueResourceExhaustion, a.Severity, map[string]string{
			"metric":  a.MetricName,
			"value":   fmt.Sprintf("%.2f", a.Value),
			"z_score": fmt.Sprintf("%.2f", a.ZScore),
		})
		break // one resource issue per cycle is enough evidence
	}

	// 4. high_error_rate: error_count delta over the window exceeds the
	// ceiling.
	if delta, spiking := d.errorDelta(sig.Heartbeats); spiking {
		specificMatch = true
		sev := store.SeverityHigh
		if delta >= 2*d.cfg.ErrorCeiling {
			sev = store.SeverityCritical
		}
		add(store.IssueHighErrorRate, sev, map[string]string{
			"error_delta": fmt.Sprintf("%d", delta),
			"ceiling":     fmt.Sprintf("%d", d.cfg.ErrorCeiling),
		})
	}

	// 5. performance_degradation: low score and degrading trend, only when
	// nothing more specific already matched.
	if !specificMatch && sig.Score.Value < d.cfg.DegradedScore && sig.Score.Trend == health.TrendDegrading {
		sev := store.SeverityMedium
		if sig.Score.Status == health.StatusCritical {
			sev = store.SeverityHigh
		}
		add(store.IssuePerformance, sev, map[string]string{
			"health_score": fmt.Sprintf("%.1f", sig.Score.Value),
			"trend":        string(sig.Score.Trend),
		})
		specificMatch = true
	}

	// 6. state_inconsistency: the agent's self-reported state contradicts the
	// coordinator's last forced transition.
	if contradiction, reported := d.stateContradiction(sig); contradiction {
		add(store.IssueStateInconsistency, store.SeverityHigh, map[string]string{
			"forced_state":   string(sig.ForcedState),
			"reported_state": string(reported),
		})
		specificMatch = true
	}

	// 7. generic: unclassified degradation.
	if !specificMatch && sig.Score.Value < d.cfg.GenericScore {
		add(store.IssueGeneric, store.SeverityLow, map[string]string{
			"health_score": fmt.Sprintf("%.1f", sig.Score.Value),
		})
	}

	return issues
}

// heartbeatGap returns the time since the newest heartbeat and whether it
// exceeds the unresponsive threshold. An agent with no heartbeats at all in
// the window is treated as unresponsive.
func (d *Detector) heartbeatGap(sig Signals) (time.Duration, bool) {
	if len(sig.Heartbeats) == 0 {
		return d.cfg.UnresponsiveAfter + 1, true
	}
	gap := sig.Now.Sub(sig.Heartbeats[len(sig.Heartbeats)-1].Timestamp)
	return gap, gap > d.cfg.UnresponsiveAfter
}

func (d *Detector) errorDelta(hbs []*store.Heartbeat) (int64, bool) {
	if len(hbs) < 2 || d.cfg.ErrorCeiling <= 0 {
		return 0, false
	}
	delta := hbs[len(hbs)-1].ErrorCount - hbs[0].ErrorCount
	return delta, delta > d.cfg.ErrorCeiling
}

// stateContradiction checks heartbeats emitted after the forced transition.
func (d *Detector) stateContradiction(sig Signals) (bool, store.AgentState) {
	if sig.ForcedState == "" {
		return false, ""
	}
	for i := len(sig.Heartbeats) - 1; i >= 0; i-- {
		hb := sig.Heartbeats[i]
		if !hb.Timestamp.After(sig.ForcedAt) {
			break
		}
		if hb.ReportedState != "" && hb.ReportedState != sig.ForcedState {
			return true, hb.ReportedState
		}
	}
	return false, ""
}

func isResourceMetric(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "cpu") || strings.Contains(n, "mem")
}
