package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/control_plane/anomaly"
	"github.com/wardenhq/warden/control_plane/health"
	"github.com/wardenhq/warden/control_plane/store"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		UnresponsiveAfter: time.Minute, // 2x a 30s heartbeat interval
		ErrorCeiling:      10,
		DegradedScore:     50,
		GenericScore:      70,
	}
}

func beats(offsets ...time.Duration) []*store.Heartbeat {
	out := make([]*store.Heartbeat, 0, len(offsets))
	for _, off := range offsets {
		out = append(out, &store.Heartbeat{
			AgentID:       "a",
			Timestamp:     testNow.Add(off),
			ReportedState: store.AgentActive,
		})
	}
	return out
}

func healthySignals() Signals {
	return Signals{
		Agent:      &store.Agent{AgentID: "a", State: store.AgentActive},
		Now:        testNow,
		Score:      health.Score{Value: 95, Status: health.StatusExcellent, Trend: health.TrendStable},
		Heartbeats: beats(-90*time.Second, -time.Minute, -30*time.Second),
	}
}

func categories(issues []*store.Issue) []store.IssueCategory {
	out := make([]store.IssueCategory, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Category)
	}
	return out
}

func TestHealthyAgentRaisesNothing(t *testing.T) {
	d := NewDetector(testConfig())
	assert.Empty(t, d.Classify(healthySignals()))
}

func TestUnresponsiveTiming(t *testing.T) {
	tests := []struct {
		name string
		gap  time.Duration
		want bool
	}{
		{"fresh beat", 30 * time.Second, false},
		{"exactly at threshold", time.Minute, false}, // strictly greater fires
		{"just past threshold", time.Minute + time.Second, true},
		{"long silence", 10 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(testConfig())
			sig := healthySignals()
			sig.Heartbeats = beats(-tt.gap)

			issues := d.Classify(sig)
			if tt.want {
				require.NotEmpty(t, issues)
				assert.Equal(t, store.IssueUnresponsive, issues[0].Category)
				assert.Equal(t, store.SeverityCritical, issues[0].Severity)
			} else {
				assert.NotContains(t, categories(issues), store.IssueUnresponsive)
			}
		})
	}
}

func TestNoHeartbeatsAtAllIsUnresponsive(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.Heartbeats = nil

	issues := d.Classify(sig)
	require.NotEmpty(t, issues)
	assert.Equal(t, store.IssueUnresponsive, issues[0].Category)
}

func TestStoreErrorsRaiseDatabaseIssue(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.StoreErrors = 3

	issues := d.Classify(sig)
	require.Len(t, issues, 1)
	assert.Equal(t, store.IssueDatabase, issues[0].Category)
	assert.Equal(t, store.SeverityCritical, issues[0].Severity)
}

func TestResourceAnomalyRaisesExhaustion(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.Anomalies = []*anomaly.Anomaly{
		{MetricName: "latency_ms", Severity: store.SeverityCritical, ZScore: 8}, // not a resource metric
		{MetricName: "memory_percent", Severity: store.SeverityHigh, ZScore: 5},
		{MetricName: "cpu_percent", Severity: store.SeverityLow, ZScore: 2.5}, // below the bar
	}

	issues := d.Classify(sig)
	require.Len(t, issues, 1)
	assert.Equal(t, store.IssueResourceExhaustion, issues[0].Category)
	assert.Equal(t, "memory_percent", issues[0].Evidence["metric"])
}

func TestErrorRateSpike(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.Heartbeats[0].ErrorCount = 0
	sig.Heartbeats[len(sig.Heartbeats)-1].ErrorCount = 15

	issues := d.Classify(sig)
	require.Len(t, issues, 1)
	assert.Equal(t, store.IssueHighErrorRate, issues[0].Category)
	assert.Equal(t, store.SeverityHigh, issues[0].Severity)
}

func TestErrorRateCriticalAtDoubleCeiling(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.Heartbeats[len(sig.Heartbeats)-1].ErrorCount = 25

	issues := d.Classify(sig)
	require.Len(t, issues, 1)
	assert.Equal(t, store.SeverityCritical, issues[0].Severity)
}

func TestCoFiringCategories(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	// Unresponsive AND error spike in the same cycle.
	sig.Heartbeats = []*store.Heartbeat{
		{AgentID: "a", Timestamp: testNow.Add(-10 * time.Minute), ErrorCount: 0},
		{AgentID: "a", Timestamp: testNow.Add(-5 * time.Minute), ErrorCount: 50},
	}

	got := categories(d.Classify(sig))
	assert.Contains(t, got, store.IssueUnresponsive)
	assert.Contains(t, got, store.IssueHighErrorRate)
}

func TestDegradationSuppressedBySpecificMatch(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.Score = health.Score{Value: 45, Status: health.StatusPoor, Trend: health.TrendDegrading}
	sig.StoreErrors = 1 // specific match present

	got := categories(d.Classify(sig))
	assert.Contains(t, got, store.IssueDatabase)
	assert.NotContains(t, got, store.IssuePerformance)
	assert.NotContains(t, got, store.IssueGeneric)
}

func TestPerformanceDegradation(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.Score = health.Score{Value: 45, Status: health.StatusPoor, Trend: health.TrendDegrading}

	issues := d.Classify(sig)
	require.Len(t, issues, 1)
	assert.Equal(t, store.IssuePerformance, issues[0].Category)
	assert.Equal(t, store.SeverityMedium, issues[0].Severity)
}

func TestLowScoreWithoutDegradingTrendIsGeneric(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.Score = health.Score{Value: 65, Status: health.StatusFair, Trend: health.TrendStable}

	issues := d.Classify(sig)
	require.Len(t, issues, 1)
	assert.Equal(t, store.IssueGeneric, issues[0].Category)
	assert.Equal(t, store.SeverityLow, issues[0].Severity)
}

func TestStateInconsistency(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.ForcedState = store.AgentRecovering
	sig.ForcedAt = testNow.Add(-2 * time.Minute)
	// Heartbeats after the forced transition report Active.

	got := categories(d.Classify(sig))
	assert.Contains(t, got, store.IssueStateInconsistency)
}

func TestNoInconsistencyWhenReportsMatchForcedState(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.ForcedState = store.AgentRecovering
	sig.ForcedAt = testNow.Add(-2 * time.Minute)
	for _, hb := range sig.Heartbeats {
		hb.ReportedState = store.AgentRecovering
	}

	got := categories(d.Classify(sig))
	assert.NotContains(t, got, store.IssueStateInconsistency)
}

func TestStoppedAgentReportingActiveIsInconsistent(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.Agent.State = store.AgentStopped
	sig.ForcedState = store.AgentStopped
	sig.ForcedAt = testNow.Add(-2 * time.Minute)
	// Beats after the forced stop still claim Active.

	issues := d.Classify(sig)
	require.Len(t, issues, 1)
	assert.Equal(t, store.IssueStateInconsistency, issues[0].Category)
	assert.Equal(t, store.SeverityHigh, issues[0].Severity)
	assert.Equal(t, string(store.AgentStopped), issues[0].Evidence["forced_state"])
	assert.Equal(t, string(store.AgentActive), issues[0].Evidence["reported_state"])
}

func TestStoppedAgentSilenceIsNotUnresponsive(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.Agent.State = store.AgentStopped
	sig.ForcedState = store.AgentStopped
	sig.ForcedAt = testNow.Add(-2 * time.Minute)
	sig.Heartbeats = nil // stopped means silent, that is the point
	sig.Score = health.Score{Value: 0, Status: health.StatusCritical, Trend: health.TrendStable}

	assert.Empty(t, d.Classify(sig))
}

func TestNoInconsistencyForBeatsBeforeForcedTransition(t *testing.T) {
	d := NewDetector(testConfig())
	sig := healthySignals()
	sig.ForcedState = store.AgentStopped
	sig.ForcedAt = testNow // all beats predate the forced stop

	got := categories(d.Classify(sig))
	assert.NotContains(t, got, store.IssueStateInconsistency)
}
