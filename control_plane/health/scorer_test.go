package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/control_plane/store"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// steadyHeartbeats returns count beats spaced by interval, the newest landing
// exactly at end.
func steadyHeartbeats(agentID string, end time.Time, interval time.Duration, count int, errorCount int64) []*store.Heartbeat {
	out := make([]*store.Heartbeat, 0, count)
	for i := count - 1; i >= 0; i-- {
		out = append(out, &store.Heartbeat{
			AgentID:       agentID,
			Timestamp:     end.Add(-time.Duration(i) * interval),
			ReportedState: store.AgentActive,
			ErrorCount:    errorCount,
		})
	}
	return out
}

func metricStream(agentID, name string, end time.Time, values []float64) []*store.PerformanceMetric {
	out := make([]*store.PerformanceMetric, 0, len(values))
	for i, v := range values {
		out = append(out, &store.PerformanceMetric{
			AgentID:    agentID,
			MetricName: name,
			Value:      v,
			Timestamp:  end.Add(-time.Duration(len(values)-1-i) * time.Minute),
		})
	}
	return out
}

func healthyInput(agent *store.Agent) Input {
	return Input{
		Agent:             agent,
		Now:               testNow,
		Window:            5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		StaleThreshold:    2 * time.Minute,
		ErrorCeiling:      10,
		CPUCeiling:        90,
		MemoryCeiling:     90,
		Heartbeats:        steadyHeartbeats(agent.AgentID, testNow, 30*time.Second, 10, 0),
		Metrics:           metricStream(agent.AgentID, "cpu_percent", testNow, []float64{20, 20, 20, 20}),
	}
}

func TestHealthyAgentScoresExcellent(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), 5)
	agent := &store.Agent{AgentID: "a", State: store.AgentActive}

	score := scorer.Evaluate(healthyInput(agent))

	// Steady beats, zero errors, flat cpu at 20/90:
	// 30 + 25 + 20 + 0.15*77.8 + 10 = 96.7
	assert.InDelta(t, 96.7, score.Value, 0.1)
	assert.Equal(t, StatusExcellent, score.Status)
	assert.Equal(t, TrendStable, score.Trend)
	assert.Equal(t, 100.0, score.Breakdown.Heartbeat)
	assert.Equal(t, 100.0, score.Breakdown.ErrorRate)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), 5)
	agent := &store.Agent{AgentID: "a", State: store.AgentActive}
	in := healthyInput(agent)

	first := scorer.Evaluate(in)
	second := scorer.Evaluate(in)
	assert.Equal(t, first, second)
}

func TestNoHeartbeatsZeroesHeartbeatSubScore(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), 5)
	agent := &store.Agent{AgentID: "a", State: store.AgentActive}
	in := healthyInput(agent)
	in.Heartbeats = nil

	score := scorer.Evaluate(in)
	assert.Equal(t, 0.0, score.Breakdown.Heartbeat)
	assert.Less(t, score.Value, 70.0)
}

func TestGapPenalty(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), 5)
	agent := &store.Agent{AgentID: "a", State: store.AgentActive}

	clean := healthyInput(agent)
	cleanScore := scorer.Evaluate(clean)

	// Same beat count, but the newest beat is 3 minutes stale, past the
	// 2 minute threshold.
	gapped := healthyInput(agent)
	gapped.Heartbeats = steadyHeartbeats("a", testNow.Add(-3*time.Minute), 10*time.Second, 10, 0)
	gappedScore := scorer.Evaluate(gapped)

	assert.Less(t, gappedScore.Breakdown.Heartbeat, cleanScore.Breakdown.Heartbeat)
}

func TestErrorSpikeDrainsErrorSubScore(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), 5)
	agent := &store.Agent{AgentID: "a", State: store.AgentActive}
	in := healthyInput(agent)

	// Cumulative counter jumps by the full ceiling over the window.
	in.Heartbeats[0].ErrorCount = 0
	in.Heartbeats[len(in.Heartbeats)-1].ErrorCount = 10

	score := scorer.Evaluate(in)
	assert.Equal(t, 0.0, score.Breakdown.ErrorRate)
}

func TestTrendDegrading(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), 5)
	agent := &store.Agent{AgentID: "a", State: store.AgentActive}
	in := healthyInput(agent)

	// Previous window was clean; current window burns through the error
	// ceiling, dropping the composite by 20 points.
	in.PrevHeartbeats = steadyHeartbeats("a", testNow.Add(-5*time.Minute), 30*time.Second, 10, 0)
	in.Heartbeats[len(in.Heartbeats)-1].ErrorCount = 20

	score := scorer.Evaluate(in)
	assert.Equal(t, TrendDegrading, score.Trend)
}

func TestTrendStableOnColdStart(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), 5)
	agent := &store.Agent{AgentID: "a", State: store.AgentActive}
	in := healthyInput(agent)
	in.PrevHeartbeats = nil
	in.PrevMetrics = nil

	score := scorer.Evaluate(in)
	assert.Equal(t, TrendStable, score.Trend)
}

func TestStatusBoundaries(t *testing.T) {
	tests := []struct {
		value float64
		want  Status
	}{
		{95, StatusExcellent},
		{90, StatusExcellent},
		{89.9, StatusGood},
		{75, StatusGood},
		{60, StatusFair},
		{59.9, StatusPoor},
		{40, StatusPoor},
		{39.9, StatusCritical},
		{0, StatusCritical},
	}
	for _, tt := range tests {
		// Concentrating all weight on the business sub-score makes the
		// composite equal the injected value.
		scorer := NewScorer(Weights{Business: 1}, 5,
			WithBusinessImpact(func(*store.Agent) float64 { return tt.value }))
		score := scorer.Evaluate(Input{
			Agent: &store.Agent{AgentID: "a"},
			Now:   testNow, Window: 5 * time.Minute,
			HeartbeatInterval: 30 * time.Second, StaleThreshold: 2 * time.Minute,
		})
		assert.Equal(t, tt.want, score.Status, "value %.1f", tt.value)
	}
}

func TestBusinessImpactPluggable(t *testing.T) {
	agent := &store.Agent{AgentID: "a", Config: map[string]string{"tier": "critical"}}

	neutral := NewScorer(DefaultWeights(), 5).Evaluate(healthyInput(agent))

	tiered := NewScorer(DefaultWeights(), 5, WithBusinessImpact(func(a *store.Agent) float64 {
		if a.Config["tier"] == "critical" {
			return 40
		}
		return 100
	})).Evaluate(healthyInput(agent))

	require.Equal(t, 100.0, neutral.Breakdown.Business)
	assert.Equal(t, 40.0, tiered.Breakdown.Business)
	assert.Less(t, tiered.Value, neutral.Value)
}

func TestPerformanceDriftLowersSubScore(t *testing.T) {
	scorer := NewScorer(DefaultWeights(), 5)
	agent := &store.Agent{AgentID: "a", State: store.AgentActive}
	in := healthyInput(agent)

	// Latency doubles in the newer half of the stream.
	in.Metrics = metricStream("a", "latency_ms", testNow, []float64{100, 100, 200, 200})

	score := scorer.Evaluate(in)
	assert.Less(t, score.Breakdown.Performance, 100.0)
}
