// Package health turns a window of heartbeats and metrics for one agent into
// a 0-100 composite score with a trend classification. Scoring is pure: given
// identical input rows the result is identical, which is what makes it
// testable.
package health

import (
	"math"
	"strings"
	"time"

	"github.com/wardenhq/warden/control_plane/store"
)

// Status buckets the composite score.
type Status string

const (
	StatusExcellent Status = "excellent"
	StatusGood      Status = "good"
	StatusFair      Status = "fair"
	StatusPoor      Status = "poor"
	StatusCritical  Status = "critical"
)

// Trend compares the current window against the previous equal-length window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Weights are the sub-score weights; they must sum to 1.0 (validated at
// startup by the config package).
type Weights struct {
	Heartbeat   float64
	Performance float64
	ErrorRate   float64
	Resource    float64
	Business    float64
}

// DefaultWeights returns the standard 30/25/20/15/10 split.
func DefaultWeights() Weights {
	return Weights{Heartbeat: 0.30, Performance: 0.25, ErrorRate: 0.20, Resource: 0.15, Business: 0.10}
}

// BusinessImpactFunc supplies the externally defined business-impact sub-score
// (0-100) for an agent, e.g. from a criticality tier. The formula is
// deliberately pluggable rather than fixed.
type BusinessImpactFunc func(agent *store.Agent) float64

// NeutralBusinessImpact awards full marks to every agent.
func NeutralBusinessImpact(*store.Agent) float64 { return 100 }

// Score is the result of one evaluation.
type Score struct {
	Value     float64   `json:"value"`
	Status    Status    `json:"status"`
	Trend     Trend     `json:"trend"`
	Breakdown Breakdown `json:"breakdown"`
}

// Breakdown exposes the normalized sub-scores (each 0-100) behind the
// composite, for evidence payloads and dashboards.
type Breakdown struct {
	Heartbeat   float64 `json:"heartbeat"`
	Performance float64 `json:"performance"`
	ErrorRate   float64 `json:"error_rate"`
	Resource    float64 `json:"resource"`
	Business    float64 `json:"business"`
}

// Input carries everything one evaluation needs. Previous-window rows feed the
// trend computation and may be empty on a cold start.
type Input struct {
	Agent             *store.Agent
	Now               time.Time
	Window            time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	ErrorCeiling      int64
	CPUCeiling        float64
	MemoryCeiling     float64

	Heartbeats     []*store.Heartbeat
	Metrics        []*store.PerformanceMetric
	PrevHeartbeats []*store.Heartbeat
	PrevMetrics    []*store.PerformanceMetric
}

// Scorer computes health scores. The zero value is not usable; construct with
// NewScorer.
type Scorer struct {
	weights   Weights
	trendBand float64
	business  BusinessImpactFunc
}

// Option customizes a Scorer.
type Option func(*Scorer)

// WithBusinessImpact replaces the business-impact supplier.
func WithBusinessImpact(fn BusinessImpactFunc) Option {
	return func(s *Scorer) { s.business = fn }
}

// NewScorer builds a scorer with the given weights and trend band (the score
// delta beyond which the trend stops being "stable").
func NewScorer(w Weights, trendBand float64, opts ...Option) *Scorer {
	s := &Scorer{weights: w, trendBand: trendBand, business: NeutralBusinessImpact}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate scores the current window and derives the trend against the
// previous equal-length window.
func (s *Scorer) Evaluate(in Input) Score {
	breakdown := s.subscores(in, in.Heartbeats, in.Metrics, in.Now)
	value := s.composite(breakdown)

	trend := TrendStable
	if len(in.PrevHeartbeats) > 0 || len(in.PrevMetrics) > 0 {
		prevBreakdown := s.subscores(in, in.PrevHeartbeats, in.PrevMetrics, in.Now.Add(-in.Window))
		prev := s.composite(prevBreakdown)
		switch delta := value - prev; {
		case delta > s.trendBand:
			trend = TrendImproving
		case delta < -s.trendBand:
			trend = TrendDegrading
		}
	}

	return Score{
		Value:     round1(value),
		Status:    statusFor(value),
		Trend:     trend,
		Breakdown: breakdown,
	}
}

func (s *Scorer) composite(b Breakdown) float64 {
	return b.Heartbeat*s.weights.Heartbeat +
		b.Performance*s.weights.Performance +
		b.ErrorRate*s.weights.ErrorRate +
		b.Resource*s.weights.Resource +
		b.Business*s.weights.Business
}

func (s *Scorer) subscores(in Input, hbs []*store.Heartbeat, metrics []*store.PerformanceMetric, windowEnd time.Time) Breakdown {
	return Breakdown{
		Heartbeat:   round1(heartbeatConsistency(hbs, in.Window, in.HeartbeatInterval, in.StaleThreshold, windowEnd)),
		Performance: round1(performanceScore(metrics)),
		ErrorRate:   round1(errorRateScore(hbs, in.ErrorCeiling)),
		Resource:    round1(resourceScore(metrics, hbs, in.CPUCeiling, in.MemoryCeiling)),
		Business:    round1(clamp(s.business(in.Agent))),
	}
}

// heartbeatConsistency is the ratio of actual vs expected heartbeats in the
// window, penalized per gap exceeding the stale threshold. The gap between the
// newest heartbeat and the end of the window counts too.
func heartbeatConsistency(hbs []*store.Heartbeat, window, interval, staleThreshold time.Duration, windowEnd time.Time) float64 {
	if interval <= 0 || window <= 0 {
		return 0
	}
	expected := float64(window) / float64(interval)
	if expected < 1 {
		expected = 1
	}
	if len(hbs) == 0 {
		return 0
	}

	ratio := float64(len(hbs)) / expected
	if ratio > 1 {
		ratio = 1
	}
	score := ratio * 100

	gaps := 0
	for i := 1; i < len(hbs); i++ {
		if hbs[i].Timestamp.Sub(hbs[i-1].Timestamp) > staleThreshold {
			gaps++
		}
	}
	if windowEnd.Sub(hbs[len(hbs)-1].Timestamp) > staleThreshold {
		gaps++
	}
	score -= float64(gaps) * 20

	return clamp(score)
}

// performanceScore compares the newer half of each metric stream against the
// older half as a rolling baseline. Neutral when there is not enough data.
func performanceScore(metrics []*store.PerformanceMetric) float64 {
	streams := make(map[string][]float64)
	for _, m := range metrics {
		streams[m.MetricName] = append(streams[m.MetricName], m.Value)
	}
	if len(streams) == 0 {
		return 100
	}

	var total float64
	var counted int
	for _, values := range streams {
		if len(values) < 4 {
			continue
		}
		mid := len(values) / 2
		baseline := mean(values[:mid])
		recent := mean(values[mid:])

		denom := math.Abs(baseline)
		if denom < 1e-9 {
			denom = 1
		}
		drift := math.Abs(recent-baseline) / denom
		total += clamp((1 - drift) * 100)
		counted++
	}
	if counted == 0 {
		return 100
	}
	return total / float64(counted)
}

// errorRateScore inverts the error_count delta over the window against the
// configured ceiling.
func errorRateScore(hbs []*store.Heartbeat, ceiling int64) float64 {
	if len(hbs) < 2 || ceiling <= 0 {
		return 100
	}
	delta := hbs[len(hbs)-1].ErrorCount - hbs[0].ErrorCount
	if delta <= 0 {
		return 100
	}
	frac := float64(delta) / float64(ceiling)
	if frac > 1 {
		frac = 1
	}
	return (1 - frac) * 100
}

// resourceScore measures CPU/memory usage against the configured ceilings.
// Resource readings come from the metric stream or, failing that, from the
// heartbeat metric snapshots.
func resourceScore(metrics []*store.PerformanceMetric, hbs []*store.Heartbeat, cpuCeiling, memCeiling float64) float64 {
	var cpu, mem []float64
	for _, m := range metrics {
		switch {
		case isCPUMetric(m.MetricName):
			cpu = append(cpu, m.Value)
		case isMemoryMetric(m.MetricName):
			mem = append(mem, m.Value)
		}
	}
	if len(cpu) == 0 && len(mem) == 0 {
		for _, hb := range hbs {
			for name, v := range hb.Metrics {
				switch {
				case isCPUMetric(name):
					cpu = append(cpu, v)
				case isMemoryMetric(name):
					mem = append(mem, v)
				}
			}
		}
	}

	var total float64
	var counted int
	if len(cpu) > 0 && cpuCeiling > 0 {
		total += headroom(mean(cpu), cpuCeiling)
		counted++
	}
	if len(mem) > 0 && memCeiling > 0 {
		total += headroom(mean(mem), memCeiling)
		counted++
	}
	if counted == 0 {
		return 100
	}
	return total / float64(counted)
}

func headroom(usage, ceiling float64) float64 {
	frac := usage / ceiling
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return (1 - frac) * 100
}

func isCPUMetric(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "cpu")
}

func isMemoryMetric(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "mem")
}

func statusFor(value float64) Status {
	switch {
	case value >= 90:
		return StatusExcellent
	case value >= 75:
		return StatusGood
	case value >= 60:
		return StatusFair
	case value >= 40:
		return StatusPoor
	default:
		return StatusCritical
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
