package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/control_plane/store"
)

func series(values ...float64) []Sample {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	out := make([]Sample, 0, len(values))
	for i, v := range values {
		out = append(out, Sample{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: v})
	}
	return out
}

func TestDetectInsufficientData(t *testing.T) {
	d := NewDetector(5, 20)
	_, err := d.Detect("latency_ms", series(1, 2, 3, 4))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestDetectUnremarkablePoint(t *testing.T) {
	d := NewDetector(5, 20)
	a, err := d.Detect("latency_ms", series(10, 12, 11, 9, 10.5))
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestDetectSpike(t *testing.T) {
	d := NewDetector(5, 20)
	// Baseline 10,12,11,9,10,12,11,9 then a far outlier.
	a, err := d.Detect("latency_ms", series(10, 12, 11, 9, 10, 12, 11, 9, 500))
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, store.SeverityCritical, a.Severity)
	assert.Equal(t, 500.0, a.Value)
	assert.Greater(t, a.ZScore, 6.0)
}

func TestDetectZeroStddevDeviation(t *testing.T) {
	d := NewDetector(5, 20)

	// Constant baseline: any deviation is a detection in itself.
	a, err := d.Detect("queue_depth", series(7, 7, 7, 7, 7, 7.1))
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, store.SeverityCritical, a.Severity)
	assert.True(t, math.IsInf(a.ZScore, 1))

	// Downward deviation carries the sign.
	a, err = d.Detect("queue_depth", series(7, 7, 7, 7, 7, 3))
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, math.IsInf(a.ZScore, -1))
}

func TestDetectZeroStddevNoDeviation(t *testing.T) {
	d := NewDetector(5, 20)
	a, err := d.Detect("queue_depth", series(7, 7, 7, 7, 7, 7))
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestSeverityBands(t *testing.T) {
	tests := []struct {
		absZ float64
		want store.IssueSeverity
	}{
		{1.9, store.SeverityNone},
		{2.0, store.SeverityLow},
		{2.9, store.SeverityLow},
		{3.0, store.SeverityMedium},
		{3.9, store.SeverityMedium},
		{4.0, store.SeverityHigh},
		{6.0, store.SeverityHigh},
		{6.1, store.SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, severityFor(tt.absZ), "|z| = %.1f", tt.absZ)
	}
}

func TestBaselineWindowExcludesNewest(t *testing.T) {
	d := NewDetector(5, 3)

	// Window 3: only the three samples before the newest form the baseline.
	// Early garbage outside the window must not dilute it.
	s := series(1000, 1000, 10, 10, 10, 10.2)
	a, err := d.Detect("m", s)
	require.NoError(t, err)
	// Baseline is the constant 10s; 10.2 deviates from a zero-stddev baseline.
	require.NotNil(t, a)
	assert.True(t, math.IsInf(a.ZScore, 1))
}

func TestDetectMetricsGroupsByStream(t *testing.T) {
	d := NewDetector(5, 20)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var rows []*store.PerformanceMetric
	add := func(name string, values ...float64) {
		for i, v := range values {
			rows = append(rows, &store.PerformanceMetric{
				AgentID:    "a",
				MetricName: name,
				Value:      v,
				Timestamp:  base.Add(time.Duration(i) * time.Minute),
			})
		}
	}
	add("cpu_percent", 20, 21, 19, 20, 21, 95) // spiking
	add("latency_ms", 10, 11, 10, 9, 10, 10)   // flat
	add("fresh_metric", 5, 6)                  // below min samples, skipped

	anomalies := d.DetectMetrics(rows)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "cpu_percent", anomalies[0].MetricName)
	assert.Equal(t, 95.0, anomalies[0].Value)
}
