// Package anomaly flags out-of-distribution metric observations using a
// z-score over the trailing samples of a single (agent, metric) stream.
package anomaly

import (
	"errors"
	"math"
	"time"

	"github.com/wardenhq/warden/control_plane/store"
)

// ErrInsufficientData is returned below the minimum sample count so a cold
// stream never produces false positives.
var ErrInsufficientData = errors.New("insufficient data for anomaly detection")

// Sample is one (timestamp, value) observation, oldest first in a series.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Anomaly describes an out-of-distribution observation.
type Anomaly struct {
	MetricName string              `json:"metric_name"`
	Value      float64             `json:"value"`
	ZScore     float64             `json:"z_score"`
	Severity   store.IssueSeverity `json:"severity"`
	DetectedAt time.Time           `json:"detected_at"`
}

// Detector computes z-scores for the newest point of a series against the
// trailing window (excluding the newest point).
type Detector struct {
	// MinSamples is the minimum series length before detection runs.
	MinSamples int
	// Window is the maximum number of trailing samples used as the baseline.
	Window int
}

// NewDetector builds a detector; defaults are 5 minimum samples and a
// 20-sample baseline window.
func NewDetector(minSamples, window int) *Detector {
	if minSamples <= 0 {
		minSamples = 5
	}
	if window <= 0 {
		window = 20
	}
	return &Detector{MinSamples: minSamples, Window: window}
}

// Detect examines the newest point of series. It returns ErrInsufficientData
// below the minimum sample count, nil when the point is unremarkable, and an
// Anomaly otherwise.
//
// A zero standard deviation (constant baseline) with any deviation is itself
// a detection signal and maps straight to critical severity; the division by
// zero is never performed.
func (d *Detector) Detect(metricName string, series []Sample) (*Anomaly, error) {
	if len(series) < d.MinSamples {
		return nil, ErrInsufficientData
	}

	newest := series[len(series)-1]
	baseline := series[:len(series)-1]
	if len(baseline) > d.Window {
		baseline = baseline[len(baseline)-d.Window:]
	}

	m := meanOf(baseline)
	sd := stddevOf(baseline, m)

	var z float64
	if sd == 0 {
		if newest.Value == m {
			return nil, nil
		}
		z = math.Inf(sign(newest.Value - m))
	} else {
		z = (newest.Value - m) / sd
	}

	sev := severityFor(math.Abs(z))
	if sev == store.SeverityNone {
		return nil, nil
	}
	return &Anomaly{
		MetricName: metricName,
		Value:      newest.Value,
		ZScore:     z,
		Severity:   sev,
		DetectedAt: newest.Timestamp,
	}, nil
}

// DetectMetrics groups rows by metric name and runs detection per stream.
// Streams still below the minimum sample count are silently skipped.
func (d *Detector) DetectMetrics(rows []*store.PerformanceMetric) []*Anomaly {
	streams := make(map[string][]Sample)
	var order []string
	for _, m := range rows {
		if _, ok := streams[m.MetricName]; !ok {
			order = append(order, m.MetricName)
		}
		streams[m.MetricName] = append(streams[m.MetricName], Sample{Timestamp: m.Timestamp, Value: m.Value})
	}

	var result []*Anomaly
	for _, name := range order {
		a, err := d.Detect(name, streams[name])
		if err != nil || a == nil {
			continue
		}
		result = append(result, a)
	}
	return result
}

// severityFor maps |z| to a severity band.
func severityFor(absZ float64) store.IssueSeverity {
	switch {
	case absZ < 2:
		return store.SeverityNone
	case absZ < 3:
		return store.SeverityLow
	case absZ < 4:
		return store.SeverityMedium
	case absZ <= 6:
		return store.SeverityHigh
	default:
		return store.SeverityCritical
	}
}

func meanOf(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}

func stddevOf(samples []Sample, mean float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		d := s.Value - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}
