package bottleneck

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plogdev/plog-backend/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// perfSeries builds 10 s buckets from parallel value slices. Missing slices
// leave the field zero.
func perfSeries(avgRT, errRate, vus, tps []float64) []models.TestMetricsPoint {
	n := len(avgRT)
	if len(errRate) > n {
		n = len(errRate)
	}
	if len(vus) > n {
		n = len(vus)
	}
	if len(tps) > n {
		n = len(tps)
	}
	out := make([]models.TestMetricsPoint, n)
	for i := range out {
		out[i].Timestamp = t0.Add(time.Duration(i) * 10 * time.Second)
		if i < len(avgRT) {
			out[i].AvgResponseTime = avgRT[i]
		}
		if i < len(errRate) {
			out[i].ErrorRate = errRate[i]
		}
		if i < len(vus) {
			out[i].VUs = vus[i]
		}
		if i < len(tps) {
			out[i].TPS = tps[i]
		}
	}
	return out
}

func memSamples(values []float64, spacing time.Duration) []ResourceSample {
	out := make([]ResourceSample, len(values))
	for i, v := range values {
		out[i] = ResourceSample{Timestamp: t0.Add(time.Duration(i) * spacing), Value: v}
	}
	return out
}

func TestVUsTPSMismatch(t *testing.T) {
	perf := perfSeries(
		nil, nil,
		[]float64{100, 140, 160, 180, 200, 220},
		[]float64{500, 505, 498, 510, 503, 500},
	)

	problems := NewDetector(time.UTC).Detect(perf, nil)
	require.Len(t, problems, 1)

	p := problems[0]
	assert.Equal(t, models.ProblemVUsTPSMismatch, p.Type)
	assert.InDelta(t, 120.0, p.MetricDetails["vus_increase_rate_percent"].(float64), 0.5)
	assert.Less(t, p.MetricDetails["tps_change_rate_percent"].(float64), 2.0)
}

func TestOOMCorrelation(t *testing.T) {
	// Memory falls off a cliff at 25 s; errors jump 2 -> 8 % twenty seconds
	// later, inside the correlation slop.
	mem := memSamples([]float64{800, 810, 790, 820, 805, 300, 310, 295, 305, 290}, 5*time.Second)
	perf := perfSeries(nil, []float64{2, 2, 2, 2, 8, 8}, nil, nil)

	problems := NewDetector(time.UTC).Detect(perf, []PodResources{{PodName: "P", MemoryMB: mem}})
	require.Len(t, problems, 1)

	p := problems[0]
	assert.Equal(t, models.ProblemOutOfMemoryKill, p.Type)
	assert.Equal(t, models.SeverityCritical, p.Severity)
	assert.Equal(t, "P", p.MetricDetails["pod_name"])
}

func TestOOMRequiresErrorSpike(t *testing.T) {
	mem := memSamples([]float64{800, 810, 790, 820, 805, 300, 310, 295, 305, 290}, 5*time.Second)
	perf := perfSeries(nil, []float64{2, 2, 2, 2, 2, 2}, nil, nil)

	problems := NewDetector(time.UTC).Detect(perf, []PodResources{{PodName: "P", MemoryMB: mem}})
	assert.Empty(t, problems)
}

func TestResponseTimeSurge(t *testing.T) {
	perf := perfSeries(
		[]float64{50, 52, 48, 51, 49, 300, 310, 305, 295},
		nil, nil, nil,
	)

	problems := NewDetector(time.UTC).Detect(perf, nil)
	require.Len(t, problems, 1)

	p := problems[0]
	assert.Equal(t, models.ProblemResponseTimeSpike, p.Type)
	assert.Equal(t, models.SeverityCritical, p.Severity, "a 500%% increase is critical")
	assert.Greater(t, p.MetricDetails["increase_rate_percent"].(float64), 300.0)
}

func TestResponseTimeSingleSpikeIgnored(t *testing.T) {
	// One hot bucket pulls the window mean up but not past the threshold.
	perf := perfSeries(
		[]float64{50, 52, 48, 51, 49, 400, 50, 52, 49},
		nil, nil, nil,
	)
	problems := NewDetector(time.UTC).Detect(perf, nil)
	assert.Empty(t, problems)
}

func TestErrorRateSurge(t *testing.T) {
	perf := perfSeries(
		nil,
		[]float64{0.5, 0.4, 0.6, 0.5, 10, 10, 10, 10, 10, 10, 10, 10},
		nil, nil,
	)

	problems := NewDetector(time.UTC).Detect(perf, nil)
	require.Len(t, problems, 1)

	p := problems[0]
	assert.Equal(t, models.ProblemErrorRateSurge, p.Type)
	assert.Equal(t, models.SeverityWarning, p.Severity)
}

func TestCPUOverload(t *testing.T) {
	perf := perfSeries(
		[]float64{250, 260, 255, 270, 265, 258},
		nil, nil, nil,
	)
	cpu := make([]ResourceSample, 6)
	for i := range cpu {
		cpu[i] = ResourceSample{Timestamp: perf[i].Timestamp, Value: 92}
	}

	problems := NewDetector(time.UTC).Detect(perf, []PodResources{{PodName: "api-0", CPUPercent: cpu}})
	require.Len(t, problems, 1)
	assert.Equal(t, models.ProblemCPUOverload, problems[0].Type)
	assert.Equal(t, models.SeverityCritical, problems[0].Severity)
	assert.Equal(t, "api-0", problems[0].MetricDetails["pod_name"])
}

func TestDetectIsIdempotent(t *testing.T) {
	perf := perfSeries(
		[]float64{50, 52, 48, 51, 49, 300, 310, 305, 295, 320, 315, 298, 305},
		[]float64{0.5, 0.4, 0.6, 0.5, 12, 12, 12, 12, 12, 12, 12, 12, 12},
		[]float64{100, 120, 140, 160, 180, 200, 220, 240, 260, 280, 300, 320, 340},
		[]float64{500, 505, 498, 510, 503, 500, 502, 499, 501, 504, 500, 498, 503},
	)

	d := NewDetector(time.UTC)
	first := d.Detect(perf, nil)
	second := d.Detect(perf, nil)
	assert.Equal(t, first, second)
}

func TestMergedProblemsDoNotOverlap(t *testing.T) {
	// A long elevated plateau triggers the surge rule repeatedly; the merge
	// step must collapse the hits into disjoint intervals per type.
	avgRT := []float64{50, 52, 48, 51, 49}
	for i := 0; i < 12; i++ {
		avgRT = append(avgRT, 400)
	}
	perf := perfSeries(avgRT, nil, nil, nil)

	problems := NewDetector(time.UTC).Detect(perf, nil)
	require.NotEmpty(t, problems)

	byType := map[models.ProblemType][]models.PerformanceProblem{}
	for _, p := range problems {
		byType[p.Type] = append(byType[p.Type], p)
	}
	for _, group := range byType {
		for i := 1; i < len(group); i++ {
			assert.True(t, group[i].StartedAt.After(group[i-1].EndedAt),
				"same-type problems must be disjoint after merge")
		}
	}
}

func TestGenerateAIAnalysisContext(t *testing.T) {
	perf := perfSeries(
		[]float64{50, 52, 48, 51, 49, 300, 310, 305, 295},
		nil, nil, nil,
	)
	d := NewDetector(time.UTC)
	problems := d.Detect(perf, nil)
	require.NotEmpty(t, problems)

	out := d.GenerateAIAnalysisContext(problems)
	assert.Contains(t, out, "## 타임라인")
	assert.Contains(t, out, "종합 분석 요청")
	assert.Contains(t, out, "🔥")
	assert.Contains(t, out, "응답시간 급증")
}

func TestGenerateAIAnalysisContextEmpty(t *testing.T) {
	out := NewDetector(time.UTC).GenerateAIAnalysisContext(nil)
	assert.Contains(t, out, "종합 분석 요청")
	assert.False(t, strings.Contains(out, "## 감지된 문제"))
}
