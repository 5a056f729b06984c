// Package bottleneck is the deterministic diagnostic engine. It scans the
// stored performance and resource time series for sustained patterns and
// packages each finding as a typed PerformanceProblem with enough structured
// evidence for the downstream LLM to reason about.
package bottleneck

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/plogdev/plog-backend/internal/models"
)

const (
	rtBaselineBuckets = 5
	rtWindow          = 4
	rtMinAbsoluteMS   = 100.0

	mismatchWindow       = 6
	mismatchVUsRisePct   = 30.0
	mismatchTPSFlatPct   = 10.0
	mismatchMonotoneFrac = 0.8

	errWindow       = 6
	errMinBaselineN = 3

	cpuOverloadPct   = 80.0
	cpuOverloadRTMS  = 200.0
	memExhaustionPct = 85.0
	memExhaustionErr = 5.0

	oomHalfWindow    = 5
	oomDropFrac      = 0.30
	oomErrIncrement  = 3.0
	oomErrFloor      = 5.0
	oomCorrelateSlop = 45 * time.Second

	// Same-type intervals closer than this are considered one incident.
	mergeGap = 5 * time.Second

	// Resource samples are matched to a performance bucket when their
	// timestamps are this close.
	resourceMatchSlop = 5 * time.Second
)

// ResourceSample is one timestamped resource reading for a pod.
type ResourceSample struct {
	Timestamp time.Time
	Value     float64
}

// PodResources carries the per-pod series the resource rules need. Percent
// series are usage relative to the pod's limit; MemoryMB is the raw series
// used for OOM drop detection.
type PodResources struct {
	PodName       string
	CPUPercent    []ResourceSample
	MemoryPercent []ResourceSample
	MemoryMB      []ResourceSample
}

// PodResourcesFromPoints converts stored resource points into the detector's
// input shape, deriving percentages from the recorded limits.
func PodResourcesFromPoints(podName string, points []models.TestResourcePoint) PodResources {
	pr := PodResources{PodName: podName}
	for _, p := range points {
		s := ResourceSample{Timestamp: p.Timestamp, Value: p.Value}
		switch p.MetricType {
		case models.ResourceMetricCPU:
			if p.CPULimit != nil && *p.CPULimit > 0 {
				pr.CPUPercent = append(pr.CPUPercent, ResourceSample{
					Timestamp: p.Timestamp,
					Value:     p.Value / *p.CPULimit * 100,
				})
			}
		case models.ResourceMetricMemory:
			pr.MemoryMB = append(pr.MemoryMB, s)
			if p.MemLimitMB != nil && *p.MemLimitMB > 0 {
				pr.MemoryPercent = append(pr.MemoryPercent, ResourceSample{
					Timestamp: p.Timestamp,
					Value:     p.Value / *p.MemLimitMB * 100,
				})
			}
		}
	}
	return pr
}

// Detector finds sustained bottleneck patterns. It is a pure function of its
// inputs; running it twice on the same series yields equal output.
type Detector struct {
	loc *time.Location
}

func NewDetector(loc *time.Location) *Detector {
	if loc == nil {
		loc = time.UTC
	}
	return &Detector{loc: loc}
}

// Detect runs every rule over the series and returns the merged problem set,
// sorted by start time. Merged problems of the same type never overlap.
func (d *Detector) Detect(perf []models.TestMetricsPoint, pods []PodResources) []models.PerformanceProblem {
	var found []models.PerformanceProblem
	found = append(found, d.responseTimeSurges(perf)...)
	found = append(found, d.vusTPSMismatches(perf)...)
	found = append(found, d.errorRateSurges(perf)...)
	for _, pod := range pods {
		found = append(found, d.cpuOverloads(perf, pod)...)
		found = append(found, d.memoryExhaustions(perf, pod)...)
		found = append(found, d.oomCorrelations(perf, pod)...)
	}
	return mergeProblems(found)
}

// responseTimeSurges flags 4-bucket windows whose mean response time both
// exceeds an absolute floor and has grown far past the early-run baseline.
func (d *Detector) responseTimeSurges(perf []models.TestMetricsPoint) []models.PerformanceProblem {
	if len(perf) < rtBaselineBuckets+rtWindow {
		return nil
	}
	baseline := meanOf(perf[:rtBaselineBuckets], func(p models.TestMetricsPoint) float64 { return p.AvgResponseTime })
	if baseline <= 0 {
		return nil
	}

	var out []models.PerformanceProblem
	for i := rtBaselineBuckets; i+rtWindow <= len(perf); {
		window := perf[i : i+rtWindow]
		mean := meanOf(window, func(p models.TestMetricsPoint) float64 { return p.AvgResponseTime })
		increase := (mean/baseline - 1) * 100
		if mean <= rtMinAbsoluteMS || increase <= 200 {
			i++
			continue
		}

		severity := models.SeverityWarning
		if increase > 300 {
			severity = models.SeverityCritical
		}
		start, end := window[0].Timestamp, window[len(window)-1].Timestamp
		out = append(out, models.PerformanceProblem{
			Type:            models.ProblemResponseTimeSpike,
			Severity:        severity,
			Confidence:      confidenceFromRatio(increase, 300),
			StartedAt:       start,
			EndedAt:         end,
			DurationSeconds: end.Sub(start).Seconds(),
			RootCause:       "Response time rose sharply against the early-run baseline and stayed elevated.",
			Evidence: []string{
				fmt.Sprintf("baseline avg_rt %.1f ms, window avg_rt %.1f ms (+%.0f%%)", baseline, mean, increase),
			},
			PerformanceImpact: fmt.Sprintf("Requests in this window took %.1fx the baseline latency.", mean/baseline),
			AIPromptContext: fmt.Sprintf(
				"Sustained response-time surge: window mean %.1f ms vs baseline %.1f ms (+%.0f%%) across %d buckets.",
				mean, baseline, increase, rtWindow),
			MetricDetails: map[string]any{
				"baseline_avg_rt_ms":   round2(baseline),
				"window_avg_rt_ms":     round2(mean),
				"increase_rate_percent": round2(increase),
			},
		})
		i += rtWindow / 2
	}
	return out
}

// vusTPSMismatches flags windows where load keeps climbing but throughput
// stays flat, the classic saturation signature.
func (d *Detector) vusTPSMismatches(perf []models.TestMetricsPoint) []models.PerformanceProblem {
	if len(perf) < mismatchWindow {
		return nil
	}
	var out []models.PerformanceProblem
	for i := 0; i+mismatchWindow <= len(perf); {
		window := perf[i : i+mismatchWindow]
		first, last := window[0], window[len(window)-1]
		if first.VUs <= 0 || first.TPS <= 0 {
			i++
			continue
		}
		vusRise := (last.VUs/first.VUs - 1) * 100
		tpsChange := (last.TPS/first.TPS - 1) * 100

		monotone := 0
		for j := 1; j < len(window); j++ {
			if window[j].VUs >= window[j-1].VUs {
				monotone++
			}
		}
		pairs := len(window) - 1
		if vusRise <= mismatchVUsRisePct || tpsChange >= mismatchTPSFlatPct ||
			float64(monotone) < mismatchMonotoneFrac*float64(pairs) {
			i++
			continue
		}

		severity := models.SeverityWarning
		if tpsChange < 0 {
			severity = models.SeverityCritical
		}
		start, end := first.Timestamp, last.Timestamp
		out = append(out, models.PerformanceProblem{
			Type:            models.ProblemVUsTPSMismatch,
			Severity:        severity,
			Confidence:      confidenceFromRatio(vusRise, 100),
			StartedAt:       start,
			EndedAt:         end,
			DurationSeconds: end.Sub(start).Seconds(),
			RootCause:       "Virtual users kept ramping while throughput plateaued, indicating a saturated resource.",
			Evidence: []string{
				fmt.Sprintf("VUs %.0f -> %.0f (+%.0f%%)", first.VUs, last.VUs, vusRise),
				fmt.Sprintf("TPS %.0f -> %.0f (%+.1f%%)", first.TPS, last.TPS, tpsChange),
			},
			PerformanceImpact: "Added load produced no additional throughput.",
			AIPromptContext: fmt.Sprintf(
				"Throughput saturation: VUs grew %.0f%% over %d buckets while TPS changed only %+.1f%%.",
				vusRise, mismatchWindow, tpsChange),
			MetricDetails: map[string]any{
				"vus_increase_rate_percent": round2(vusRise),
				"tps_change_rate_percent":   round2(tpsChange),
				"vus_start":                 round2(first.VUs),
				"vus_end":                   round2(last.VUs),
			},
		})
		i += mismatchWindow / 2
	}
	return out
}

// errorRateSurges flags windows whose error rate has risen well above both an
// absolute floor and the run's own early baseline.
func (d *Detector) errorRateSurges(perf []models.TestMetricsPoint) []models.PerformanceProblem {
	baseN := (len(perf) + 2) / 3
	if baseN < errMinBaselineN {
		baseN = errMinBaselineN
	}
	if len(perf) < baseN+errWindow {
		return nil
	}
	baseline := meanOf(perf[:baseN], func(p models.TestMetricsPoint) float64 { return p.ErrorRate })

	var out []models.PerformanceProblem
	for i := baseN; i+errWindow <= len(perf); {
		window := perf[i : i+errWindow]
		mean := meanOf(window, func(p models.TestMetricsPoint) float64 { return p.ErrorRate })
		threshold := math.Max(3*baseline, 5)
		if mean <= threshold || mean <= baseline+1 {
			i++
			continue
		}

		severity := models.SeverityNormal
		switch {
		case mean > 15:
			severity = models.SeverityCritical
		case mean > 8:
			severity = models.SeverityWarning
		}
		start, end := window[0].Timestamp, window[len(window)-1].Timestamp
		out = append(out, models.PerformanceProblem{
			Type:            models.ProblemErrorRateSurge,
			Severity:        severity,
			Confidence:      confidenceFromRatio(mean, 15),
			StartedAt:       start,
			EndedAt:         end,
			DurationSeconds: end.Sub(start).Seconds(),
			RootCause:       "Error rate climbed far above the run's baseline and stayed there.",
			Evidence: []string{
				fmt.Sprintf("baseline error rate %.2f%%, window mean %.2f%%", baseline, mean),
			},
			PerformanceImpact: fmt.Sprintf("Roughly %.1f%% of requests in this window failed.", mean),
			AIPromptContext: fmt.Sprintf(
				"Error-rate surge: window mean %.2f%% vs baseline %.2f%% across %d buckets.",
				mean, baseline, errWindow),
			MetricDetails: map[string]any{
				"baseline_error_rate_percent": round2(baseline),
				"window_error_rate_percent":   round2(mean),
			},
		})
		i += errWindow / 2
	}
	return out
}

// cpuOverloads flags windows where the pod's CPU sits near its limit while
// response time is already degraded.
func (d *Detector) cpuOverloads(perf []models.TestMetricsPoint, pod PodResources) []models.PerformanceProblem {
	matched := matchResource(perf, pod.CPUPercent)
	return d.resourceWindows(perf, matched, pod.PodName,
		models.ProblemCPUOverload,
		func(window []models.TestMetricsPoint, cpuMean float64) (bool, models.ProblemSeverity) {
			rtMean := meanOf(window, func(p models.TestMetricsPoint) float64 { return p.AvgResponseTime })
			if cpuMean < cpuOverloadPct || rtMean < cpuOverloadRTMS {
				return false, models.SeverityNormal
			}
			if cpuMean >= 90 {
				return true, models.SeverityCritical
			}
			return true, models.SeverityWarning
		},
		"CPU usage pinned near the limit while latency degraded.",
		"cpu_usage_percent")
}

// memoryExhaustions flags windows where memory is near the limit and errors
// are already elevated.
func (d *Detector) memoryExhaustions(perf []models.TestMetricsPoint, pod PodResources) []models.PerformanceProblem {
	matched := matchResource(perf, pod.MemoryPercent)
	return d.resourceWindows(perf, matched, pod.PodName,
		models.ProblemMemoryExhaustion,
		func(window []models.TestMetricsPoint, memMean float64) (bool, models.ProblemSeverity) {
			errMean := meanOf(window, func(p models.TestMetricsPoint) float64 { return p.ErrorRate })
			if memMean < memExhaustionPct || errMean < memExhaustionErr {
				return false, models.SeverityNormal
			}
			if memMean >= 95 {
				return true, models.SeverityCritical
			}
			return true, models.SeverityWarning
		},
		"Memory usage approached the limit while errors climbed.",
		"memory_usage_percent")
}

// resourceWindows is the shared 6-bucket scan for the two resource rules.
// matched[i] is the resource reading time-matched to perf[i], NaN when none.
func (d *Detector) resourceWindows(
	perf []models.TestMetricsPoint,
	matched []float64,
	podName string,
	problemType models.ProblemType,
	judge func(window []models.TestMetricsPoint, resourceMean float64) (bool, models.ProblemSeverity),
	rootCause string,
	detailKey string,
) []models.PerformanceProblem {
	if len(perf) < errWindow {
		return nil
	}
	var out []models.PerformanceProblem
	for i := 0; i+errWindow <= len(perf); {
		window := perf[i : i+errWindow]
		resMean, n := 0.0, 0
		for j := i; j < i+errWindow; j++ {
			if !math.IsNaN(matched[j]) {
				resMean += matched[j]
				n++
			}
		}
		if n == 0 {
			i++
			continue
		}
		resMean /= float64(n)

		hit, severity := judge(window, resMean)
		if !hit {
			i++
			continue
		}
		start, end := window[0].Timestamp, window[len(window)-1].Timestamp
		out = append(out, models.PerformanceProblem{
			Type:            problemType,
			Severity:        severity,
			Confidence:      confidenceFromRatio(resMean, 100),
			StartedAt:       start,
			EndedAt:         end,
			DurationSeconds: end.Sub(start).Seconds(),
			RootCause:       rootCause,
			Evidence: []string{
				fmt.Sprintf("pod %s %s mean %.1f%% across %d buckets", podName, detailKey, resMean, errWindow),
			},
			PerformanceImpact: "Resource pressure on the pod degraded request handling.",
			AIPromptContext: fmt.Sprintf(
				"Pod %s held %.1f%% %s over a sustained %d-bucket window.",
				podName, resMean, detailKey, errWindow),
			MetricDetails: map[string]any{
				"pod_name": podName,
				detailKey:  round2(resMean),
			},
		})
		i += errWindow / 2
	}
	return out
}

// oomCorrelations scans the raw memory series for a cliff-shaped drop and
// correlates it with an error spike in the performance series. A restarted
// container releases its memory all at once, so a large pre/post mean drop
// plus a nearby error spike is treated as an OOM kill. Emitted at most once
// per pod.
func (d *Detector) oomCorrelations(perf []models.TestMetricsPoint, pod PodResources) []models.PerformanceProblem {
	mem := pod.MemoryMB
	if len(mem) < 2*oomHalfWindow {
		return nil
	}

	spikes := errorSpikes(perf)

	for i := oomHalfWindow; i+oomHalfWindow <= len(mem); i++ {
		pre := meanSamples(mem[i-oomHalfWindow : i])
		post := meanSamples(mem[i : i+oomHalfWindow])
		if pre <= 0 {
			continue
		}
		drop := (pre - post) / pre
		if drop < oomDropFrac {
			continue
		}
		dropAt := mem[i].Timestamp

		for _, spikeAt := range spikes {
			delta := spikeAt.Sub(dropAt)
			if delta < -oomCorrelateSlop || delta > oomCorrelateSlop {
				continue
			}
			start, end := dropAt, spikeAt
			if end.Before(start) {
				start, end = end, start
			}
			return []models.PerformanceProblem{{
				Type:            models.ProblemOutOfMemoryKill,
				Severity:        models.SeverityCritical,
				Confidence:      confidenceFromRatio(drop*100, 50),
				StartedAt:       start,
				EndedAt:         end,
				DurationSeconds: end.Sub(start).Seconds(),
				RootCause:       "Pod memory dropped sharply with a correlated error spike, consistent with an OOM kill and restart.",
				Evidence: []string{
					fmt.Sprintf("pod %s memory fell %.0f%% (%.0f MB -> %.0f MB)", pod.PodName, drop*100, pre, post),
					fmt.Sprintf("error spike at %s within %s of the drop", spikeAt.In(d.loc).Format("15:04:05"), oomCorrelateSlop),
				},
				PerformanceImpact: "Requests failed while the container restarted.",
				AIPromptContext: fmt.Sprintf(
					"OOM correlation on pod %s: memory mean fell from %.0f MB to %.0f MB (%.0f%%) with an error spike %s from the drop.",
					pod.PodName, pre, post, drop*100, delta.Abs()),
				MetricDetails: map[string]any{
					"pod_name":             pod.PodName,
					"memory_drop_percent":  round2(drop * 100),
					"pre_drop_memory_mb":   round2(pre),
					"post_drop_memory_mb":  round2(post),
				},
			}}
		}
	}
	return nil
}

// errorSpikes returns the timestamps where the error rate jumped by at least
// the increment floor and sits above the absolute floor.
func errorSpikes(perf []models.TestMetricsPoint) []time.Time {
	var out []time.Time
	for i := 1; i < len(perf); i++ {
		inc := perf[i].ErrorRate - perf[i-1].ErrorRate
		if inc >= oomErrIncrement && perf[i].ErrorRate >= oomErrFloor {
			out = append(out, perf[i].Timestamp)
		}
	}
	return out
}

// matchResource pairs each performance bucket with the nearest resource
// sample within the matching slop. Unmatched buckets get NaN.
func matchResource(perf []models.TestMetricsPoint, res []ResourceSample) []float64 {
	out := make([]float64, len(perf))
	for i := range perf {
		out[i] = math.NaN()
		best := resourceMatchSlop + 1
		for _, s := range res {
			d := perf[i].Timestamp.Sub(s.Timestamp)
			if d < 0 {
				d = -d
			}
			if d <= resourceMatchSlop && d < best {
				best = d
				out[i] = s.Value
			}
		}
	}
	return out
}

// mergeProblems collapses same-type problems whose intervals overlap or sit
// within the merge gap. The merged record takes the interval union, the worse
// severity, the max confidence, and the concatenated evidence.
func mergeProblems(problems []models.PerformanceProblem) []models.PerformanceProblem {
	if len(problems) == 0 {
		return nil
	}
	sort.SliceStable(problems, func(i, j int) bool {
		if !problems[i].StartedAt.Equal(problems[j].StartedAt) {
			return problems[i].StartedAt.Before(problems[j].StartedAt)
		}
		return problems[i].Type < problems[j].Type
	})

	byType := map[models.ProblemType][]models.PerformanceProblem{}
	for _, p := range problems {
		byType[p.Type] = append(byType[p.Type], p)
	}

	var merged []models.PerformanceProblem
	for _, group := range byType {
		current := group[0]
		for _, next := range group[1:] {
			if next.StartedAt.Sub(current.EndedAt) <= mergeGap {
				current = combine(current, next)
				continue
			}
			merged = append(merged, current)
			current = next
		}
		merged = append(merged, current)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].StartedAt.Equal(merged[j].StartedAt) {
			return merged[i].StartedAt.Before(merged[j].StartedAt)
		}
		return merged[i].Type < merged[j].Type
	})
	return merged
}

func combine(a, b models.PerformanceProblem) models.PerformanceProblem {
	out := a
	if b.EndedAt.After(out.EndedAt) {
		out.EndedAt = b.EndedAt
	}
	if b.StartedAt.Before(out.StartedAt) {
		out.StartedAt = b.StartedAt
	}
	out.DurationSeconds = out.EndedAt.Sub(out.StartedAt).Seconds()
	if b.Severity.Rank() > out.Severity.Rank() {
		out.Severity = b.Severity
	}
	if b.Confidence > out.Confidence {
		out.Confidence = b.Confidence
	}
	out.Evidence = append(append([]string{}, a.Evidence...), b.Evidence...)
	out.AIPromptContext = a.AIPromptContext + "\n" + b.AIPromptContext
	return out
}

func meanOf(points []models.TestMetricsPoint, f func(models.TestMetricsPoint) float64) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum += f(p)
	}
	return sum / float64(len(points))
}

func meanSamples(samples []ResourceSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}

// confidenceFromRatio maps how far a signal exceeds its reference scale onto
// [0.5, 1.0], so every flagged problem carries at least coin-flip confidence.
func confidenceFromRatio(value, scale float64) float64 {
	if scale <= 0 {
		return 0.5
	}
	c := 0.5 + 0.5*math.Min(value/scale, 1)
	return math.Min(c, 1)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
