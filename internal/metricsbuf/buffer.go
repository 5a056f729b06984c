// Package metricsbuf holds short per-pod usage histories for the realtime
// stream. When a scrape tick returns nothing the buffer extrapolates, with
// confidence decaying per consecutive synthetic value and retroactive
// correction once a real sample lands.
package metricsbuf

import (
	"time"
)

// MetricKind controls clamping: percentages cap at MaxValue, absolutes only
// at zero.
type MetricKind string

const (
	Percentage MetricKind = "percentage"
	Absolute   MetricKind = "absolute"
)

const (
	bufferSize          = 10
	maxPredictionStreak = 6
	sampleInterval      = 5 * time.Second
)

type entry struct {
	value      float64
	timestamp  time.Time
	predicted  bool
	confidence float64
}

// Buffer is a bounded FIFO of samples for one (job, pod, metric) triple.
// Not safe for concurrent use; Store serializes access.
type Buffer struct {
	kind    MetricKind
	maxVal  float64
	entries []entry
	streak  int
}

func NewBuffer(kind MetricKind, maxValue float64) *Buffer {
	return &Buffer{kind: kind, maxVal: maxValue}
}

func (b *Buffer) clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if b.kind == Percentage && v > b.maxVal {
		return b.maxVal
	}
	return v
}

// AddValue appends a sample. Real samples reset the prediction streak and
// retro-correct the synthetic run that preceded them.
func (b *Buffer) AddValue(v float64, predicted bool, ts time.Time) {
	v = b.clamp(v)

	var conf float64
	if predicted {
		if b.streak <= maxPredictionStreak {
			b.streak++
		}
		conf = 1 - 0.15*float64(b.streak)
		if conf < 0.2 {
			conf = 0.2
		}
	} else {
		b.retroCorrect(v)
		b.streak = 0
		conf = 1.0
	}

	b.entries = append(b.entries, entry{value: v, timestamp: ts, predicted: predicted, confidence: conf})
	if len(b.entries) > bufferSize {
		b.entries = b.entries[1:]
	}
}

// retroCorrect shifts the trailing predicted entries toward the actual value.
// err = actual - newest_prediction; each predicted entry at distance i from
// the incoming actual moves by err * 0.3 * 0.5^i, stopping at the first real
// sample.
func (b *Buffer) retroCorrect(actual float64) {
	n := len(b.entries)
	if n == 0 || !b.entries[n-1].predicted {
		return
	}
	err := actual - b.entries[n-1].value
	factor := 0.3
	for i := n - 1; i >= 0 && b.entries[i].predicted; i-- {
		b.entries[i].value = b.clamp(b.entries[i].value + err*factor)
		factor *= 0.5
	}
}

// PredictNext extrapolates the next sample. ok is false on an empty buffer.
// Past the streak cap it decays from the last real sample instead of
// trending, so a dead pod converges to zero rather than running away.
func (b *Buffer) PredictNext() (float64, bool) {
	n := len(b.entries)
	if n == 0 {
		return 0, false
	}

	if b.streak >= maxPredictionStreak {
		last := b.lastActual()
		decay := 1.0
		for i := 0; i < b.streak-maxPredictionStreak+1; i++ {
			decay *= 0.95
		}
		return b.clamp(last * decay), true
	}

	current := b.entries[n-1]
	if n == 1 {
		return b.clamp(current.value), true
	}

	slope := b.weightedSlope()
	alpha := 0.3 * current.confidence
	previous := b.entries[n-2]
	base := alpha*current.value + (1-alpha)*previous.value
	return b.clamp(base + slope*sampleInterval.Seconds()), true
}

// weightedSlope averages finite-difference slopes over the last three
// samples, weighting each pair by the product of its confidences.
func (b *Buffer) weightedSlope() float64 {
	n := len(b.entries)
	start := n - 3
	if start < 0 {
		start = 0
	}
	var sum, weight float64
	for i := start + 1; i < n; i++ {
		cur, prev := b.entries[i], b.entries[i-1]
		dt := cur.timestamp.Sub(prev.timestamp).Seconds()
		if dt <= 0 {
			dt = sampleInterval.Seconds()
		}
		w := cur.confidence * prev.confidence
		sum += w * (cur.value - prev.value) / dt
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

func (b *Buffer) lastActual() float64 {
	for i := len(b.entries) - 1; i >= 0; i-- {
		if !b.entries[i].predicted {
			return b.entries[i].value
		}
	}
	if len(b.entries) > 0 {
		return b.entries[0].value
	}
	return 0
}

// Latest returns the newest sample's value and prediction flag.
func (b *Buffer) Latest() (value float64, predicted bool, ok bool) {
	if len(b.entries) == 0 {
		return 0, false, false
	}
	e := b.entries[len(b.entries)-1]
	return e.value, e.predicted, true
}

// LatestTimestamp returns the newest sample time, zero when empty.
func (b *Buffer) LatestTimestamp() time.Time {
	if len(b.entries) == 0 {
		return time.Time{}
	}
	return b.entries[len(b.entries)-1].timestamp
}

// Streak is the count of consecutive synthetic samples at the tail.
func (b *Buffer) Streak() int { return b.streak }

// Confidence of the newest sample; 0 when empty.
func (b *Buffer) Confidence() float64 {
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[len(b.entries)-1].confidence
}

func (b *Buffer) Len() int { return len(b.entries) }

// Values snapshots the stored values oldest-first.
func (b *Buffer) Values() []float64 {
	out := make([]float64, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.value
	}
	return out
}
