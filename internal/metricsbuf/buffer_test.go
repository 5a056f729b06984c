package metricsbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(i int) time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(i) * 5 * time.Second)
}

func TestPredictNextEmpty(t *testing.T) {
	b := NewBuffer(Percentage, 100)
	_, ok := b.PredictNext()
	assert.False(t, ok)
}

func TestAddValueClamping(t *testing.T) {
	b := NewBuffer(Percentage, 100)
	b.AddValue(150, false, ts(0))
	b.AddValue(-20, false, ts(1))

	vals := b.Values()
	assert.Equal(t, []float64{100, 0}, vals)

	abs := NewBuffer(Absolute, 0)
	abs.AddValue(5000, false, ts(0))
	assert.Equal(t, []float64{5000}, abs.Values())
}

func TestConfidenceDecay(t *testing.T) {
	b := NewBuffer(Percentage, 100)
	b.AddValue(50, false, ts(0))
	assert.Equal(t, 1.0, b.Confidence())
	assert.Zero(t, b.Streak())

	for i := 1; i <= 8; i++ {
		b.AddValue(50, true, ts(i))
		want := 1 - 0.15*float64(i)
		if want < 0.2 {
			want = 0.2
		}
		assert.InDelta(t, want, b.Confidence(), 1e-9, "streak %d", i)
		assert.GreaterOrEqual(t, b.Confidence(), 0.2)
		assert.LessOrEqual(t, b.Confidence(), 1.0)
	}

	b.AddValue(60, false, ts(9))
	assert.Zero(t, b.Streak())
	assert.Equal(t, 1.0, b.Confidence())
}

func TestPredictionContinuesTrend(t *testing.T) {
	b := NewBuffer(Percentage, 100)
	b.AddValue(30, false, ts(0))
	b.AddValue(40, false, ts(1))
	b.AddValue(50, false, ts(2))

	p, ok := b.PredictNext()
	require.True(t, ok)
	// Rising series predicts above the smoothed base.
	assert.Greater(t, p, 50.0)
	assert.LessOrEqual(t, p, 100.0)
}

func TestRetroCorrection(t *testing.T) {
	b := NewBuffer(Percentage, 100)
	b.AddValue(30, false, ts(0))
	b.AddValue(40, false, ts(1))
	b.AddValue(50, false, ts(2))

	for i := 3; i <= 5; i++ {
		p, ok := b.PredictNext()
		require.True(t, ok)
		b.AddValue(p, true, ts(i))
	}
	require.Equal(t, 3, b.Streak())

	before := b.Values()
	predicted := append([]float64(nil), before[3:6]...)
	lastPredicted := predicted[2]

	b.AddValue(45, false, ts(6))
	require.Zero(t, b.Streak())

	after := b.Values()
	corrErr := 45 - lastPredicted
	// Newest prediction shifts most, then geometrically less.
	assert.InDelta(t, predicted[2]+corrErr*0.3, after[5], 1e-9)
	assert.InDelta(t, predicted[1]+corrErr*0.3*0.5, after[4], 1e-9)
	assert.InDelta(t, predicted[0]+corrErr*0.3*0.25, after[3], 1e-9)
	// Real samples are untouched.
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, before[2], after[2])
}

func TestPredictionFallbackAfterStreakCap(t *testing.T) {
	b := NewBuffer(Percentage, 100)
	b.AddValue(80, false, ts(0))
	for i := 1; i <= 6; i++ {
		p, ok := b.PredictNext()
		require.True(t, ok)
		b.AddValue(p, true, ts(i))
	}
	require.Equal(t, 6, b.Streak())

	// Past the cap predictions decay from the last real sample.
	p, ok := b.PredictNext()
	require.True(t, ok)
	assert.InDelta(t, 80*0.95, p, 1e-9)

	b.AddValue(p, true, ts(7))
	p2, ok := b.PredictNext()
	require.True(t, ok)
	assert.InDelta(t, 80*0.95*0.95, p2, 1e-9)
	assert.Less(t, p2, p)
}

func TestBufferBounded(t *testing.T) {
	b := NewBuffer(Percentage, 100)
	for i := 0; i < 25; i++ {
		b.AddValue(float64(i), false, ts(i))
	}
	assert.Equal(t, 10, b.Len())
	vals := b.Values()
	assert.Equal(t, 15.0, vals[0])
	assert.Equal(t, 24.0, vals[9])
}

func TestStoreLifecycle(t *testing.T) {
	s := NewStore()
	s.Visit("job-A", "pod-1", MetricCPU, func(b *Buffer) {
		b.AddValue(42, false, ts(0))
	})
	s.Visit("job-A", "pod-1", MetricMemory, func(b *Buffer) {
		b.AddValue(61, false, ts(1))
	})

	assert.Equal(t, []string{"job-A"}, s.Jobs())
	assert.False(t, s.AllEmpty("job-A"))
	assert.True(t, s.LatestTimestamp("job-A").Equal(ts(1)))

	s.DropJob("job-A")
	assert.Empty(t, s.Jobs())
	assert.True(t, s.AllEmpty("job-A"))
	assert.True(t, s.LatestTimestamp("job-A").IsZero())
}
