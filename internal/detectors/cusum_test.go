package detectors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorguard/internal/model"
)

func TestDecisionMultiplier(t *testing.T) {
	// h = 4 gives ARL0 of about 338 at k = 0.5
	assert.InDelta(t, 4.4, DecisionMultiplier(0.5, 338), 0.05)
	assert.Greater(t, DecisionMultiplier(0.5, 2000), DecisionMultiplier(0.5, 1000))
	assert.Greater(t, DecisionMultiplier(0.25, 1000), DecisionMultiplier(0.5, 1000))
}

func TestCUSUMStepScenario(t *testing.T) {
	series := normalSeries(newRand(42), 240, 120, 2)
	res := CUSUM(series, DefaultCUSUMOptions())
	require.NotNil(t, res)
	assert.Greater(t, res.Confidence, 0.65)
	assert.LessOrEqual(t, res.Confidence, 0.98)
	assert.Greater(t, res.Analysis["thresholdRatio"], 1.0)
	require.Len(t, res.Sources, 1)
	assert.Contains(t, []string{"upper", "lower"}, res.Sources[0].Details["side"])
}

func TestCUSUMSensitivityOrdering(t *testing.T) {
	base := normalSeries(newRand(8), 240, 240, 0)
	step := func(size float64) []model.TrendPoint {
		out := make([]model.TrendPoint, len(base))
		copy(out, base)
		for i := 120; i < len(out); i++ {
			out[i].Value += size
		}
		return out
	}
	opts := DefaultCUSUMOptions()
	opts.BaselineMedian, opts.BaselineIQR = ptr(0), ptr(1.349)
	big := CUSUM(step(2), opts)
	small := CUSUM(step(1), opts)
	require.NotNil(t, big)
	require.NotNil(t, small)
	assert.GreaterOrEqual(t, big.Confidence, small.Confidence)
	assert.Equal(t, "upper", big.Sources[0].Details["side"])
	assert.GreaterOrEqual(t, big.Analysis["index"], 120.0)
}

func TestCUSUMSidedUpperIgnoresDrop(t *testing.T) {
	series := normalSeries(newRand(13), 240, 120, -2)
	opts := DefaultCUSUMOptions()
	opts.BaselineMedian, opts.BaselineIQR = ptr(0), ptr(1.349)
	opts.Sided = SideUpper
	assert.Nil(t, CUSUM(series, opts))

	opts.Sided = SideLower
	res := CUSUM(series, opts)
	require.NotNil(t, res)
	assert.Equal(t, -1.0, res.Analysis["direction"])
}

func TestCUSUMBothSidedUsesWiderInterval(t *testing.T) {
	series := normalSeries(newRand(21), 240, 120, 2)
	opts := DefaultCUSUMOptions()
	opts.BaselineMedian, opts.BaselineIQR = ptr(0), ptr(1.349)
	both := CUSUM(series, opts)
	opts.Sided = SideUpper
	upper := CUSUM(series, opts)
	require.NotNil(t, both)
	require.NotNil(t, upper)
	assert.Greater(t, both.ThresholdApplied, upper.ThresholdApplied)
}

func TestCUSUMLowQualityWidens(t *testing.T) {
	series := normalSeries(newRand(4), 240, 120, 2)
	opts := DefaultCUSUMOptions()
	opts.BaselineMedian, opts.BaselineIQR = ptr(0), ptr(1.349)
	ref := CUSUM(series, opts)
	opts.BaselineQualityScore = ptr(0.2)
	poor := CUSUM(series, opts)
	require.NotNil(t, ref)
	require.NotNil(t, poor)
	assert.InDelta(t, ref.ThresholdApplied*1.1875, poor.ThresholdApplied, 1e-9)
}

func TestCUSUMInsufficientOrFlat(t *testing.T) {
	assert.Nil(t, CUSUM(normalSeries(newRand(1), 10, 5, 4), DefaultCUSUMOptions()))
	flat := make([]model.TrendPoint, 50)
	for i := range flat {
		flat[i] = model.TrendPoint{Timestamp: t0 + int64(i), Value: 2.5}
	}
	assert.Nil(t, CUSUM(flat, DefaultCUSUMOptions()))
}

func TestCUSUMDecisionIntervalOverride(t *testing.T) {
	series := normalSeries(newRand(6), 100, 50, 1)
	opts := DefaultCUSUMOptions()
	opts.BaselineMedian, opts.BaselineIQR = ptr(0), ptr(1.349)
	opts.DecisionInterval = ptr(1000)
	assert.Nil(t, CUSUM(series, opts))
}

func TestCUSUMPerformance(t *testing.T) {
	series := normalSeries(newRand(2), 5000, 2500, 1)
	start := time.Now()
	CUSUM(series, DefaultCUSUMOptions())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
