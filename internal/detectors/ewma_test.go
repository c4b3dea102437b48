package detectors

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorguard/internal/model"
)

func TestStationarySeriesStayQuiet(t *testing.T) {
	rng := newRand(7)
	const trials = 2000
	ewmaAlerts, cusumAlerts := 0, 0
	for i := 0; i < trials; i++ {
		series := normalSeries(rng, 336, 336, 0)
		eo := DefaultEWMAOptions()
		eo.BaselineMedian, eo.BaselineIQR = ptr(0), ptr(1.349)
		if EWMA(series, eo) != nil {
			ewmaAlerts++
		}
		co := DefaultCUSUMOptions()
		co.BaselineMedian, co.BaselineIQR = ptr(0), ptr(1.349)
		if CUSUM(series, co) != nil {
			cusumAlerts++
		}
	}
	assert.LessOrEqual(t, float64(ewmaAlerts)/trials, 0.005)
	assert.LessOrEqual(t, float64(cusumAlerts)/trials, 0.005)
}

func TestStationarySeriesWithoutBaseline(t *testing.T) {
	series := normalSeries(newRand(11), 400, 400, 0)
	assert.Nil(t, EWMA(series, DefaultEWMAOptions()))
	assert.Nil(t, CUSUM(series, DefaultCUSUMOptions()))
}

func TestEWMADetectsSustainedShift(t *testing.T) {
	series := normalSeries(newRand(3), 200, 100, 3)
	opts := DefaultEWMAOptions()
	opts.BaselineMedian, opts.BaselineIQR = ptr(0), ptr(1.349)
	res := EWMA(series, opts)
	require.NotNil(t, res)
	assert.Equal(t, 1.0, res.Analysis["direction"])
	assert.GreaterOrEqual(t, res.Confidence, 0.6)
	assert.Less(t, res.Confidence, 1.0)
	assert.Greater(t, res.Score, 0.0)
	assert.GreaterOrEqual(t, res.Analysis["index"], 100.0)
}

func TestEWMAIgnoresSingleSpike(t *testing.T) {
	series := make([]model.TrendPoint, 100)
	for i := range series {
		series[i] = model.TrendPoint{Timestamp: t0 + int64(i)*60000}
	}
	series[50].Value = 8
	opts := DefaultEWMAOptions()
	opts.BaselineMedian, opts.BaselineIQR = ptr(0), ptr(1.349)
	assert.Nil(t, EWMA(series, opts))
}

func TestEWMAMinPointsAndMissingValues(t *testing.T) {
	opts := DefaultEWMAOptions()
	opts.BaselineMedian, opts.BaselineIQR = ptr(0), ptr(1.349)
	assert.Nil(t, EWMA(normalSeries(newRand(1), 19, 0, 5), opts))

	series := normalSeries(newRand(5), 120, 40, -3)
	for i := 0; i < len(series); i += 4 {
		series[i].Value = math.NaN()
	}
	res := EWMA(series, opts)
	require.NotNil(t, res)
	assert.Equal(t, 90.0, res.Analysis["pointsAnalyzed"])
	assert.Equal(t, -1.0, res.Analysis["direction"])
}

func TestEWMAQualityWidensLimit(t *testing.T) {
	series := normalSeries(newRand(9), 200, 100, 3)
	opts := DefaultEWMAOptions()
	opts.BaselineMedian, opts.BaselineIQR = ptr(0), ptr(1.349)
	good := EWMA(series, opts)
	opts.BaselineQualityScore = ptr(0)
	poor := EWMA(series, opts)
	require.NotNil(t, good)
	require.NotNil(t, poor)
	assert.InDelta(t, good.ThresholdApplied*1.25, poor.ThresholdApplied, 1e-9)
}

func TestEWMAPerformance(t *testing.T) {
	series := normalSeries(newRand(2), 5000, 2500, 1)
	start := time.Now()
	EWMA(series, DefaultEWMAOptions())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
