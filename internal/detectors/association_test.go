package detectors

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFisherExactKnownTable(t *testing.T) {
	assert.InDelta(t, 34.0/70.0, FisherExact(3, 1, 1, 3), 1e-12)
	assert.InDelta(t, 1.0, FisherExact(2, 2, 2, 2), 1e-12)
	assert.Equal(t, 1.0, FisherExact(0, 0, 0, 0))
}

func TestLogOddsHaldaneCorrection(t *testing.T) {
	lor, se := LogOdds(5, 0, 1, 5)
	assert.InDelta(t, math.Log(5.5*5.5/(0.5*1.5)), lor, 1e-12)
	assert.Greater(t, se, 0.0)
}

func TestAssociationScenario(t *testing.T) {
	res := Association(AssociationInput{A: 50, B: 50, C: 20, D: 80})
	require.NotNil(t, res)
	assert.Less(t, res.Analysis["pValue"], 0.1)
	assert.Greater(t, res.Confidence, 0.7)
	assert.InDelta(t, 4.0, res.Analysis["oddsRatio"], 1e-9)
	assert.Equal(t, ImpactHigh, res.ImpactHint)
}

func TestAssociationMinSupport(t *testing.T) {
	assert.Nil(t, Association(AssociationInput{A: 4}))
	assert.Nil(t, Association(AssociationInput{A: 2, B: 0, C: 0, D: 2}))
}

func TestAssociationNullTypeIError(t *testing.T) {
	rng := newRand(17)
	const trials = 200
	fired := 0
	for i := 0; i < trials; i++ {
		var a, b, c, d int
		for j := 0; j < 80; j++ {
			x := rng.Float64() < 0.5
			y := rng.Float64() < 0.5
			switch {
			case x && y:
				a++
			case x:
				b++
			case y:
				c++
			default:
				d++
			}
		}
		if Association(AssociationInput{A: a, B: b, C: c, D: d}) != nil {
			fired++
		}
	}
	assert.Less(t, float64(fired)/trials, 0.1)
}

func TestAssociationCorrelationBlend(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5, 6}
	ys := []float64{2, 4, 5, 8, 10, 12}
	res := Association(AssociationInput{A: 30, B: 10, C: 10, D: 30, SeriesX: xs, SeriesY: ys})
	require.NotNil(t, res)
	assert.Greater(t, res.Analysis["correlation"], 0.9)
	assert.LessOrEqual(t, res.Confidence, 0.99)
}

func TestAssociationPerformance(t *testing.T) {
	start := time.Now()
	Association(AssociationInput{A: 3000, B: 2000, C: 2000, D: 3000})
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
