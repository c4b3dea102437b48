package detectors

import (
	"math/rand/v2"
	"time"

	"behaviorguard/internal/model"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC).UnixMilli()

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// normalSeries draws n N(0,1) points with shift added from index at onwards.
func normalSeries(rng *rand.Rand, n, at int, shift float64) []model.TrendPoint {
	out := make([]model.TrendPoint, n)
	for i := range out {
		v := rng.NormFloat64()
		if i >= at {
			v += shift
		}
		out[i] = model.TrendPoint{Timestamp: t0 + int64(i)*int64(time.Hour/time.Millisecond), Value: v}
	}
	return out
}

func ptr(v float64) *float64 { return &v }

func confidenceOf(r *model.DetectorResult) float64 {
	if r == nil {
		return 0
	}
	return r.Confidence
}
