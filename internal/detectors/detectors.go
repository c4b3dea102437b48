// Package detectors implements the five side-effect-free shift detectors.
// Each detector returns nil when evidence is insufficient; nil is a normal
// outcome, not an error.
package detectors

import (
	"math"
	"strconv"

	"behaviorguard/internal/model"
	"behaviorguard/internal/stats"
)

const (
	ImpactHigh   = "high"
	ImpactMedium = "medium"
	ImpactLow    = "low"
)

const (
	// DefaultFalseAlertsPerN is one false alert per 14 days at 24 samples/day.
	DefaultFalseAlertsPerN = 336
	DefaultMinPoints       = 20

	sigmaFloor = 1e-6
)

// finitePoints drops non-finite values and keeps order.
func finitePoints(points []model.TrendPoint) []model.TrendPoint {
	out := make([]model.TrendPoint, 0, len(points))
	for _, p := range points {
		if stats.IsFinite(p.Value) {
			out = append(out, p)
		}
	}
	return out
}

func values(points []model.TrendPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}

// referenceLevel returns the in-control location and scale. A supplied
// baseline wins; otherwise location is the series median and scale comes
// from successive differences, which a level shift barely moves.
func referenceLevel(xs []float64, median, iqr *float64) (mu, sigma float64) {
	if median != nil && stats.IsFinite(*median) {
		mu = *median
	} else {
		mu = stats.Median(xs)
	}
	if iqr != nil && stats.IsFinite(*iqr) && *iqr > 0 {
		sigma = *iqr / stats.IQRScale
	} else {
		sigma = differenceSigma(xs)
		if sigma <= sigmaFloor {
			sigma = stats.RobustSigma(xs, sigmaFloor)
		}
	}
	if sigma < sigmaFloor {
		sigma = sigmaFloor
	}
	return mu, sigma
}

func differenceSigma(xs []float64) float64 {
	if len(xs) < 3 {
		return 0
	}
	diffs := make([]float64, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		diffs[i-1] = xs[i] - xs[i-1]
	}
	return stats.MAD(diffs) * stats.MADScale / math.Sqrt2
}

// qualityFactor scales a control limit: poor baselines widen it by up to
// 25%, very good ones tighten it by up to 5%.
func qualityFactor(q *float64) float64 {
	if q == nil || !stats.IsFinite(*q) {
		return 1
	}
	v := stats.Clamp(*q, 0, 1)
	if v >= 0.8 {
		return 1 - 0.05*(v-0.8)/0.2
	}
	return 1 + 0.25*(0.8-v)/0.8
}

// criticalZ spreads the per-invocation false-alert budget 1/N over the n
// evaluated points.
func criticalZ(targetN float64, n int) float64 {
	if targetN <= 0 {
		targetN = DefaultFalseAlertsPerN
	}
	if n < 1 {
		n = 1
	}
	return stats.NormalQuantile(1 - 1/(2*targetN*float64(n)))
}

func direction(sign float64) string {
	if sign < 0 {
		return "down"
	}
	return "up"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
