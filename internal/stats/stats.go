// Package stats holds the pure numeric helpers shared by the baseline service
// and the detectors. Every function tolerates empty input and returns a
// documented neutral value instead of an error.
package stats

import (
	"math"

	mstats "github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MADScale converts a median absolute deviation to a normal-equivalent sigma.
const MADScale = 1.4826

// IQRScale converts an interquartile range to a normal-equivalent sigma.
const IQRScale = 1.349

// Finite returns the finite values of xs in their original order.
func Finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Median returns NaN for empty input.
func Median(xs []float64) float64 {
	m, err := mstats.Median(xs)
	if err != nil {
		return math.NaN()
	}
	return m
}

func Mean(xs []float64) float64 {
	m, err := mstats.Mean(xs)
	if err != nil {
		return math.NaN()
	}
	return m
}

// MAD is the raw (unscaled) median absolute deviation.
func MAD(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m, err := mstats.MedianAbsoluteDeviation(xs)
	if err != nil {
		return 0
	}
	return m
}

// RobustSigma estimates sigma from MAD, falling back to IQR when more than
// half of the values coincide. Result is never below floor.
func RobustSigma(xs []float64, floor float64) float64 {
	sigma := MAD(xs) * MADScale
	if sigma <= 0 {
		sigma = IQR(xs) / IQRScale
	}
	if math.IsNaN(sigma) || sigma < floor {
		sigma = floor
	}
	return sigma
}

// IQR returns 0 for fewer than four values.
func IQR(xs []float64) float64 {
	if len(xs) < 4 {
		return 0
	}
	v, err := mstats.InterQuartileRange(xs)
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return v
}

// Variance is the sample variance; 0 below two values.
func Variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	v, err := mstats.SampleVariance(xs)
	if err != nil {
		return 0
	}
	return v
}

// Autocorrelation at the given lag; 0 when undefined.
func Autocorrelation(xs []float64, lag int) float64 {
	if lag <= 0 || len(xs) <= lag+1 {
		return 0
	}
	v, err := mstats.AutoCorrelation(xs, lag)
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return v
}

// Pearson correlation of paired samples; 0 when fewer than three pairs or
// either side is constant.
func Pearson(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if IsFinite(x[i]) && IsFinite(y[i]) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	if len(xs) < 3 {
		return 0
	}
	r := stat.Correlation(xs, ys, nil)
	if math.IsNaN(r) {
		return 0
	}
	return Clamp(r, -1, 1)
}

func NormalCDF(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}

// NormalQuantile is the inverse of NormalCDF. p is clamped into (0,1).
func NormalQuantile(p float64) float64 {
	const eps = 1e-15
	p = Clamp(p, eps, 1-eps)
	return distuv.UnitNormal.Quantile(p)
}

// PoissonSurvival is P(X >= k) for X ~ Poisson(lambda).
func PoissonSurvival(k int, lambda float64) float64 {
	if k <= 0 {
		return 1
	}
	if lambda <= 0 {
		return 0
	}
	// P(X >= k) equals the regularized lower incomplete gamma P(k, lambda).
	return Clamp(mathext.GammaIncReg(float64(k), lambda), 0, 1)
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
