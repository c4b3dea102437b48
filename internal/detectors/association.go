package detectors

import (
	"math"
	"strconv"

	"behaviorguard/internal/model"
	"behaviorguard/internal/stats"
)

// AssociationInput is a 2x2 table
//
//	        Y   !Y
//	 X      A    B
//	!X      C    D
//
// with optional paired numeric series for a correlation estimate.
type AssociationInput struct {
	A, B, C, D int
	SeriesX    []float64
	SeriesY    []float64
	MinSupport int
	MaxPValue  float64
}

const defaultMaxPValue = 0.1

// FisherExact returns the two-tailed exact p-value of the table.
func FisherExact(a, b, c, d int) float64 {
	if a < 0 || b < 0 || c < 0 || d < 0 {
		return 1
	}
	n := a + b + c + d
	row1 := a + b
	col1 := a + c
	if n == 0 {
		return 1
	}
	logDenom := logChoose(n, row1)
	logP := func(x int) float64 {
		return logChoose(col1, x) + logChoose(n-col1, row1-x) - logDenom
	}
	observed := logP(a)
	lo := row1 + col1 - n
	if lo < 0 {
		lo = 0
	}
	hi := row1
	if col1 < hi {
		hi = col1
	}
	// tables as extreme as the observed one, with relative tolerance
	cutoff := observed + 1e-7
	var p float64
	for x := lo; x <= hi; x++ {
		lp := logP(x)
		if lp <= cutoff {
			p += math.Exp(lp)
		}
	}
	return stats.Clamp(p, 0, 1)
}

func logChoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	return lgamma(float64(n+1)) - lgamma(float64(k+1)) - lgamma(float64(n-k+1))
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// LogOdds returns the log odds ratio and its standard error, adding 0.5 to
// every cell when any cell is zero.
func LogOdds(a, b, c, d int) (lor, se float64) {
	fa, fb, fc, fd := float64(a), float64(b), float64(c), float64(d)
	if a == 0 || b == 0 || c == 0 || d == 0 {
		fa, fb, fc, fd = fa+0.5, fb+0.5, fc+0.5, fd+0.5
	}
	lor = math.Log(fa * fd / (fb * fc))
	se = math.Sqrt(1/fa + 1/fb + 1/fc + 1/fd)
	return lor, se
}

// Association reports a co-occurrence between two binary conditions.
func Association(in AssociationInput) *model.DetectorResult {
	if in.A < 0 || in.B < 0 || in.C < 0 || in.D < 0 {
		return nil
	}
	minSupport := in.MinSupport
	if minSupport <= 0 {
		minSupport = defaultMinSupport
	}
	maxP := in.MaxPValue
	if !(maxP > 0 && maxP <= 1) {
		maxP = defaultMaxPValue
	}
	total := in.A + in.B + in.C + in.D
	if total < minSupport {
		return nil
	}

	lor, se := LogOdds(in.A, in.B, in.C, in.D)
	ciLow := lor - 1.96*se
	ciHigh := lor + 1.96*se
	if ciLow <= 0 && ciHigh >= 0 {
		return nil
	}
	p := FisherExact(in.A, in.B, in.C, in.D)
	if p > maxP {
		return nil
	}

	z := math.Abs(lor) / se
	ciStrength := stats.Clamp((z-1.96)/1.96, 0, 1)
	r := 0.0
	hasCorrelation := len(in.SeriesX) > 0 && len(in.SeriesY) > 0
	var confidence float64
	if hasCorrelation {
		r = stats.Pearson(in.SeriesX, in.SeriesY)
		confidence = 0.55*(1-p) + 0.25*(0.5+0.5*ciStrength) + 0.2*math.Abs(r)
	} else {
		confidence = 0.7*(1-p) + 0.3*(0.5+0.5*ciStrength)
	}
	confidence = math.Min(0.99, confidence)

	oddsRatio := math.Exp(lor)
	impact := ImpactLow
	switch {
	case oddsRatio >= 3 || oddsRatio <= 1.0/3:
		impact = ImpactHigh
	case oddsRatio >= 1.5 || oddsRatio <= 1/1.5:
		impact = ImpactMedium
	}
	details := map[string]string{
		"table":     strconv.Itoa(in.A) + "/" + strconv.Itoa(in.B) + "/" + strconv.Itoa(in.C) + "/" + strconv.Itoa(in.D),
		"oddsRatio": formatFloat(oddsRatio),
		"pValue":    formatFloat(p),
	}
	analysis := map[string]float64{
		"pValue":        p,
		"oddsRatio":     oddsRatio,
		"logOdds":       lor,
		"standardError": se,
		"ciLow":         ciLow,
		"ciHigh":        ciHigh,
		"support":       float64(total),
		"ciStrength":    ciStrength,
	}
	if hasCorrelation {
		analysis["correlation"] = r
		details["correlation"] = formatFloat(r)
	}
	return &model.DetectorResult{
		Score:            1 - math.Exp(-math.Abs(lor)),
		Confidence:       confidence,
		ImpactHint:       impact,
		ThresholdApplied: maxP,
		Sources: []model.Source{{
			Type:    "association",
			Label:   "Co-occurrence",
			Details: details,
		}},
		Analysis: analysis,
	}
}
