package detectors

import (
	"math"
	"strconv"

	"behaviorguard/internal/model"
	"behaviorguard/internal/stats"
)

type BetaPrior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

func (p BetaPrior) degenerate() bool {
	return !(p.Alpha > 0) || !(p.Beta > 0) || math.IsInf(p.Alpha, 0) || math.IsInf(p.Beta, 0)
}

func (p BetaPrior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// JeffreysPrior is used whenever a supplied prior is not usable.
var JeffreysPrior = BetaPrior{Alpha: 0.5, Beta: 0.5}

// PriorFromRate builds a prior centred on rate worth strength pseudo-trials.
func PriorFromRate(rate, strength float64) BetaPrior {
	if !stats.IsFinite(rate) || rate <= 0 || rate >= 1 || !(strength > 0) {
		return JeffreysPrior
	}
	return BetaPrior{Alpha: rate * strength, Beta: (1 - rate) * strength}
}

type BetaRateInput struct {
	Successes    int
	Trials       int
	Prior        BetaPrior
	BaselineRate *float64
	Delta        float64
	MinSupport   int
	// Probability the posterior must put above baseline+delta. Default 0.9.
	Threshold float64
}

const (
	defaultBetaDelta     = 0.05
	defaultBetaThreshold = 0.9
	defaultMinSupport    = 5
)

// BetaRate tests whether the true success rate exceeds the baseline rate by
// more than Delta, using a normal approximation of the Beta posterior.
func BetaRate(in BetaRateInput) *model.DetectorResult {
	minSupport := in.MinSupport
	if minSupport <= 0 {
		minSupport = defaultMinSupport
	}
	if in.Trials < minSupport || in.Successes < 0 || in.Successes > in.Trials {
		return nil
	}
	delta := in.Delta
	if !stats.IsFinite(delta) || delta < 0 {
		delta = defaultBetaDelta
	}
	threshold := in.Threshold
	if !(threshold > 0 && threshold < 1) {
		threshold = defaultBetaThreshold
	}
	prior := in.Prior
	if prior.degenerate() {
		prior = JeffreysPrior
	}
	baseline := prior.Mean()
	if in.BaselineRate != nil && stats.IsFinite(*in.BaselineRate) {
		baseline = stats.Clamp(*in.BaselineRate, 0, 1)
	}

	a := prior.Alpha + float64(in.Successes)
	b := prior.Beta + float64(in.Trials-in.Successes)
	mean := a / (a + b)
	sd := math.Sqrt(a * b / ((a + b) * (a + b) * (a + b + 1)))
	target := baseline + delta
	prob := 1 - stats.NormalCDF((target-mean)/sd)
	if prob < threshold {
		return nil
	}

	ciLow := stats.Clamp(mean-1.96*sd, 0, 1)
	ciHigh := stats.Clamp(mean+1.96*sd, 0, 1)
	effect := mean - baseline
	score := 1 - math.Exp(-math.Max(0, effect)/math.Max(delta, 0.01))
	impact := ImpactLow
	if baseline > 0 {
		switch lift := mean / baseline; {
		case lift >= 1.75:
			impact = ImpactHigh
		case lift >= 1.3:
			impact = ImpactMedium
		}
	} else if effect > 0 {
		impact = ImpactHigh
	}
	return &model.DetectorResult{
		Score:            score,
		Confidence:       prob,
		ImpactHint:       impact,
		ThresholdApplied: target,
		Sources: []model.Source{{
			Type:  "beta_rate",
			Label: "Rate above baseline",
			Details: map[string]string{
				"successes": strconv.Itoa(in.Successes),
				"trials":    strconv.Itoa(in.Trials),
				"baseline":  formatFloat(baseline),
				"posterior": formatFloat(mean),
			},
		}},
		Analysis: map[string]float64{
			"posteriorMean":  mean,
			"posteriorSd":    sd,
			"posteriorAlpha": a,
			"posteriorBeta":  b,
			"baselineRate":   baseline,
			"delta":          delta,
			"probability":    prob,
			"ciLow":          ciLow,
			"ciHigh":         ciHigh,
			"trials":         float64(in.Trials),
			"successes":      float64(in.Successes),
		},
	}
}
