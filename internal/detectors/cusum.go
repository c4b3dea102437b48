package detectors

import (
	"math"
	"strconv"

	"behaviorguard/internal/model"
)

type Side string

const (
	SideUpper Side = "upper"
	SideLower Side = "lower"
	SideBoth  Side = "both"
)

type CUSUMOptions struct {
	KFactor float64
	// DecisionInterval overrides the derived multiplier H (in sigma units).
	DecisionInterval      *float64
	MinPoints             int
	TargetFalseAlertsPerN float64
	BaselineQualityScore  *float64
	BaselineMedian        *float64
	BaselineIQR           *float64
	Sided                 Side
}

func DefaultCUSUMOptions() CUSUMOptions {
	return CUSUMOptions{
		KFactor:               0.5,
		MinPoints:             DefaultMinPoints,
		TargetFalseAlertsPerN: DefaultFalseAlertsPerN,
		Sided:                 SideBoth,
	}
}

func (o CUSUMOptions) normalized() CUSUMOptions {
	def := DefaultCUSUMOptions()
	if o.KFactor <= 0 {
		o.KFactor = def.KFactor
	}
	if o.MinPoints <= 0 {
		o.MinPoints = def.MinPoints
	}
	if o.TargetFalseAlertsPerN <= 0 {
		o.TargetFalseAlertsPerN = def.TargetFalseAlertsPerN
	}
	switch o.Sided {
	case SideUpper, SideLower, SideBoth:
	default:
		o.Sided = SideBoth
	}
	return o
}

// DecisionMultiplier derives H from the reference offset k (sigma units)
// and the in-control run length that must be exceeded, inverting
// Siegmund's approximation ARL0 = (e^{2kb} - 2kb - 1) / (2k^2) with
// b = H + 1.166. The result carries a 10% margin.
func DecisionMultiplier(k, arl float64) float64 {
	if k <= 0 {
		k = 0.5
	}
	if arl < 2 {
		arl = 2
	}
	b := 1.0
	for i := 0; i < 64; i++ {
		next := math.Log(2*k*k*arl+1+2*k*b) / (2 * k)
		if math.Abs(next-b) < 1e-9 {
			b = next
			break
		}
		b = next
	}
	h := (b - 1.166) * 1.1
	if h < 1 {
		h = 1
	}
	return h
}

// CUSUM runs a tabular cumulative-sum chart over points.
func CUSUM(points []model.TrendPoint, opts CUSUMOptions) *model.DetectorResult {
	opts = opts.normalized()
	series := finitePoints(points)
	n := len(series)
	if n < opts.MinPoints {
		return nil
	}
	xs := values(series)
	lo, hi := xs[0], xs[0]
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if hi-lo < 1e-12 {
		return nil
	}

	mu, sigma := referenceLevel(xs, opts.BaselineMedian, opts.BaselineIQR)
	k := opts.KFactor * sigma
	var mult float64
	if opts.DecisionInterval != nil && *opts.DecisionInterval > 0 {
		mult = *opts.DecisionInterval
	} else {
		arl := opts.TargetFalseAlertsPerN * float64(n)
		if opts.Sided == SideBoth {
			// each side gets half of the false-alarm budget
			arl *= 2
		}
		mult = DecisionMultiplier(opts.KFactor, arl)
	}
	qf := qualityFactor(opts.BaselineQualityScore)
	if qf > 1 {
		mult *= qf
	}
	h := mult * sigma

	var sUp, sDown, maxUp, maxDown float64
	upIdx, downIdx := -1, -1
	for i, x := range xs {
		sUp = math.Max(0, sUp+(x-(mu+k)))
		sDown = math.Max(0, sDown+((mu-k)-x))
		if sUp > maxUp {
			maxUp, upIdx = sUp, i
		}
		if sDown > maxDown {
			maxDown, downIdx = sDown, i
		}
	}

	maxS, idx, side := 0.0, -1, SideUpper
	if opts.Sided != SideLower && maxUp > h {
		maxS, idx = maxUp, upIdx
	}
	if opts.Sided != SideUpper && maxDown > h && maxDown > maxS {
		maxS, idx, side = maxDown, downIdx, SideLower
	}
	if idx < 0 {
		return nil
	}

	ratio := maxS / h
	confidence := math.Min(0.98, 0.65+0.15*math.Log(ratio))
	score := 1 - 1/ratio
	impact := ImpactLow
	switch {
	case ratio >= 3:
		impact = ImpactHigh
	case ratio >= 1.5:
		impact = ImpactMedium
	}
	sign := 1.0
	if side == SideLower {
		sign = -1
	}
	at := series[idx]
	return &model.DetectorResult{
		Score:            score,
		Confidence:       confidence,
		ImpactHint:       impact,
		ThresholdApplied: h,
		Sources: []model.Source{{
			Type:  "cusum",
			Label: "CUSUM shift " + direction(sign),
			Details: map[string]string{
				"side":      string(side),
				"index":     strconv.Itoa(idx),
				"value":     formatFloat(at.Value),
				"reference": formatFloat(mu),
			},
		}},
		Analysis: map[string]float64{
			"kFactor":        opts.KFactor,
			"k":              k,
			"h":              h,
			"hMultiplier":    mult,
			"sigma":          sigma,
			"reference":      mu,
			"maxStatistic":   maxS,
			"thresholdRatio": ratio,
			"index":          float64(idx),
			"timestamp":      float64(at.Timestamp),
			"value":          at.Value,
			"direction":      sign,
			"qualityFactor":  qf,
			"pointsAnalyzed": float64(n),
		},
	}
}
