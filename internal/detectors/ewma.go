package detectors

import (
	"math"
	"strconv"

	"behaviorguard/internal/model"
)

type EWMAOptions struct {
	Lambda                float64
	BaselineMedian        *float64
	BaselineIQR           *float64
	MinPoints             int
	TargetFalseAlertsPerN float64
	BaselineQualityScore  *float64
	// SustainedBreaches of the last SustainedWindow points must breach on
	// the same side before the detector fires.
	SustainedBreaches int
	SustainedWindow   int
}

func DefaultEWMAOptions() EWMAOptions {
	return EWMAOptions{
		Lambda:                0.2,
		MinPoints:             DefaultMinPoints,
		TargetFalseAlertsPerN: DefaultFalseAlertsPerN,
		SustainedBreaches:     3,
		SustainedWindow:       5,
	}
}

func (o EWMAOptions) normalized() EWMAOptions {
	def := DefaultEWMAOptions()
	if o.Lambda <= 0 || o.Lambda > 1 {
		o.Lambda = def.Lambda
	}
	if o.MinPoints <= 0 {
		o.MinPoints = def.MinPoints
	}
	if o.TargetFalseAlertsPerN <= 0 {
		o.TargetFalseAlertsPerN = def.TargetFalseAlertsPerN
	}
	if o.SustainedWindow <= 0 {
		o.SustainedWindow = def.SustainedWindow
	}
	if o.SustainedBreaches <= 0 {
		o.SustainedBreaches = def.SustainedBreaches
	}
	if o.SustainedBreaches > o.SustainedWindow {
		o.SustainedBreaches = o.SustainedWindow
	}
	return o
}

// EWMA runs an exponentially weighted moving average chart over points.
func EWMA(points []model.TrendPoint, opts EWMAOptions) *model.DetectorResult {
	opts = opts.normalized()
	series := finitePoints(points)
	n := len(series)
	if n < opts.MinPoints {
		return nil
	}
	xs := values(series)
	mu, sigma := referenceLevel(xs, opts.BaselineMedian, opts.BaselineIQR)
	lambda := opts.Lambda
	zc := criticalZ(opts.TargetFalseAlertsPerN, n)
	qf := qualityFactor(opts.BaselineQualityScore)
	limit := zc * sigma * math.Sqrt(lambda/(2-lambda)) * qf

	// sides of the last SustainedWindow points: +1, -1 or 0
	recent := make([]int, opts.SustainedWindow)
	z := mu
	run, runSide := 0, 0
	bestRatio := 0.0
	bestIdx, bestRun, bestSide := -1, 0, 0
	bestZ := mu
	for i, x := range xs {
		z = lambda*x + (1-lambda)*z
		dev := z - mu
		side := 0
		if math.Abs(dev) > limit {
			side = 1
			if dev < 0 {
				side = -1
			}
		}
		recent[i%opts.SustainedWindow] = side
		if side != 0 && side == runSide {
			run++
		} else if side != 0 {
			run, runSide = 1, side
		} else {
			run, runSide = 0, 0
		}
		if side == 0 {
			continue
		}
		same := 0
		for _, s := range recent {
			if s == side {
				same++
			}
		}
		if same < opts.SustainedBreaches {
			continue
		}
		ratio := math.Abs(dev) / limit
		if ratio > bestRatio || (ratio == bestRatio && run > bestRun) {
			bestRatio = ratio
			bestIdx, bestRun, bestSide = i, run, side
			bestZ = z
		}
	}
	if bestIdx < 0 {
		return nil
	}

	excess := bestRatio - 1
	score := 1 - math.Exp(-excess)
	confidence := math.Min(0.95, 0.6+0.08*float64(bestRun))
	impact := ImpactLow
	switch {
	case excess >= 1:
		impact = ImpactHigh
	case excess >= 0.25:
		impact = ImpactMedium
	}
	at := series[bestIdx]
	return &model.DetectorResult{
		Score:            score,
		Confidence:       confidence,
		ImpactHint:       impact,
		ThresholdApplied: limit,
		Sources: []model.Source{{
			Type:  "ewma",
			Label: "EWMA trend " + direction(float64(bestSide)),
			Details: map[string]string{
				"direction": direction(float64(bestSide)),
				"points":    strconv.Itoa(n),
				"ewma":      formatFloat(bestZ),
				"reference": formatFloat(mu),
			},
		}},
		Analysis: map[string]float64{
			"lambda":         lambda,
			"zCrit":          zc,
			"sigma":          sigma,
			"reference":      mu,
			"limit":          limit,
			"ewma":           bestZ,
			"ratio":          bestRatio,
			"consecutive":    float64(bestRun),
			"index":          float64(bestIdx),
			"timestamp":      float64(at.Timestamp),
			"direction":      float64(bestSide),
			"qualityFactor":  qf,
			"pointsAnalyzed": float64(n),
		},
	}
}
