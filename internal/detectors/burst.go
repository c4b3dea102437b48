package detectors

import (
	"math"
	"sort"
	"strconv"
	"time"

	"behaviorguard/internal/model"
	"behaviorguard/internal/stats"
)

type BurstOptions struct {
	WindowMinutes float64
	// MinEvents is never below 3.
	MinEvents int
	// Alpha bounds the scan-corrected Poisson p-value of the densest window
	// against the background rate of the remaining events.
	Alpha float64
}

func DefaultBurstOptions() BurstOptions {
	return BurstOptions{WindowMinutes: 15, MinEvents: 3, Alpha: 0.05}
}

func (o BurstOptions) normalized() BurstOptions {
	def := DefaultBurstOptions()
	if !(o.WindowMinutes > 0) {
		o.WindowMinutes = def.WindowMinutes
	}
	if o.MinEvents < 3 {
		o.MinEvents = 3
	}
	if !(o.Alpha > 0 && o.Alpha < 1) {
		o.Alpha = def.Alpha
	}
	return o
}

// Burst finds the densest window of events and reports it when it is both
// large enough and unlikely under the background rate.
func Burst(events []BurstEvent, opts BurstOptions) *model.DetectorResult {
	opts = opts.normalized()
	n := len(events)
	if n < opts.MinEvents {
		return nil
	}
	sorted := make([]BurstEvent, n)
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	windowMs := int64(opts.WindowMinutes * float64(time.Minute/time.Millisecond))
	w := newEventWindow(windowMs, 64)
	bestCount, bestEnd := 0, -1
	for i, ev := range sorted {
		if c := w.Push(ev); c > bestCount {
			bestCount, bestEnd = c, i
		}
	}
	if bestCount < opts.MinEvents {
		return nil
	}
	cluster := sorted[bestEnd-bestCount+1 : bestEnd+1]

	span := float64(sorted[n-1].Timestamp - sorted[0].Timestamp)
	window := float64(windowMs)
	background := math.Max(span-window, window)
	lambda := (float64(n-bestCount) + 0.5) * window / background
	pScan := math.Min(1, stats.PoissonSurvival(bestCount, lambda)*math.Max(1, span/window))
	if pScan > opts.Alpha {
		return nil
	}

	var sum float64
	var finite int
	xs := make([]float64, 0, len(cluster))
	ys := make([]float64, 0, len(cluster))
	for _, ev := range cluster {
		if stats.IsFinite(ev.Value) {
			sum += ev.Value
			finite++
		}
		if ev.PairedValue != nil {
			xs = append(xs, ev.Value)
			ys = append(ys, *ev.PairedValue)
		}
	}
	meanIntensity := 0.0
	if finite > 0 {
		meanIntensity = sum / float64(finite)
	}
	clusterMinutes := math.Max(1, float64(cluster[len(cluster)-1].Timestamp-cluster[0].Timestamp)/float64(time.Minute/time.Millisecond))
	density := float64(bestCount) / clusterMinutes
	lift := float64(bestCount) / lambda
	densityFactor := stats.Clamp(1-1/lift, 0, 1)
	margin := math.Min(1, float64(bestCount-opts.MinEvents)/float64(opts.MinEvents))

	confidence := 0.45*(1-pScan) + 0.25*margin + 0.3*densityFactor
	r := 0.0
	if len(xs) >= 3 {
		r = stats.Pearson(xs, ys)
		confidence += 0.1 * math.Abs(r) * (1 - confidence)
	}
	confidence = math.Min(0.99, confidence)

	impact := ImpactLow
	switch {
	case meanIntensity >= 4:
		impact = ImpactHigh
	case meanIntensity >= 2.5:
		impact = ImpactMedium
	}
	analysis := map[string]float64{
		"count":          float64(bestCount),
		"events":         float64(n),
		"windowMinutes":  opts.WindowMinutes,
		"density":        density,
		"meanIntensity":  meanIntensity,
		"expected":       lambda,
		"lift":           lift,
		"pValue":         pScan,
		"startTimestamp": float64(cluster[0].Timestamp),
		"endTimestamp":   float64(cluster[len(cluster)-1].Timestamp),
	}
	if len(xs) >= 3 {
		analysis["correlation"] = r
	}
	return &model.DetectorResult{
		Score:            densityFactor,
		Confidence:       confidence,
		ImpactHint:       impact,
		ThresholdApplied: float64(opts.MinEvents),
		Sources: []model.Source{{
			Type:  "burst",
			Label: "Event cluster",
			Details: map[string]string{
				"count":         strconv.Itoa(bestCount),
				"windowMinutes": formatFloat(opts.WindowMinutes),
				"meanIntensity": formatFloat(meanIntensity),
			},
		}},
		Analysis: analysis,
	}
}
