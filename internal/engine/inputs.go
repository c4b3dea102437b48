package engine

import (
	"sort"
	"strings"
	"time"

	"behaviorguard/internal/baseline"
	"behaviorguard/internal/config"
	"behaviorguard/internal/detectors"
	"behaviorguard/internal/model"
)

type rateInput struct {
	contextKey string
	input      detectors.BetaRateInput
}

type associationInput struct {
	contextKey string
	input      detectors.AssociationInput
}

type burstInput struct {
	contextKey string
	events     []detectors.BurstEvent
}

// rateInputs compares, per emotion, the share of high-intensity events in the
// recent window against the share before it. The older period seeds the
// prior and sets the baseline rate; emotions without enough older support
// are skipped.
func rateInputs(data model.StudentData, det config.DetectionConfig) []rateInput {
	emotions := tail(sortedEmotions(data.AllEmotions()), det.SeriesLimit)
	if len(emotions) == 0 {
		return nil
	}
	cutoff := emotions[len(emotions)-1].Timestamp.Add(-det.RecentWindow)
	type tally struct{ oldHigh, oldN, newHigh, newN int }
	byName := make(map[string]*tally)
	for _, e := range emotions {
		name := strings.ToLower(strings.TrimSpace(e.Emotion))
		if name == "" {
			continue
		}
		t := byName[name]
		if t == nil {
			t = &tally{}
			byName[name] = t
		}
		high := e.Intensity >= det.HighIntensity
		if e.Timestamp.After(cutoff) {
			t.newN++
			if high {
				t.newHigh++
			}
		} else {
			t.oldN++
			if high {
				t.oldHigh++
			}
		}
	}
	minSupport := det.BetaRate.MinSupport
	if minSupport <= 0 {
		minSupport = 5
	}
	out := make([]rateInput, 0, len(byName))
	for _, name := range sortedKeys(byName) {
		t := byName[name]
		if t.oldN < minSupport {
			continue
		}
		rate := float64(t.oldHigh) / float64(t.oldN)
		out = append(out, rateInput{
			contextKey: "emotion:" + name,
			input: detectors.BetaRateInput{
				Successes:    t.newHigh,
				Trials:       t.newN,
				Prior:        detectors.PriorFromRate(rate, det.BetaRate.PriorStrength),
				BaselineRate: &rate,
				Delta:        det.BetaRate.Delta,
				MinSupport:   minSupport,
			},
		})
	}
	return out
}

// associationInputs tabulates, per tracking entry, whether a condition (a
// sensory response, or noise above threshold) co-occurs with any
// high-intensity emotion.
func associationInputs(data model.StudentData, det config.DetectionConfig) []associationInput {
	entries := tail(sortedTracking(data.Tracking), det.SeriesLimit)
	if len(entries) == 0 {
		return nil
	}
	type row struct {
		peak    float64
		high    bool
		sensory map[string]float64
	}
	rows := make([]row, len(entries))
	responses := make(map[string]struct{})
	for i, t := range entries {
		r := row{sensory: make(map[string]float64)}
		for _, e := range t.Emotions {
			r.peak = max(r.peak, e.Intensity)
		}
		r.high = len(t.Emotions) > 0 && r.peak >= det.HighIntensity
		for _, s := range t.Sensory {
			name := strings.ToLower(strings.TrimSpace(s.Response))
			if name == "" {
				name = strings.ToLower(strings.TrimSpace(s.Type))
			}
			if name == "" {
				continue
			}
			r.sensory[name] = max(r.sensory[name], s.Intensity)
			responses[name] = struct{}{}
		}
		rows[i] = r
	}

	out := make([]associationInput, 0, len(responses)+1)
	for _, name := range sortedKeys(responses) {
		in := detectors.AssociationInput{MinSupport: det.Association.MinSupport}
		for _, r := range rows {
			intensity, present := r.sensory[name]
			tabulate(&in, present, r.high)
			in.SeriesX = append(in.SeriesX, intensity)
			in.SeriesY = append(in.SeriesY, r.peak)
		}
		out = append(out, associationInput{contextKey: "sensory:" + name + "|emotion:high", input: in})
	}

	noise := detectors.AssociationInput{MinSupport: det.Association.MinSupport}
	var withNoise int
	for i, t := range entries {
		if t.Environment.NoiseLevel == nil || !(*t.Environment.NoiseLevel >= 0) {
			continue
		}
		withNoise++
		level := *t.Environment.NoiseLevel
		tabulate(&noise, level >= det.NoiseThreshold, rows[i].high)
		noise.SeriesX = append(noise.SeriesX, level)
		noise.SeriesY = append(noise.SeriesY, rows[i].peak)
	}
	if withNoise > 0 {
		out = append(out, associationInput{contextKey: baseline.MetricNoise + "|emotion:high", input: noise})
	}
	return out
}

func tabulate(in *detectors.AssociationInput, x, y bool) {
	switch {
	case x && y:
		in.A++
	case x:
		in.B++
	case y:
		in.C++
	default:
		in.D++
	}
}

// burstInputs collects high-intensity emotion and sensory events. Events
// nested in a tracking entry carry its noise level as the paired value.
func burstInputs(data model.StudentData, det config.DetectionConfig) []burstInput {
	var emotions, sensory []detectors.BurstEvent
	add := func(dst *[]detectors.BurstEvent, at time.Time, intensity float64, noise *float64) {
		if intensity < det.HighIntensity {
			return
		}
		*dst = append(*dst, detectors.BurstEvent{Timestamp: at.UnixMilli(), Value: intensity, PairedValue: noise})
	}
	for _, e := range data.Emotions {
		add(&emotions, e.Timestamp, e.Intensity, nil)
	}
	for _, s := range data.Sensory {
		add(&sensory, s.Timestamp, s.Intensity, nil)
	}
	for _, t := range data.Tracking {
		noise := t.Environment.NoiseLevel
		for _, e := range t.Emotions {
			at := e.Timestamp
			if at.IsZero() {
				at = t.Timestamp
			}
			add(&emotions, at, e.Intensity, noise)
		}
		for _, s := range t.Sensory {
			at := s.Timestamp
			if at.IsZero() {
				at = t.Timestamp
			}
			add(&sensory, at, s.Intensity, noise)
		}
	}
	out := make([]burstInput, 0, 2)
	if len(emotions) > 0 {
		out = append(out, burstInput{contextKey: "burst:emotion", events: latestEvents(emotions, det.SeriesLimit)})
	}
	if len(sensory) > 0 {
		out = append(out, burstInput{contextKey: "burst:sensory", events: latestEvents(sensory, det.SeriesLimit)})
	}
	return out
}

func latestEvents(events []detectors.BurstEvent, limit int) []detectors.BurstEvent {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return tail(events, limit)
}

func sortedEmotions(xs []model.EmotionEntry) []model.EmotionEntry {
	sort.SliceStable(xs, func(i, j int) bool { return xs[i].Timestamp.Before(xs[j].Timestamp) })
	return xs
}

func sortedTracking(xs []model.TrackingEntry) []model.TrackingEntry {
	out := make([]model.TrackingEntry, len(xs))
	copy(out, xs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
