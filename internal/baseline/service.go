// Package baseline computes robust per-metric location and scale estimates
// for a student from their recent history, together with a reliability score.
package baseline

import (
	"math"
	"sort"
	"strings"
	"time"

	"behaviorguard/internal/model"
	"behaviorguard/internal/stats"
)

const (
	MetricNoise = "environment:noise"
)

type Options struct {
	// Window is the number of most recent samples per metric.
	Window          int
	SigmaFloor      float64
	RecencyHalfLife time.Duration
}

func DefaultOptions() Options {
	return Options{
		Window:          14,
		SigmaFloor:      0.05,
		RecencyHalfLife: 7 * 24 * time.Hour,
	}
}

type Service struct {
	opts Options
}

func NewService(opts Options) *Service {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.SigmaFloor <= 0 {
		opts.SigmaFloor = def.SigmaFloor
	}
	if opts.RecencyHalfLife <= 0 {
		opts.RecencyHalfLife = def.RecencyHalfLife
	}
	return &Service{opts: opts}
}

func (s *Service) Window() int {
	return s.opts.Window
}

// Compute never fails: metrics without any finite sample are omitted and an
// empty history yields reliability 0.
func (s *Service) Compute(data model.StudentData, now time.Time) model.StudentBaseline {
	out := model.StudentBaseline{
		StudentID:  data.StudentID,
		ComputedAt: now.UTC(),
		Metrics:    make(map[model.MetricKey]model.Baseline),
	}
	var weighted, weights float64
	for metric, series := range ExtractSeries(data) {
		b, ok := s.compute(series, s.opts.Window, now)
		if !ok {
			continue
		}
		out.Metrics[model.MetricKey{Metric: metric, Window: s.opts.Window}] = b
		weighted += b.Quality * float64(b.N)
		weights += float64(b.N)
	}
	if weights > 0 {
		out.Reliability = stats.Clamp(weighted/weights, 0, 1)
	}
	return out
}

// ComputeSeries builds a single baseline from the last Window points of series.
func (s *Service) ComputeSeries(series []model.TrendPoint, now time.Time) (model.Baseline, bool) {
	return s.compute(series, s.opts.Window, now)
}

// ComputeReference uses every point of series, so a long in-control prefix
// counts as full support.
func (s *Service) ComputeReference(series []model.TrendPoint, now time.Time) (model.Baseline, bool) {
	return s.compute(series, max(s.opts.Window, len(series)), now)
}

func (s *Service) compute(series []model.TrendPoint, window int, now time.Time) (model.Baseline, bool) {
	if len(series) == 0 {
		return model.Baseline{}, false
	}
	recent := series
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	values := make([]float64, 0, len(recent))
	var last int64
	for _, p := range recent {
		if !stats.IsFinite(p.Value) {
			continue
		}
		values = append(values, p.Value)
		if p.Timestamp > last {
			last = p.Timestamp
		}
	}
	if len(values) == 0 {
		return model.Baseline{}, false
	}
	b := model.Baseline{
		Median: stats.Median(values),
		IQR:    stats.IQR(values),
		Sigma:  stats.RobustSigma(values, s.opts.SigmaFloor),
		N:      len(values),
	}
	sampleScore := math.Min(1, float64(len(values))/float64(s.opts.Window))
	completeness := float64(len(values)) / float64(len(recent))
	age := now.Sub(time.UnixMilli(last))
	if age < 0 {
		age = 0
	}
	recency := math.Pow(0.5, age.Hours()/s.opts.RecencyHalfLife.Hours())
	b.Quality = stats.Clamp(0.5*sampleScore+0.3*recency+0.2*completeness, 0, 1)
	return b, true
}

// ExtractSeries turns raw entries into time-sorted series keyed by metric
// name: emotion:<name>, sensory:<response> and environment:noise.
func ExtractSeries(data model.StudentData) map[string][]model.TrendPoint {
	out := make(map[string][]model.TrendPoint)
	for _, e := range data.AllEmotions() {
		name := normalizeName(e.Emotion)
		if name == "" {
			continue
		}
		key := "emotion:" + name
		out[key] = append(out[key], model.TrendPoint{Timestamp: e.Timestamp.UnixMilli(), Value: e.Intensity})
	}
	for _, se := range data.AllSensory() {
		name := normalizeName(se.Response)
		if name == "" {
			name = normalizeName(se.Type)
		}
		if name == "" {
			continue
		}
		key := "sensory:" + name
		out[key] = append(out[key], model.TrendPoint{Timestamp: se.Timestamp.UnixMilli(), Value: se.Intensity})
	}
	for _, t := range data.Tracking {
		if t.Environment.NoiseLevel == nil {
			continue
		}
		out[MetricNoise] = append(out[MetricNoise], model.TrendPoint{Timestamp: t.Timestamp.UnixMilli(), Value: *t.Environment.NoiseLevel})
	}
	for k := range out {
		SortPoints(out[k])
	}
	return out
}

func SortPoints(points []model.TrendPoint) {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
}

func normalizeName(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
