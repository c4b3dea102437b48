package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"behaviorguard/internal/baseline"
	"behaviorguard/internal/config"
	"behaviorguard/internal/detectors"
	"behaviorguard/internal/model"
	"behaviorguard/internal/policy"
)

// Alert kinds.
const (
	KindTrend       = "ewma_trend"
	KindShift       = "cusum_shift"
	KindRateShift   = "rate_shift"
	KindAssociation = "association"
	KindBurst       = "burst"
)

type suite struct {
	ewma        func([]model.TrendPoint, detectors.EWMAOptions) *model.DetectorResult
	cusum       func([]model.TrendPoint, detectors.CUSUMOptions) *model.DetectorResult
	betaRate    func(detectors.BetaRateInput) *model.DetectorResult
	association func(detectors.AssociationInput) *model.DetectorResult
	burst       func([]detectors.BurstEvent, detectors.BurstOptions) *model.DetectorResult
}

func defaultSuite() suite {
	return suite{
		ewma:        detectors.EWMA,
		cusum:       detectors.CUSUM,
		betaRate:    detectors.BetaRate,
		association: detectors.Association,
		burst:       detectors.Burst,
	}
}

// Evaluate runs every applicable detector over data and returns ungoverned
// candidate alerts. A detector that panics contributes nothing.
func (e *Engine) Evaluate(ctx context.Context, data model.StudentData, settings model.AlertSettings) []model.AlertEvent {
	cfg := e.config()
	det := cfg.Detection
	now := e.now()
	svc := e.baselineService(cfg)
	e.profiles.Update(svc.Compute(data, now))

	out := make([]model.AlertEvent, 0)
	emit := func(kind, contextKey string, res *model.DetectorResult) {
		if res != nil {
			out = append(out, newAlert(data.StudentID, kind, contextKey, res, now))
		}
	}

	series := baseline.ExtractSeries(data)
	metrics := make([]string, 0, len(series))
	for m := range series {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	for _, metric := range metrics {
		if ctx.Err() != nil {
			return out
		}
		points := tail(series[metric], det.SeriesLimit)
		ref := referenceFor(svc, points, det, now)
		if det.EWMA.Enabled {
			opts := detectors.EWMAOptions{
				Lambda:                det.EWMA.Lambda,
				MinPoints:             det.EWMA.MinPoints,
				TargetFalseAlertsPerN: det.TargetFalseAlertsPerN * stringency(settings.SensitivityFor(KindTrend)),
				SustainedBreaches:     det.EWMA.SustainedBreaches,
				SustainedWindow:       det.EWMA.SustainedWindow,
			}
			ref.applyEWMA(&opts)
			emit(KindTrend, metric, e.run(KindTrend, metric, func() *model.DetectorResult {
				return e.suite.ewma(points, opts)
			}))
		}
		if det.CUSUM.Enabled {
			opts := detectors.CUSUMOptions{
				KFactor:               det.CUSUM.KFactor,
				MinPoints:             det.CUSUM.MinPoints,
				TargetFalseAlertsPerN: det.TargetFalseAlertsPerN * stringency(settings.SensitivityFor(KindShift)),
				Sided:                 detectors.Side(strings.ToLower(det.CUSUM.Sided)),
			}
			ref.applyCUSUM(&opts)
			emit(KindShift, metric, e.run(KindShift, metric, func() *model.DetectorResult {
				return e.suite.cusum(points, opts)
			}))
		}
	}

	if det.BetaRate.Enabled && ctx.Err() == nil {
		m := stringency(settings.SensitivityFor(KindRateShift))
		for _, in := range rateInputs(data, det) {
			in.input.Threshold = rateThreshold(m)
			input := in.input
			emit(KindRateShift, in.contextKey, e.run(KindRateShift, in.contextKey, func() *model.DetectorResult {
				return e.suite.betaRate(input)
			}))
		}
	}
	if det.Association.Enabled && ctx.Err() == nil {
		m := stringency(settings.SensitivityFor(KindAssociation))
		for _, in := range associationInputs(data, det) {
			input := in.input
			input.MaxPValue = det.Association.MaxPValue / m
			emit(KindAssociation, in.contextKey, e.run(KindAssociation, in.contextKey, func() *model.DetectorResult {
				return e.suite.association(input)
			}))
		}
	}
	if det.Burst.Enabled && ctx.Err() == nil {
		m := stringency(settings.SensitivityFor(KindBurst))
		opts := detectors.BurstOptions{
			WindowMinutes: det.Burst.WindowMinutes,
			MinEvents:     det.Burst.MinEvents,
			Alpha:         det.Burst.Alpha / m,
		}
		for _, in := range burstInputs(data, det) {
			events := in.events
			emit(KindBurst, in.contextKey, e.run(KindBurst, in.contextKey, func() *model.DetectorResult {
				return e.suite.burst(events, opts)
			}))
		}
	}
	return out
}

// EvaluateAll evaluates students concurrently, each with their own stored
// settings. Results line up with batch.
func (e *Engine) EvaluateAll(ctx context.Context, batch []model.StudentData) ([][]model.AlertEvent, error) {
	out := make([][]model.AlertEvent, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.config().Detection.Workers))
	for i, data := range batch {
		i, data := i, data
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = e.Evaluate(gctx, data, e.policies.SettingsFor(gctx, data.StudentID))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) run(kind, contextKey string, fn func() *model.DetectorResult) (res *model.DetectorResult) {
	defer func() {
		if r := recover(); r != nil {
			if e.logger != nil {
				e.logger.Error("detector panicked", "kind", kind, "context", contextKey, "panic", r)
			}
			res = nil
		}
	}()
	return fn()
}

func newAlert(studentID, kind, contextKey string, res *model.DetectorResult, at time.Time) model.AlertEvent {
	sources := make([]model.Source, 0, len(res.Sources)+1)
	sources = append(sources, res.Sources...)
	sources = append(sources, model.Source{Type: "metric", Label: contextKey})
	return model.AlertEvent{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		Kind:       kind,
		Severity:   severityFor(res),
		CreatedAt:  at,
		ContextKey: contextKey,
		DedupeKey:  policy.CalculateDedupeKey(studentID, kind, contextKey, at),
		Metadata: model.AlertMetadata{
			Score:            res.Score,
			Confidence:       res.Confidence,
			ImpactHint:       res.ImpactHint,
			ThresholdApplied: res.ThresholdApplied,
			Sources:          sources,
			Analysis:         res.Analysis,
		},
	}
}

// severityFor blends confidence and score; critical additionally needs a
// high impact hint.
func severityFor(res *model.DetectorResult) model.Severity {
	composite := 0.6*res.Confidence + 0.4*res.Score
	switch {
	case composite >= 0.9 && res.ImpactHint == detectors.ImpactHigh:
		return model.SeverityCritical
	case composite >= 0.75:
		return model.SeverityImportant
	case composite >= 0.55:
		return model.SeverityModerate
	}
	return model.SeverityLow
}

// stringency scales false-alert budgets: high sensitivity halves the target
// denominator and doubles p-value allowances, low does the opposite.
func stringency(s model.Sensitivity) float64 {
	switch s {
	case model.SensitivityHigh:
		return 0.5
	case model.SensitivityLow:
		return 2
	}
	return 1
}

func rateThreshold(m float64) float64 {
	switch {
	case m < 1:
		return 0.85
	case m > 1:
		return 0.95
	}
	return 0.9
}

// reference is an in-control baseline taken from the older half of a series.
type reference struct {
	median, iqr, quality *float64
}

func referenceFor(svc *baseline.Service, points []model.TrendPoint, det config.DetectionConfig, now time.Time) reference {
	minPoints := max(det.EWMA.MinPoints, det.CUSUM.MinPoints, detectors.DefaultMinPoints)
	if len(points) < 2*minPoints {
		return reference{}
	}
	b, ok := svc.ComputeReference(points[:len(points)/2], now)
	if !ok {
		return reference{}
	}
	return reference{median: &b.Median, iqr: &b.IQR, quality: &b.Quality}
}

func (r reference) applyEWMA(o *detectors.EWMAOptions) {
	o.BaselineMedian, o.BaselineIQR, o.BaselineQualityScore = r.median, r.iqr, r.quality
}

func (r reference) applyCUSUM(o *detectors.CUSUMOptions) {
	o.BaselineMedian, o.BaselineIQR, o.BaselineQualityScore = r.median, r.iqr, r.quality
}

func tail[T any](xs []T, limit int) []T {
	if limit > 0 && len(xs) > limit {
		return xs[len(xs)-limit:]
	}
	return xs
}
