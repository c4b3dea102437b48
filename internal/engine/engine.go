// Package engine turns a student's tracking history into governed alerts.
// It builds detector inputs, runs every applicable detector in isolation and
// pushes the candidates through the policy layer.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"behaviorguard/internal/alerts"
	"behaviorguard/internal/baseline"
	"behaviorguard/internal/capability"
	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
	"behaviorguard/internal/policy"
	"behaviorguard/internal/storage"
)

type Engine struct {
	logger   *slog.Logger
	profiles *baseline.Store
	alerts   *alerts.Store
	store    storage.Store
	policies *policy.Policies
	cfg      atomic.Value
	mu       sync.Mutex
	history  map[string][]model.TrackingEntry
	started  time.Time
	cooldown *Cooldown
	deDupe   *DedupeCache
	suite    suite
	now      func() time.Time
}

// NewEngine wires the engine. A nil policies builds one over store, or over
// memory when store is nil too.
func NewEngine(cfg *config.Config, logger *slog.Logger, profiles *baseline.Store, alertsStore *alerts.Store, store storage.Store, policies *policy.Policies) *Engine {
	if policies == nil {
		var kv storage.KV
		if store != nil {
			kv = store
		}
		policies = policy.New(kv, policy.OptionsFromConfig(cfg.Policy, logger))
	}
	if profiles == nil {
		profiles = baseline.NewStore(cfg.Baselines.StoreLimit)
	}
	if alertsStore == nil {
		alertsStore = alerts.NewStore(cfg.Alerts.StoreLimit)
	}
	e := &Engine{
		logger:   logger,
		profiles: profiles,
		alerts:   alertsStore,
		store:    store,
		policies: policies,
		history:  make(map[string][]model.TrackingEntry),
		started:  time.Now().UTC(),
		cooldown: NewCooldown(),
		deDupe:   NewDedupeCache(),
		suite:    defaultSuite(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Policies() *policy.Policies { return e.policies }
func (e *Engine) Alerts() *alerts.Store      { return e.alerts }
func (e *Engine) Started() time.Time         { return e.started }

func (e *Engine) baselineService(cfg *config.Config) *baseline.Service {
	return baseline.NewService(baseline.Options{
		Window:          cfg.Baselines.Window,
		SigmaFloor:      cfg.Baselines.SigmaFloor,
		RecencyHalfLife: cfg.Baselines.RecencyHalfLife,
	})
}

func (e *Engine) Start(ctx context.Context, in <-chan model.TrackingEntry) {
	go func() {
		for {
			select {
			case entry := <-in:
				e.ProcessEntry(ctx, entry)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StartReevaluation re-runs detection for every known student on each
// interval tick. A tick is skipped only when the checker positively reports
// the host as unavailable.
func (e *Engine) StartReevaluation(ctx context.Context, checker capability.FailOpen) {
	interval := e.config().Detection.ReevaluateInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !checker.Allowed(ctx) {
					if e.logger != nil {
						e.logger.Debug("re-evaluation skipped", "reason", "capability unavailable")
					}
					continue
				}
				if _, err := e.Reevaluate(ctx); err != nil && e.logger != nil {
					e.logger.Warn("re-evaluation failed", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ProcessEntry records one tracking entry and, unless the student is inside
// the evaluation cooldown, re-evaluates the student and returns the alerts
// that passed governance.
func (e *Engine) ProcessEntry(ctx context.Context, entry model.TrackingEntry) []model.AlertEvent {
	if entry.StudentID == "" {
		return nil
	}
	cfg := e.config()
	now := e.now()
	entry.Timestamp = clampTimestamp(entry.Timestamp, now, cfg.Ingest.Parser.MaxFutureSkew)

	if e.isDuplicate(entry, now, cfg.Detection.EntryDedupeWindow) {
		return nil
	}
	data := e.record(entry, cfg.Detection.HistoryLimit)
	if !e.cooldown.Allow(entry.StudentID, now, cfg.Detection.EvaluateCooldown) {
		if until, ok := e.cooldown.NextEligible(entry.StudentID, now); ok && e.logger != nil {
			e.logger.Debug("evaluation deferred", "student_id", entry.StudentID, "next_eligible_at", until)
		}
		return nil
	}
	settings := e.policies.SettingsFor(ctx, entry.StudentID)
	return e.govern(ctx, e.Evaluate(ctx, data, settings))
}

// Reevaluate evaluates every student with history and governs the results.
func (e *Engine) Reevaluate(ctx context.Context) (int, error) {
	batch := e.snapshotAll()
	results, err := e.EvaluateAll(ctx, batch)
	if err != nil {
		return 0, err
	}
	var surfaced int
	for _, candidates := range results {
		surfaced += len(e.govern(ctx, candidates))
	}
	return surfaced, nil
}

func (e *Engine) govern(ctx context.Context, candidates []model.AlertEvent) []model.AlertEvent {
	if len(candidates) == 0 {
		return nil
	}
	res := e.policies.ProcessBatch(ctx, candidates)
	for _, alert := range res.Surfaced {
		e.surface(ctx, alert)
	}
	return res.Surfaced
}

func (e *Engine) surface(ctx context.Context, alert model.AlertEvent) {
	e.alerts.Add(alert)
	if e.logger != nil {
		e.logger.Warn("alert surfaced",
			"student_id", alert.StudentID,
			"kind", alert.Kind,
			"severity", alert.Severity,
			"context", alert.ContextKey,
		)
	}
	if e.store != nil {
		if err := e.store.SaveAlert(ctx, alert); err != nil && e.logger != nil {
			e.logger.Warn("save alert failed", "alert_id", alert.ID, "err", err)
		}
	}
}

func (e *Engine) record(entry model.TrackingEntry, limit int) model.StudentData {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[entry.StudentID], entry)
	if over := len(h) - limit; limit > 0 && over > 0 {
		h = append(h[:0], h[over:]...)
	}
	e.history[entry.StudentID] = h
	return studentData(entry.StudentID, h)
}

func studentData(studentID string, h []model.TrackingEntry) model.StudentData {
	tracking := make([]model.TrackingEntry, len(h))
	copy(tracking, h)
	return model.StudentData{StudentID: studentID, Tracking: tracking}
}

// Snapshot returns a copy of the student's recorded history.
func (e *Engine) Snapshot(studentID string) (model.StudentData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.history[studentID]
	if !ok {
		return model.StudentData{}, false
	}
	return studentData(studentID, h), true
}

func (e *Engine) snapshotAll() []model.StudentData {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.history))
	for id := range e.history {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.StudentData, 0, len(ids))
	for _, id := range ids {
		out = append(out, studentData(id, e.history[id]))
	}
	return out
}

func (e *Engine) Students() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.history))
	for id := range e.history {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Baseline returns the last computed profile for the student, computing one
// from recorded history when none is cached.
func (e *Engine) Baseline(studentID string) (model.StudentBaseline, bool) {
	if b, ok := e.profiles.Get(studentID); ok {
		return b, true
	}
	data, ok := e.Snapshot(studentID)
	if !ok {
		return model.StudentBaseline{}, false
	}
	b := e.baselineService(e.config()).Compute(data, e.now())
	e.profiles.Update(b)
	return b, true
}

func (e *Engine) Reset() {
	e.mu.Lock()
	e.history = make(map[string][]model.TrackingEntry)
	e.mu.Unlock()
	e.cooldown.Reset()
	e.deDupe.Reset()
	e.profiles.Clear()
	e.alerts.Clear()
}

// ClearBaselines drops cached profiles; the next evaluation recomputes them.
func (e *Engine) ClearBaselines() {
	e.profiles.Clear()
}

func (e *Engine) isDuplicate(entry model.TrackingEntry, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return e.deDupe.Seen(hashEntry(entry), now, ttl)
}

func clampTimestamp(ts, now time.Time, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	ts = ts.UTC()
	if maxFuture > 0 && ts.After(now.Add(maxFuture)) {
		return now
	}
	return ts
}
