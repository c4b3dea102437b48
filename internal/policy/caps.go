package policy

import (
	"context"
	"sort"
	"time"

	"behaviorguard/internal/model"
)

type capCounts map[model.Severity]int

// capLedger caches daily counters for one locked pass and remembers which
// ones must be written back.
type capLedger struct {
	counts map[string]capCounts
	dirty  map[string]bool
}

func newCapLedger() *capLedger {
	return &capLedger{counts: make(map[string]capCounts), dirty: make(map[string]bool)}
}

func (l *capLedger) get(ctx context.Context, p *Policies, key string) capCounts {
	if c, ok := l.counts[key]; ok {
		return c
	}
	c := capCounts{}
	p.load(ctx, key, &c)
	l.counts[key] = c
	return c
}

func (l *capLedger) inc(ctx context.Context, p *Policies, key string, sev model.Severity) {
	l.get(ctx, p, key)[sev]++
	l.dirty[key] = true
}

func (l *capLedger) flush(ctx context.Context, p *Policies) {
	for key := range l.dirty {
		p.save(ctx, key, l.counts[key])
	}
	l.dirty = make(map[string]bool)
}

// capDay is the calendar day of at in the student's timezone.
func capDay(settings model.AlertSettings, at time.Time) string {
	return at.In(location(settings.Timezone)).Format("2006-01-02")
}

// exceeds reports whether one more alert of sev would pass the cap.
// A cap of 0 means unlimited.
func exceeds(settings model.AlertSettings, counts capCounts, sev model.Severity) bool {
	limit := settings.DailyCaps[sev]
	return limit > 0 && counts[sev]+1 > limit
}

// EnforceCapLimits walks alerts in creation order with running per-severity
// counters seeded from today's persisted counts and marks overflow. Alerts
// come back in their original order; nothing is persisted.
func (p *Policies) EnforceCapLimits(ctx context.Context, alerts []model.AlertEvent) []model.AlertEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.AlertEvent, len(alerts))
	copy(out, alerts)
	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return out[order[i]].CreatedAt.Before(out[order[j]].CreatedAt) })

	ledger := newCapLedger()
	settings := make(map[string]model.AlertSettings)
	for _, idx := range order {
		a := out[idx]
		s, ok := settings[a.StudentID]
		if !ok {
			s = p.settingsFor(ctx, a.StudentID)
			settings[a.StudentID] = s
		}
		key := capsKey(a.StudentID, capDay(s, createdOrNow(a, p.now())))
		counts := ledger.get(ctx, p, key)
		if exceeds(s, counts, a.Severity) {
			out[idx] = a.WithGovernance(model.GovernanceStatus{CapExceeded: true})
		}
		counts[a.Severity]++
	}
	return out
}

func createdOrNow(a model.AlertEvent, now time.Time) time.Time {
	if a.CreatedAt.IsZero() {
		return now
	}
	return a.CreatedAt
}
