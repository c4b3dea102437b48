package policy

import (
	"context"
	"time"
)

// SnoozeAll suppresses every alert of a student.
const SnoozeAll = "*"

type snoozeMap map[string]int64

func (p *Policies) snoozes(ctx context.Context, studentID string) snoozeMap {
	m := snoozeMap{}
	p.load(ctx, snoozeKey(studentID), &m)
	return m
}

// extend never shortens an existing snooze.
func (p *Policies) extend(ctx context.Context, studentID, key string, until time.Time) time.Time {
	if key == "" {
		key = SnoozeAll
	}
	m := p.snoozes(ctx, studentID)
	now := p.now()
	for k, ms := range m {
		if ms <= now.UnixMilli() {
			delete(m, k)
		}
	}
	if cur, ok := m[key]; ok && cur >= until.UnixMilli() {
		return time.UnixMilli(cur).UTC()
	}
	m[key] = until.UnixMilli()
	p.save(ctx, snoozeKey(studentID), m)
	return until
}

// Snooze suppresses key for hours, or the student's default when hours <= 0.
func (p *Policies) Snooze(ctx context.Context, studentID, key string, hours int) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hours <= 0 {
		hours = p.settingsFor(ctx, studentID).Snooze.DefaultHours
	}
	return p.extend(ctx, studentID, key, p.now().Add(time.Duration(hours)*time.Hour))
}

// DontShowForDays suppresses key for days, or the student's default.
func (p *Policies) DontShowForDays(ctx context.Context, studentID, key string, days int) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if days <= 0 {
		days = p.settingsFor(ctx, studentID).Snooze.DontShowDays
	}
	return p.extend(ctx, studentID, key, p.now().Add(time.Duration(days)*24*time.Hour))
}

func (p *Policies) IsSnoozed(ctx context.Context, studentID, key string) (bool, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isSnoozed(ctx, studentID, key, p.now())
}

func (p *Policies) isSnoozed(ctx context.Context, studentID, key string, now time.Time) (bool, time.Time) {
	m := p.snoozes(ctx, studentID)
	var until int64
	for _, k := range []string{key, SnoozeAll} {
		if ms, ok := m[k]; ok && ms > now.UnixMilli() && ms > until {
			until = ms
		}
	}
	if until == 0 {
		return false, time.Time{}
	}
	return true, time.UnixMilli(until).UTC()
}

// ClearSnooze explicitly lifts a snooze.
func (p *Policies) ClearSnooze(ctx context.Context, studentID, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == "" {
		key = SnoozeAll
	}
	m := p.snoozes(ctx, studentID)
	delete(m, key)
	p.save(ctx, snoozeKey(studentID), m)
}
