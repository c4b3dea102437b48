package policy

import (
	"context"
	"math"
	"time"

	"behaviorguard/internal/model"
)

type ThrottlePhase string

const (
	PhaseEligible  ThrottlePhase = "eligible"
	PhaseScheduled ThrottlePhase = "scheduled"
)

// ThrottleState is persisted per (student, suppression key).
type ThrottleState struct {
	Phase    ThrottlePhase `json:"phase"`
	Until    time.Time     `json:"until,omitempty"`
	Attempts int           `json:"attempts"`
	LastAt   time.Time     `json:"last_at,omitempty"`
}

// attemptsResetAfter is how long a key must stay quiet before backoff
// starts over.
const attemptsResetAfter = 24 * time.Hour

var (
	backoffBase = map[model.Severity]float64{
		model.SeverityCritical:  1.3,
		model.SeverityImportant: 1.6,
		model.SeverityModerate:  2.0,
		model.SeverityLow:       2.5,
	}
	backoffCap = map[model.Severity]time.Duration{
		model.SeverityCritical:  time.Hour,
		model.SeverityImportant: 2 * time.Hour,
		model.SeverityModerate:  4 * time.Hour,
		model.SeverityLow:       6 * time.Hour,
	}
)

// ThrottleDelayFor is min(cap, base^min(10, attempts) seconds).
func (p *Policies) ThrottleDelayFor(sev model.Severity, attempts int) time.Duration {
	base, ok := backoffBase[sev]
	if !ok {
		base = backoffBase[model.SeverityLow]
	}
	limit, ok := backoffCap[sev]
	if !ok || limit > p.opts.MaxThrottleDelay {
		limit = p.opts.MaxThrottleDelay
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	delay := time.Duration(math.Pow(base, float64(attempts)) * float64(time.Second))
	if delay > limit {
		delay = limit
	}
	return delay
}

// advance moves a state to now: an elapsed schedule returns to eligible and
// a long quiet period forgets previous attempts.
func (s ThrottleState) advance(now time.Time) ThrottleState {
	if s.Phase == PhaseScheduled && !now.Before(s.Until) {
		s.Phase = PhaseEligible
	}
	if s.Phase == "" {
		s.Phase = PhaseEligible
	}
	if !s.LastAt.IsZero() && now.Sub(s.LastAt) > attemptsResetAfter {
		s.Attempts = 0
	}
	return s
}

// record schedules the next eligible time after an alert surfaced. The
// schedule never moves backwards.
func (s ThrottleState) record(now time.Time, delay time.Duration) ThrottleState {
	s.Attempts++
	s.LastAt = now
	until := now.Add(delay)
	if until.After(s.Until) {
		s.Until = until
	}
	s.Phase = PhaseScheduled
	return s
}

func (p *Policies) throttleState(ctx context.Context, studentID, key string, now time.Time) ThrottleState {
	var st ThrottleState
	p.load(ctx, throttleKey(studentID, key), &st)
	return st.advance(now)
}

// ShouldThrottle reports whether key is inside a persisted schedule and,
// if so, when it becomes eligible again.
func (p *Policies) ShouldThrottle(ctx context.Context, studentID, key string) (bool, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.throttleState(ctx, studentID, key, p.now())
	if st.Phase == PhaseScheduled {
		return true, st.Until
	}
	return false, time.Time{}
}

// ResetThrottle is the only way to pull a schedule back.
func (p *Policies) ResetThrottle(ctx context.Context, studentID, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.save(ctx, throttleKey(studentID, key), ThrottleState{Phase: PhaseEligible})
}
