package engine

import (
	"sync"
	"time"
)

const cooldownPruneAt = 4096

// Cooldown tracks, per student, when the next streaming evaluation may run.
type Cooldown struct {
	mu   sync.Mutex
	next map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{next: make(map[string]time.Time)}
}

// Allow reports whether studentID is eligible at now. An eligible student is
// rescheduled to now+d. A non-positive d always allows and records nothing.
func (c *Cooldown) Allow(studentID string, now time.Time, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.next[studentID]; ok && now.Before(until) {
		return false
	}
	c.next[studentID] = now.Add(d)
	if len(c.next) > cooldownPruneAt {
		c.prune(now)
	}
	return true
}

// NextEligible returns when studentID may be evaluated again, or false when
// it already may.
func (c *Cooldown) NextEligible(studentID string, now time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.next[studentID]
	if !ok || !now.Before(until) {
		return time.Time{}, false
	}
	return until, true
}

func (c *Cooldown) prune(now time.Time) {
	for id, until := range c.next {
		if !now.Before(until) {
			delete(c.next, id)
		}
	}
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.next)
}
