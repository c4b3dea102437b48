// Package alerts keeps the most recently surfaced alerts in memory.
package alerts

import (
	"sync"
	"time"

	"behaviorguard/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.AlertEvent
	limit int
	subs  []func(model.AlertEvent)
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

// Subscribe registers fn to be called, outside the lock, for every added alert.
func (s *Store) Subscribe(fn func(model.AlertEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) Add(alert model.AlertEvent) {
	s.mu.Lock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
	} else {
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = alert
	}
	subs := s.subs
	s.mu.Unlock()
	for _, fn := range subs {
		fn(alert)
	}
}

// List returns up to limit of the newest alerts, oldest first.
func (s *Store) List(limit int) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.AlertEvent, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertEvent, 0)
	for _, a := range s.buf {
		if !a.CreatedAt.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) ForStudent(studentID string, limit int) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertEvent, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if s.buf[i].StudentID != studentID {
			continue
		}
		out = append(out, s.buf[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
