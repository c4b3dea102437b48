package baseline

import (
	"sort"
	"sync"

	"behaviorguard/internal/model"
)

const defaultStoreLimit = 5000

type cached struct {
	profile model.StudentBaseline
	seq     uint64
}

// Store caches the latest computed profile per student. A profile is replaced
// wholesale on update; once the limit is exceeded the least recently written
// student is dropped.
type Store struct {
	mu      sync.RWMutex
	entries map[string]cached
	seq     uint64
	limit   int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = defaultStoreLimit
	}
	return &Store{entries: make(map[string]cached), limit: limit}
}

func (s *Store) Update(b model.StudentBaseline) {
	if b.StudentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries[b.StudentID] = cached{profile: b, seq: s.seq}
	for len(s.entries) > s.limit {
		s.dropStalest()
	}
}

func (s *Store) Get(studentID string) (model.StudentBaseline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[studentID]
	return c.profile, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Students lists cached student ids in sorted order.
func (s *Store) Students() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Store) dropStalest() {
	victim, lowest := "", uint64(0)
	for id, c := range s.entries {
		if victim == "" || c.seq < lowest {
			victim, lowest = id, c.seq
		}
	}
	delete(s.entries, victim)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}
