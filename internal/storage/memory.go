package storage

import (
	"context"
	"sync"

	"behaviorguard/internal/model"
)

type memoryStore struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	alerts []model.AlertEvent
	limit  int
}

// NewMemory returns a process-local store. Values are copied on the way in
// and out.
func NewMemory() Store {
	return &memoryStore{kv: make(map[string][]byte), limit: 10000}
}

func (m *memoryStore) Init(context.Context) error { return nil }

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryStore) SaveAlert(_ context.Context, alert model.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.limit {
		m.alerts = append([]model.AlertEvent(nil), m.alerts[len(m.alerts)-m.limit:]...)
	}
	return nil
}

func (m *memoryStore) ListAlerts(_ context.Context, studentID string, limit int) ([]model.AlertEvent, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AlertEvent, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if studentID == "" || m.alerts[i].StudentID == studentID {
			out = append(out, m.alerts[i])
		}
	}
	return out, nil
}
