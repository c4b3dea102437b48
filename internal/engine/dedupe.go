package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"behaviorguard/internal/model"
)

const dedupeCompactAt = 10000

// DedupeCache remembers recently ingested entry fingerprints.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= ttl {
		return true
	}
	d.items[key] = now
	if len(d.items) > dedupeCompactAt {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

func (d *DedupeCache) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = make(map[string]time.Time)
}

// hashEntry fingerprints an entry by its id when it has one, otherwise by
// its full content.
func hashEntry(entry model.TrackingEntry) string {
	h := sha256.New()
	h.Write([]byte(entry.StudentID))
	h.Write([]byte{'|'})
	if entry.ID != "" {
		h.Write([]byte(entry.ID))
	} else {
		h.Write([]byte(strconv.FormatInt(entry.Timestamp.UnixNano(), 10)))
		h.Write([]byte{'|'})
		if raw, err := json.Marshal(entry); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
