package detectors

// BurstEvent is a single timestamped occurrence. PairedValue, when present,
// is correlated against Value inside the densest cluster.
type BurstEvent struct {
	Timestamp   int64    `json:"timestamp"`
	Value       float64  `json:"value"`
	PairedValue *float64 `json:"paired_value,omitempty"`
}

// eventWindow is a time-bounded sliding window over sorted events.
type eventWindow struct {
	durationMs int64
	events     []BurstEvent
	head       int
}

func newEventWindow(durationMs int64, capacity int) *eventWindow {
	return &eventWindow{
		durationMs: durationMs,
		events:     make([]BurstEvent, 0, capacity),
	}
}

func (w *eventWindow) Add(ev BurstEvent) {
	w.events = append(w.events, ev)
}

// Evict drops events strictly older than cutoff.
func (w *eventWindow) Evict(cutoff int64) {
	for w.head < len(w.events) {
		if w.events[w.head].Timestamp >= cutoff {
			break
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.events) {
		w.events = append(w.events[:0], w.events[w.head:]...)
		w.head = 0
	}
}

func (w *eventWindow) Count() int {
	return len(w.events) - w.head
}

// Push adds ev and evicts everything that fell out of the window ending at ev.
func (w *eventWindow) Push(ev BurstEvent) int {
	w.Add(ev)
	w.Evict(ev.Timestamp - w.durationMs)
	return w.Count()
}
