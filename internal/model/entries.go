package model

import "time"

type EmotionEntry struct {
	StudentID string    `json:"student_id,omitempty"`
	Emotion   string    `json:"emotion"`
	Intensity float64   `json:"intensity"`
	Timestamp time.Time `json:"timestamp"`
}

type SensoryEntry struct {
	StudentID string    `json:"student_id,omitempty"`
	Response  string    `json:"response"`
	Type      string    `json:"type,omitempty"`
	Intensity float64   `json:"intensity"`
	Timestamp time.Time `json:"timestamp"`
}

type Environment struct {
	NoiseLevel *float64 `json:"noise_level,omitempty"`
	Lighting   string   `json:"lighting,omitempty"`
	Location   string   `json:"location,omitempty"`
}

type TrackingEntry struct {
	ID          string         `json:"id,omitempty"`
	StudentID   string         `json:"student_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Environment Environment    `json:"environment"`
	Emotions    []EmotionEntry `json:"emotions,omitempty"`
	Sensory     []SensoryEntry `json:"sensory,omitempty"`
	Source      string         `json:"source,omitempty"`
}

// StudentData bundles everything known about one student for a detection pass.
// Emotions and Sensory hold standalone events; events nested in Tracking are
// counted as well.
type StudentData struct {
	StudentID string          `json:"student_id"`
	Emotions  []EmotionEntry  `json:"emotions,omitempty"`
	Sensory   []SensoryEntry  `json:"sensory,omitempty"`
	Tracking  []TrackingEntry `json:"tracking,omitempty"`
}

// AllEmotions flattens standalone and nested emotion events.
func (d StudentData) AllEmotions() []EmotionEntry {
	out := make([]EmotionEntry, 0, len(d.Emotions))
	out = append(out, d.Emotions...)
	for _, t := range d.Tracking {
		for _, e := range t.Emotions {
			if e.Timestamp.IsZero() {
				e.Timestamp = t.Timestamp
			}
			out = append(out, e)
		}
	}
	return out
}

// AllSensory flattens standalone and nested sensory events.
func (d StudentData) AllSensory() []SensoryEntry {
	out := make([]SensoryEntry, 0, len(d.Sensory))
	out = append(out, d.Sensory...)
	for _, t := range d.Tracking {
		for _, s := range t.Sensory {
			if s.Timestamp.IsZero() {
				s.Timestamp = t.Timestamp
			}
			out = append(out, s)
		}
	}
	return out
}
