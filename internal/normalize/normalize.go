// Package normalize turns loosely typed ingest fields into validated
// tracking entries.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
)

var (
	ErrMissingStudent  = errors.New("student id is required")
	ErrEmptyEntry      = errors.New("entry carries no emotion, sensory or environment data")
	ErrFutureTimestamp = errors.New("timestamp is too far in the future")
)

// ItemFields is one emotion or sensory observation as received.
type ItemFields struct {
	Name      string
	Kind      string
	Intensity string
	Timestamp string
}

// EntryFields is a tracking entry as received, every value still a string.
type EntryFields struct {
	ID        string
	StudentID string
	Timestamp string
	Noise     string
	Lighting  string
	Location  string
	Emotions  []ItemFields
	Sensory   []ItemFields
	Raw       string
}

// Normalize validates fields against the parser config. Intensities are
// clamped to [0, MaxIntensity]; observations without a name or a numeric
// intensity are dropped.
func Normalize(fields EntryFields, cfg config.ParserConfig, now time.Time) (model.TrackingEntry, error) {
	student := strings.TrimSpace(fields.StudentID)
	if student == "" {
		return model.TrackingEntry{}, ErrMissingStudent
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	maxIntensity := cfg.MaxIntensity
	if maxIntensity <= 0 {
		maxIntensity = 5
	}

	ts := now.UTC()
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.TrackingEntry{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	if cfg.MaxFutureSkew > 0 && ts.After(now.Add(cfg.MaxFutureSkew)) {
		return model.TrackingEntry{}, ErrFutureTimestamp
	}

	entry := model.TrackingEntry{
		ID:        strings.TrimSpace(fields.ID),
		StudentID: student,
		Timestamp: ts,
		Environment: model.Environment{
			Lighting: strings.TrimSpace(fields.Lighting),
			Location: strings.TrimSpace(fields.Location),
		},
	}
	if v, ok := parseNumber(fields.Noise); ok && v >= 0 {
		entry.Environment.NoiseLevel = &v
	}
	for _, item := range fields.Emotions {
		name := strings.TrimSpace(item.Name)
		intensity, ok := parseNumber(item.Intensity)
		if name == "" || !ok {
			continue
		}
		entry.Emotions = append(entry.Emotions, model.EmotionEntry{
			StudentID: student,
			Emotion:   name,
			Intensity: clamp(intensity, 0, maxIntensity),
			Timestamp: itemTimestamp(item.Timestamp, ts, loc),
		})
	}
	for _, item := range fields.Sensory {
		name := strings.TrimSpace(item.Name)
		kind := strings.TrimSpace(item.Kind)
		intensity, ok := parseNumber(item.Intensity)
		if (name == "" && kind == "") || !ok {
			continue
		}
		entry.Sensory = append(entry.Sensory, model.SensoryEntry{
			StudentID: student,
			Response:  name,
			Type:      kind,
			Intensity: clamp(intensity, 0, maxIntensity),
			Timestamp: itemTimestamp(item.Timestamp, ts, loc),
		})
	}
	if len(entry.Emotions) == 0 && len(entry.Sensory) == 0 && entry.Environment.NoiseLevel == nil {
		return model.TrackingEntry{}, ErrEmptyEntry
	}
	return entry, nil
}

func itemTimestamp(value string, fallback time.Time, loc *time.Location) time.Time {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	ts, err := ParseTimestamp(value, loc)
	if err != nil {
		return fallback
	}
	return ts.UTC()
}

func parseNumber(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339, common local layouts interpreted in loc,
// and unix seconds or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
