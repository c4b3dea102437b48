package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"behaviorguard/internal/normalize"
)

// ParseJSONBytes accepts a single entry object or an array of them.
func ParseJSONBytes(data []byte) ([]normalize.EntryFields, error) {
	trim := bytesTrim(data)
	if len(trim) == 0 {
		return nil, errors.New("empty payload")
	}
	if trim[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, err
		}
		out := make([]normalize.EntryFields, 0, len(list))
		for _, obj := range list {
			out = append(out, ParseJSONMap(obj))
		}
		return out, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trim, &obj); err != nil {
		return nil, err
	}
	return []normalize.EntryFields{ParseJSONMap(obj)}, nil
}

func ParseJSONMap(obj map[string]any) normalize.EntryFields {
	fields := fromFlat(flatten(obj))
	if env, ok := lookup(obj, "environment").(map[string]any); ok {
		envFlat := flatten(env)
		if v := firstNonEmpty(envFlat, "noise_level", "noiselevel", "noise"); v != "" {
			fields.Noise = v
		}
		if v := firstNonEmpty(envFlat, "lighting"); v != "" {
			fields.Lighting = v
		}
		if v := firstNonEmpty(envFlat, "location", "room"); v != "" {
			fields.Location = v
		}
	}
	for _, item := range items(lookup(obj, "emotions")) {
		f := flatten(item)
		fields.Emotions = append(fields.Emotions, normalize.ItemFields{
			Name:      firstNonEmpty(f, "emotion", "name"),
			Intensity: firstNonEmpty(f, "intensity", "level"),
			Timestamp: firstNonEmpty(f, "timestamp", "time", "ts"),
		})
	}
	for _, item := range items(lookup(obj, "sensory")) {
		f := flatten(item)
		fields.Sensory = append(fields.Sensory, normalize.ItemFields{
			Name:      firstNonEmpty(f, "response", "name"),
			Kind:      firstNonEmpty(f, "type", "sensory_type", "sensorytype"),
			Intensity: firstNonEmpty(f, "intensity", "level"),
			Timestamp: firstNonEmpty(f, "timestamp", "time", "ts"),
		})
	}
	return fields
}

// fromFlat reads entry fields and at most one emotion and one sensory
// observation from lower-cased scalar keys.
func fromFlat(flat map[string]string) normalize.EntryFields {
	fields := normalize.EntryFields{
		ID:        firstNonEmpty(flat, "id", "entry_id", "entryid"),
		StudentID: firstNonEmpty(flat, "student_id", "studentid", "student"),
		Timestamp: firstNonEmpty(flat, "timestamp", "time", "ts"),
		Noise:     firstNonEmpty(flat, "noise_level", "noiselevel", "noise"),
		Lighting:  firstNonEmpty(flat, "lighting"),
		Location:  firstNonEmpty(flat, "location", "room"),
	}
	if name := firstNonEmpty(flat, "emotion"); name != "" {
		fields.Emotions = append(fields.Emotions, normalize.ItemFields{
			Name:      name,
			Intensity: firstNonEmpty(flat, "emotion_intensity", "intensity"),
		})
	}
	if name := firstNonEmpty(flat, "response", "sensory_response"); name != "" {
		fields.Sensory = append(fields.Sensory, normalize.ItemFields{
			Name:      name,
			Kind:      firstNonEmpty(flat, "sensory_type", "type"),
			Intensity: firstNonEmpty(flat, "sensory_intensity", "intensity"),
		})
	}
	return fields
}

// flatten keeps scalar values under lower-cased keys.
func flatten(obj map[string]any) map[string]string {
	out := make(map[string]string, len(obj))
	for key, val := range obj {
		if s, ok := scalar(val); ok {
			out[strings.ToLower(key)] = s
		}
	}
	return out
}

func scalar(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case json.Number:
		return v.String(), true
	case nil, map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

func lookup(obj map[string]any, key string) any {
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func items(val any) []map[string]any {
	list, ok := val.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
