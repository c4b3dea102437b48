package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"behaviorguard/internal/model"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

const (
	minSnoozeHours   = 1
	maxSnoozeHours   = 168
	minDontShowDays  = 1
	maxDontShowDays  = 90
	defaultSnoozeH   = 24
	defaultDontShowD = 7
)

// ValidateSettings returns a normalized copy of s and the problems found.
// Every invalid field falls back to the matching value in defaults.
func ValidateSettings(s, defaults model.AlertSettings) (model.AlertSettings, []FieldError) {
	var errs []FieldError
	fail := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	out := model.AlertSettings{
		Timezone:   s.Timezone,
		QuietHours: s.QuietHours,
		Snooze:     s.Snooze,
	}

	if out.Timezone == "" {
		out.Timezone = defaults.Timezone
	}
	if out.Timezone == "" {
		out.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(out.Timezone); err != nil {
		fail("timezone", "unknown timezone %q", out.Timezone)
		out.Timezone = "UTC"
	}

	qh := &out.QuietHours
	if qh.Start == "" && qh.End == "" && !qh.Enabled {
		qh.Start, qh.End = defaults.QuietHours.Start, defaults.QuietHours.End
	}
	if _, err := parseClock(qh.Start); err != nil {
		fail("quiet_hours.start", "%v", err)
		qh.Start = defaults.QuietHours.Start
	}
	if _, err := parseClock(qh.End); err != nil {
		fail("quiet_hours.end", "%v", err)
		qh.End = defaults.QuietHours.End
	}
	if len(s.QuietHours.Days) > 0 {
		seen := make(map[int]bool, 7)
		days := make([]int, 0, len(s.QuietHours.Days))
		for _, d := range s.QuietHours.Days {
			if d < 0 || d > 6 {
				fail("quiet_hours.days", "day %d out of range 0-6", d)
				continue
			}
			if !seen[d] {
				seen[d] = true
				days = append(days, d)
			}
		}
		sort.Ints(days)
		qh.Days = days
	}

	out.DailyCaps = make(map[model.Severity]int, len(model.Severities))
	for sev, limit := range s.DailyCaps {
		if !sev.Valid() {
			fail("daily_caps", "unknown severity %q", sev)
			continue
		}
		if limit < 0 {
			fail("daily_caps."+string(sev), "must be >= 0, got %d", limit)
			continue
		}
		out.DailyCaps[sev] = limit
	}
	for _, sev := range model.Severities {
		if _, ok := out.DailyCaps[sev]; !ok {
			out.DailyCaps[sev] = defaults.DailyCaps[sev]
		}
	}

	if h := out.Snooze.DefaultHours; h == 0 {
		out.Snooze.DefaultHours = orDefault(defaults.Snooze.DefaultHours, defaultSnoozeH)
	} else if h < minSnoozeHours || h > maxSnoozeHours {
		fail("snooze.default_hours", "must be in %d-%d, got %d", minSnoozeHours, maxSnoozeHours, h)
		out.Snooze.DefaultHours = orDefault(defaults.Snooze.DefaultHours, defaultSnoozeH)
	}
	if d := out.Snooze.DontShowDays; d == 0 {
		out.Snooze.DontShowDays = orDefault(defaults.Snooze.DontShowDays, defaultDontShowD)
	} else if d < minDontShowDays || d > maxDontShowDays {
		fail("snooze.dont_show_days", "must be in %d-%d, got %d", minDontShowDays, maxDontShowDays, d)
		out.Snooze.DontShowDays = orDefault(defaults.Snooze.DontShowDays, defaultDontShowD)
	}

	if len(s.Sensitivity) > 0 {
		out.Sensitivity = make(map[string]model.Sensitivity, len(s.Sensitivity))
		for kind, v := range s.Sensitivity {
			switch v {
			case model.SensitivityLow, model.SensitivityMedium, model.SensitivityHigh:
				out.Sensitivity[kind] = v
			default:
				fail("sensitivity."+kind, "must be low, medium or high, got %q", v)
			}
		}
	}
	return out, errs
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (p *Policies) settingsFor(ctx context.Context, studentID string) model.AlertSettings {
	var raw model.AlertSettings
	if !p.load(ctx, settingsKey(studentID), &raw) {
		return p.opts.Defaults
	}
	s, _ := ValidateSettings(raw, p.opts.Defaults)
	return s
}

// SettingsFor returns the stored settings of a student, normalized, or the
// configured defaults.
func (p *Policies) SettingsFor(ctx context.Context, studentID string) model.AlertSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settingsFor(ctx, studentID)
}

// SaveSettings validates s and persists the normalized result.
func (p *Policies) SaveSettings(ctx context.Context, studentID string, s model.AlertSettings) (model.AlertSettings, []FieldError) {
	normalized, errs := ValidateSettings(s, p.opts.Defaults)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.save(ctx, settingsKey(studentID), normalized)
	return normalized, errs
}
