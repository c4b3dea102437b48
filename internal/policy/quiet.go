package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"behaviorguard/internal/model"
)

// parseClock parses HH:MM into minutes after midnight.
func parseClock(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h*60 + m, nil
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsInQuietHours evaluates at in the settings' timezone. A window that
// crosses midnight belongs to the day it started on, so the weekday mask is
// checked against yesterday for the early-morning part. Start equal to end
// means no window.
func IsInQuietHours(settings model.AlertSettings, at time.Time) bool {
	qh := settings.QuietHours
	if !qh.Enabled {
		return false
	}
	start, err := parseClock(qh.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(qh.End)
	if err != nil || start == end {
		return false
	}
	local := at.In(location(settings.Timezone))
	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	inside := false
	if start < end {
		inside = minute >= start && minute < end
	} else {
		switch {
		case minute >= start:
			inside = true
		case minute < end:
			inside = true
			day = (day + 6) % 7
		}
	}
	if !inside {
		return false
	}
	if len(qh.Days) == 0 {
		return true
	}
	for _, d := range qh.Days {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}
