package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorguard/internal/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock(t time.Time) *clock { return &clock{t: t} }
func newPolicies(c *clock) *Policies { return New(nil, Options{Now: c.now}) }
func tuesday(h, m int) time.Time { return time.Date(2024, 3, 5, h, m, 0, 0, time.UTC) }

func alert(id, contextKey string, sev model.Severity, at time.Time) model.AlertEvent {
	return model.AlertEvent{
		ID:         id,
		StudentID:  "s1",
		Kind:       "cusum_shift",
		Severity:   sev,
		CreatedAt:  at,
		ContextKey: contextKey,
	}
}

func TestCalculateDedupeKey(t *testing.T) {
	a := CalculateDedupeKey("s1", "burst", "emotion:high", tuesday(10, 5))
	b := CalculateDedupeKey("s1", "burst", "emotion:high", tuesday(10, 59))
	c := CalculateDedupeKey("s1", "burst", "emotion:high", tuesday(11, 0))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	zone := time.FixedZone("plus2", 2*3600)
	assert.Equal(t, a, CalculateDedupeKey("s1", "burst", "emotion:high", tuesday(10, 30).In(zone)))
	assert.NotEqual(t, a, CalculateDedupeKey("s2", "burst", "emotion:high", tuesday(10, 5)))
}

func TestDeduplicateAlertsSameHour(t *testing.T) {
	first := alert("a1", "emotion:anxious", model.SeverityImportant, tuesday(10, 5))
	second := alert("a2", "emotion:anxious", model.SeverityModerate, tuesday(10, 40))
	other := alert("a3", "emotion:calm", model.SeverityLow, tuesday(10, 41))

	surfaced, absorbed := DeduplicateAlerts([]model.AlertEvent{first, second, other}, time.Hour)
	require.Len(t, surfaced, 2)
	require.Len(t, absorbed, 1)

	winner := surfaced[0]
	assert.Equal(t, "a1", winner.ID)
	require.NotNil(t, winner.Governance)
	assert.True(t, winner.Governance.HasDuplicates)
	assert.False(t, winner.Governance.Deduplicated)
	assert.Equal(t, []string{"a2"}, winner.Metadata.AbsorbedIDs)

	assert.Equal(t, "a2", absorbed[0].ID)
	assert.True(t, absorbed[0].Governance.Deduplicated)
	assert.False(t, absorbed[0].Governance.HasDuplicates)
	assert.Nil(t, surfaced[1].Governance)
}

func TestDeduplicateTieGoesToMostRecent(t *testing.T) {
	older := alert("old", "x", model.SeverityModerate, tuesday(9, 1))
	newer := alert("new", "x", model.SeverityModerate, tuesday(9, 50))
	surfaced, absorbed := DeduplicateAlerts([]model.AlertEvent{older, newer}, 0)
	require.Len(t, surfaced, 1)
	assert.Equal(t, "new", surfaced[0].ID)
	assert.Equal(t, "old", absorbed[0].ID)

	again, none := DeduplicateAlerts(surfaced, time.Hour)
	assert.Len(t, again, 1)
	assert.Empty(t, none)
	assert.True(t, again[0].Governance.HasDuplicates)
}

func TestIsInQuietHours(t *testing.T) {
	s := model.AlertSettings{Timezone: "UTC", QuietHours: model.QuietHours{Enabled: true, Start: "22:00", End: "06:00"}}
	assert.True(t, IsInQuietHours(s, tuesday(23, 30)))
	assert.True(t, IsInQuietHours(s, tuesday(5, 59)))
	assert.False(t, IsInQuietHours(s, tuesday(6, 0)))
	assert.False(t, IsInQuietHours(s, tuesday(12, 0)))

	s.QuietHours.Days = []int{int(time.Tuesday)}
	wednesdayEarly := tuesday(2, 0).Add(24 * time.Hour)
	assert.True(t, IsInQuietHours(s, wednesdayEarly), "window started on Tuesday")
	assert.False(t, IsInQuietHours(s, tuesday(2, 0)), "window started on Monday")
	assert.False(t, IsInQuietHours(s, tuesday(23, 30).Add(24*time.Hour)))

	day := model.AlertSettings{QuietHours: model.QuietHours{Enabled: true, Start: "09:00", End: "17:00"}}
	assert.True(t, IsInQuietHours(day, tuesday(9, 0)))
	assert.False(t, IsInQuietHours(day, tuesday(17, 0)))

	same := model.AlertSettings{QuietHours: model.QuietHours{Enabled: true, Start: "08:00", End: "08:00"}}
	assert.False(t, IsInQuietHours(same, tuesday(8, 0)))

	s.QuietHours.Enabled = false
	assert.False(t, IsInQuietHours(s, tuesday(23, 30)))
}

func TestThrottleDelayFor(t *testing.T) {
	p := newPolicies(newClock(tuesday(10, 0)))
	assert.Equal(t, time.Second, p.ThrottleDelayFor(model.SeverityCritical, 0))
	assert.Equal(t, 1024*time.Second, p.ThrottleDelayFor(model.SeverityModerate, 10))
	assert.Equal(t, 1024*time.Second, p.ThrottleDelayFor(model.SeverityModerate, 50))
	assert.Equal(t, 1600*time.Millisecond, p.ThrottleDelayFor(model.SeverityImportant, 1))

	capped := New(nil, Options{MaxThrottleDelay: time.Hour})
	assert.Equal(t, time.Hour, capped.ThrottleDelayFor(model.SeverityLow, 10))
}

func TestCanCreateAlertThrottleSchedule(t *testing.T) {
	ctx := context.Background()
	c := newClock(tuesday(10, 0))
	p := newPolicies(c)

	d := p.CanCreateAlert(ctx, alert("a1", "emotion:anxious", model.SeverityModerate, c.now()))
	require.True(t, d.Allowed)
	require.NotNil(t, d.Alert.Governance.NextEligibleAt)
	firstUntil := *d.Alert.Governance.NextEligibleAt
	assert.NotEmpty(t, d.Alert.DedupeKey)

	d = p.CanCreateAlert(ctx, alert("a2", "emotion:anxious", model.SeverityModerate, c.now()))
	assert.False(t, d.Allowed)
	assert.True(t, d.Alert.Governance.Throttled)
	assert.Equal(t, []string{ReasonThrottled}, d.Reasons)
	assert.Equal(t, firstUntil, *d.Alert.Governance.NextEligibleAt)

	throttled, until := p.ShouldThrottle(ctx, "s1", "cusum_shift:emotion:anxious")
	assert.True(t, throttled)
	assert.Equal(t, firstUntil, until)

	c.advance(time.Minute)
	d = p.CanCreateAlert(ctx, alert("a3", "emotion:anxious", model.SeverityModerate, c.now()))
	require.True(t, d.Allowed)
	secondDelay := d.Alert.Governance.NextEligibleAt.Sub(c.now())
	assert.Greater(t, secondDelay, firstUntil.Sub(tuesday(10, 0)))

	p.ResetThrottle(ctx, "s1", "cusum_shift:emotion:anxious")
	throttled, _ = p.ShouldThrottle(ctx, "s1", "cusum_shift:emotion:anxious")
	assert.False(t, throttled)
}

func TestCapBoundary(t *testing.T) {
	ctx := context.Background()
	c := newClock(tuesday(10, 0))
	p := newPolicies(c)
	settings := p.Defaults()
	settings.DailyCaps = map[model.Severity]int{model.SeverityLow: 3}
	_, errs := p.SaveSettings(ctx, "s1", settings)
	require.Empty(t, errs)

	for i := 1; i <= 3; i++ {
		d := p.CanCreateAlert(ctx, alert(fmt.Sprint("a", i), fmt.Sprint("ctx", i), model.SeverityLow, c.now()))
		require.True(t, d.Allowed, "alert %d", i)
		assert.False(t, d.Alert.Governance.CapExceeded)
	}
	d := p.CanCreateAlert(ctx, alert("a4", "ctx4", model.SeverityLow, c.now()))
	assert.False(t, d.Allowed)
	assert.True(t, d.Alert.Governance.CapExceeded)
	assert.Equal(t, []string{ReasonCapExceeded}, d.Reasons)

	d = p.CanCreateAlert(ctx, alert("a5", "ctx5", model.SeverityModerate, c.now()))
	assert.True(t, d.Allowed, "other severities keep their own budget")

	c.advance(24 * time.Hour)
	d = p.CanCreateAlert(ctx, alert("a6", "ctx6", model.SeverityLow, c.now()))
	assert.True(t, d.Allowed, "new calendar day")
}

func TestEnforceCapLimits(t *testing.T) {
	ctx := context.Background()
	c := newClock(tuesday(10, 0))
	p := newPolicies(c)
	settings := p.Defaults()
	settings.DailyCaps = map[model.Severity]int{model.SeverityImportant: 2}
	p.SaveSettings(ctx, "s1", settings)

	batch := []model.AlertEvent{
		alert("late", "c3", model.SeverityImportant, tuesday(10, 30)),
		alert("early", "c1", model.SeverityImportant, tuesday(10, 10)),
		alert("mid", "c2", model.SeverityImportant, tuesday(10, 20)),
		alert("low", "c4", model.SeverityLow, tuesday(10, 40)),
	}
	out := p.EnforceCapLimits(ctx, batch)
	require.Len(t, out, 4)
	assert.Equal(t, "late", out[0].ID)
	assert.True(t, out[0].Governance.CapExceeded)
	assert.Nil(t, out[1].Governance)
	assert.Nil(t, out[2].Governance)
	assert.Nil(t, out[3].Governance)
}

func TestSnooze(t *testing.T) {
	ctx := context.Background()
	c := newClock(tuesday(10, 0))
	p := newPolicies(c)
	key := "cusum_shift:emotion:anxious"

	until := p.Snooze(ctx, "s1", key, 0)
	assert.Equal(t, c.now().Add(24*time.Hour), until)
	shorter := p.Snooze(ctx, "s1", key, 1)
	assert.Equal(t, until, shorter, "snooze never shortens")

	d := p.CanCreateAlert(ctx, alert("a1", "emotion:anxious", model.SeverityCritical, c.now()))
	assert.False(t, d.Allowed)
	assert.True(t, d.Alert.Governance.Snoozed)
	assert.Equal(t, until, *d.Alert.Governance.NextEligibleAt)

	p.ClearSnooze(ctx, "s1", key)
	snoozed, _ := p.IsSnoozed(ctx, "s1", key)
	assert.False(t, snoozed)

	dont := p.DontShowForDays(ctx, "s1", "", 0)
	assert.Equal(t, c.now().Add(7*24*time.Hour), dont)
	snoozed, _ = p.IsSnoozed(ctx, "s1", "burst:anything")
	assert.True(t, snoozed)

	c.advance(8 * 24 * time.Hour)
	snoozed, _ = p.IsSnoozed(ctx, "s1", "burst:anything")
	assert.False(t, snoozed)
}

func TestQuietHoursBlockCreation(t *testing.T) {
	ctx := context.Background()
	c := newClock(tuesday(23, 30))
	p := newPolicies(c)
	s := p.Defaults()
	s.QuietHours = model.QuietHours{Enabled: true, Start: "22:00", End: "06:00"}
	p.SaveSettings(ctx, "s1", s)

	d := p.CanCreateAlert(ctx, alert("a1", "x", model.SeverityCritical, c.now()))
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{ReasonQuietHours}, d.Reasons)
}

func TestValidateSettings(t *testing.T) {
	defaults, errs := ValidateSettings(model.AlertSettings{}, model.AlertSettings{
		Timezone:   "UTC",
		QuietHours: model.QuietHours{Start: "20:00", End: "07:00"},
		DailyCaps:  map[model.Severity]int{model.SeverityCritical: 20, model.SeverityImportant: 10, model.SeverityModerate: 6, model.SeverityLow: 3},
		Snooze:     model.SnoozePreferences{DefaultHours: 24, DontShowDays: 7},
	})
	require.Empty(t, errs)

	got, errs := ValidateSettings(model.AlertSettings{
		Timezone:    "Mars/Olympus",
		QuietHours:  model.QuietHours{Enabled: true, Start: "25:00", End: "06:00", Days: []int{3, 9, 3, 1}},
		DailyCaps:   map[model.Severity]int{model.SeverityLow: -1, "urgent": 4, model.SeverityCritical: 50},
		Snooze:      model.SnoozePreferences{DefaultHours: 500, DontShowDays: 30},
		Sensitivity: map[string]model.Sensitivity{"burst": "extreme", "ewma_trend": model.SensitivityHigh},
	}, defaults)

	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, f := range []string{"timezone", "quiet_hours.start", "quiet_hours.days", "daily_caps.low", "daily_caps", "snooze.default_hours", "sensitivity.burst"} {
		assert.True(t, fields[f], "expected error for %s", f)
	}
	assert.Equal(t, "UTC", got.Timezone)
	assert.Equal(t, "20:00", got.QuietHours.Start)
	assert.Equal(t, []int{1, 3}, got.QuietHours.Days)
	assert.Equal(t, 3, got.DailyCaps[model.SeverityLow])
	assert.Equal(t, 50, got.DailyCaps[model.SeverityCritical])
	assert.Equal(t, 10, got.DailyCaps[model.SeverityImportant])
	assert.Equal(t, 24, got.Snooze.DefaultHours)
	assert.Equal(t, 30, got.Snooze.DontShowDays)
	assert.Equal(t, model.SensitivityHigh, got.SensitivityFor("ewma_trend"))
	assert.Equal(t, model.SensitivityMedium, got.SensitivityFor("burst"))
}

func TestAuditIsBounded(t *testing.T) {
	ctx := context.Background()
	c := newClock(tuesday(10, 0))
	p := newPolicies(c)
	for i := 0; i < 210; i++ {
		p.CanCreateAlert(ctx, alert(fmt.Sprint("a", i), "same", model.SeverityCritical, c.now()))
		c.advance(time.Second)
	}
	entries := p.Audit(ctx, "s1")
	require.Len(t, entries, 200)
	assert.Equal(t, "a209", entries[len(entries)-1].AlertID)
	assert.Equal(t, "a10", entries[0].AlertID)
}

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}

func (brokenKV) Set(context.Context, string, []byte) error {
	return errors.New("disk on fire")
}

func TestStorageFailureFailsOpen(t *testing.T) {
	c := newClock(tuesday(10, 0))
	p := New(brokenKV{}, Options{Now: c.now})
	for i := 0; i < 3; i++ {
		d := p.CanCreateAlert(context.Background(), alert(fmt.Sprint("a", i), "x", model.SeverityLow, c.now()))
		assert.True(t, d.Allowed)
	}
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()
	c := newClock(tuesday(10, 50))
	p := newPolicies(c)
	s := p.Defaults()
	s.DailyCaps = map[model.Severity]int{model.SeverityLow: 2}
	p.SaveSettings(ctx, "s1", s)

	batch := []model.AlertEvent{
		alert("a1", "c1", model.SeverityLow, tuesday(10, 1)),
		alert("a1-dup", "c1", model.SeverityLow, tuesday(10, 2)),
		alert("a2", "c2", model.SeverityLow, tuesday(10, 3)),
		alert("a3", "c3", model.SeverityLow, tuesday(10, 4)),
	}
	res := p.ProcessBatch(ctx, batch)
	require.Len(t, res.Absorbed, 1)
	assert.Equal(t, "a1", res.Absorbed[0].ID)
	require.Len(t, res.Surfaced, 2)
	assert.Equal(t, "a1-dup", res.Surfaced[0].ID)
	assert.True(t, res.Surfaced[0].Governance.HasDuplicates)
	require.Len(t, res.Blocked, 1)
	assert.Equal(t, "a3", res.Blocked[0].ID)
	assert.True(t, res.Blocked[0].Governance.CapExceeded)
	assert.Len(t, p.Audit(ctx, "s1"), 3)
}
