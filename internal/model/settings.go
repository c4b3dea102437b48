package model

type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

type QuietHours struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Start   string `json:"start" yaml:"start"`
	End     string `json:"end" yaml:"end"`
	// Days restricts the window to weekdays (0 = Sunday). Empty means every day.
	Days []int `json:"days,omitempty" yaml:"days,omitempty"`
}

type SnoozePreferences struct {
	DefaultHours int `json:"default_hours" yaml:"default_hours"`
	DontShowDays int `json:"dont_show_days" yaml:"dont_show_days"`
}

type AlertSettings struct {
	Timezone    string                 `json:"timezone" yaml:"timezone"`
	QuietHours  QuietHours             `json:"quiet_hours" yaml:"quiet_hours"`
	DailyCaps   map[Severity]int       `json:"daily_caps" yaml:"daily_caps"`
	Snooze      SnoozePreferences      `json:"snooze" yaml:"snooze"`
	Sensitivity map[string]Sensitivity `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
}

// SensitivityFor returns the override for kind, falling back to medium.
func (s AlertSettings) SensitivityFor(kind string) Sensitivity {
	if v, ok := s.Sensitivity[kind]; ok {
		return v
	}
	return SensitivityMedium
}
