package model

import (
	"strconv"
	"time"
)

type Severity string

const (
	SeverityCritical  Severity = "critical"
	SeverityImportant Severity = "important"
	SeverityModerate  Severity = "moderate"
	SeverityLow       Severity = "low"
)

var Severities = []Severity{SeverityCritical, SeverityImportant, SeverityModerate, SeverityLow}

// Rank orders severities; higher is more urgent. Unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityImportant:
		return 3
	case SeverityModerate:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

type TrendPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// MetricKey identifies a baseline: a metric name over a window of samples.
type MetricKey struct {
	Metric string `json:"metric"`
	Window int    `json:"window"`
}

func (k MetricKey) String() string {
	return k.Metric + ":" + strconv.Itoa(k.Window)
}

type Baseline struct {
	Median  float64 `json:"median"`
	IQR     float64 `json:"iqr"`
	Sigma   float64 `json:"sigma"`
	N       int     `json:"n"`
	Quality float64 `json:"quality"`
}

type StudentBaseline struct {
	StudentID   string                 `json:"student_id"`
	ComputedAt  time.Time              `json:"computed_at"`
	Metrics     map[MetricKey]Baseline `json:"-"`
	Reliability float64                `json:"reliability"`
}

type Source struct {
	Type    string            `json:"type"`
	Label   string            `json:"label"`
	Details map[string]string `json:"details,omitempty"`
}

type DetectorResult struct {
	Score            float64            `json:"score"`
	Confidence       float64            `json:"confidence"`
	ImpactHint       string             `json:"impact_hint"`
	Sources          []Source           `json:"sources"`
	ThresholdApplied float64            `json:"threshold_applied"`
	Analysis         map[string]float64 `json:"analysis,omitempty"`
}

type GovernanceStatus struct {
	Throttled      bool       `json:"throttled"`
	Deduplicated   bool       `json:"deduplicated"`
	HasDuplicates  bool       `json:"has_duplicates"`
	Snoozed        bool       `json:"snoozed"`
	QuietHours     bool       `json:"quiet_hours"`
	CapExceeded    bool       `json:"cap_exceeded"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

// Merge folds other into g. Flags only ever turn on; the later eligibility time wins.
func (g GovernanceStatus) Merge(other GovernanceStatus) GovernanceStatus {
	out := GovernanceStatus{
		Throttled:     g.Throttled || other.Throttled,
		Deduplicated:  g.Deduplicated || other.Deduplicated,
		HasDuplicates: g.HasDuplicates || other.HasDuplicates,
		Snoozed:       g.Snoozed || other.Snoozed,
		QuietHours:    g.QuietHours || other.QuietHours,
		CapExceeded:   g.CapExceeded || other.CapExceeded,
	}
	switch {
	case g.NextEligibleAt == nil:
		out.NextEligibleAt = other.NextEligibleAt
	case other.NextEligibleAt == nil || g.NextEligibleAt.After(*other.NextEligibleAt):
		out.NextEligibleAt = g.NextEligibleAt
	default:
		out.NextEligibleAt = other.NextEligibleAt
	}
	return out
}

// Blocked reports whether any creation gate holds.
func (g GovernanceStatus) Blocked() bool {
	return g.Snoozed || g.QuietHours || g.Throttled || g.CapExceeded
}

type AlertMetadata struct {
	Score            float64            `json:"score"`
	Confidence       float64            `json:"confidence"`
	ImpactHint       string             `json:"impact_hint,omitempty"`
	ThresholdApplied float64            `json:"threshold_applied"`
	Sources          []Source           `json:"sources,omitempty"`
	Analysis         map[string]float64 `json:"analysis,omitempty"`
	AbsorbedIDs      []string           `json:"absorbed_ids,omitempty"`
}

type AlertEvent struct {
	ID         string            `json:"id"`
	StudentID  string            `json:"student_id"`
	Kind       string            `json:"kind"`
	Severity   Severity          `json:"severity"`
	CreatedAt  time.Time         `json:"created_at"`
	ContextKey string            `json:"context_key,omitempty"`
	DedupeKey  string            `json:"dedupe_key,omitempty"`
	Metadata   AlertMetadata     `json:"metadata"`
	Governance *GovernanceStatus `json:"governance,omitempty"`
}

// WithGovernance returns a copy of a whose governance is merged with g.
func (a AlertEvent) WithGovernance(g GovernanceStatus) AlertEvent {
	if a.Governance == nil {
		a.Governance = &g
		return a
	}
	merged := a.Governance.Merge(g)
	a.Governance = &merged
	return a
}

// OverrideGovernance replaces the governance status outright.
func (a AlertEvent) OverrideGovernance(g GovernanceStatus) AlertEvent {
	a.Governance = &g
	return a
}

// GovernanceOrZero returns the attached status or the zero value.
func (a AlertEvent) GovernanceOrZero() GovernanceStatus {
	if a.Governance == nil {
		return GovernanceStatus{}
	}
	return *a.Governance
}

type PolicyAuditEntry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	StudentID string    `json:"student_id"`
	AlertID   string    `json:"alert_id"`
	Kind      string    `json:"kind"`
	Severity  Severity  `json:"severity"`
	DedupeKey string    `json:"dedupe_key"`
	Allowed   bool      `json:"allowed"`
	Reasons   []string  `json:"reasons,omitempty"`
}
