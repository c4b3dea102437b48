package policy

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"behaviorguard/internal/model"
)

const (
	ReasonSnoozed     = "snoozed"
	ReasonQuietHours  = "quiet_hours"
	ReasonThrottled   = "throttled"
	ReasonCapExceeded = "cap_exceeded"
)

type Decision struct {
	Allowed bool
	Reasons []string
	// Alert carries the merged governance status and the dedupe key.
	Alert model.AlertEvent
}

// CanCreateAlert composes every gate for one alert. Allowed alerts consume
// cap budget and advance the throttle schedule; every call is audited.
func (p *Policies) CanCreateAlert(ctx context.Context, alert model.AlertEvent) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	ledger := newCapLedger()
	d := p.gate(ctx, alert, ledger)
	ledger.flush(ctx, p)
	return d
}

func (p *Policies) gate(ctx context.Context, alert model.AlertEvent, ledger *capLedger) Decision {
	now := p.now()
	settings := p.settingsFor(ctx, alert.StudentID)
	alert.DedupeKey = dedupeKeyOf(alert)
	skey := SuppressionKey(alert)

	var status model.GovernanceStatus
	var reasons []string
	merge := func(t model.GovernanceStatus) {
		status = status.Merge(t)
	}
	if snoozed, until := p.isSnoozed(ctx, alert.StudentID, skey, now); snoozed {
		merge(model.GovernanceStatus{Snoozed: true, NextEligibleAt: &until})
		reasons = append(reasons, ReasonSnoozed)
	}
	if IsInQuietHours(settings, now) {
		status.QuietHours = true
		reasons = append(reasons, ReasonQuietHours)
	}
	st := p.throttleState(ctx, alert.StudentID, skey, now)
	if st.Phase == PhaseScheduled {
		until := st.Until
		merge(model.GovernanceStatus{Throttled: true, NextEligibleAt: &until})
		reasons = append(reasons, ReasonThrottled)
	}
	capKey := capsKey(alert.StudentID, capDay(settings, createdOrNow(alert, now)))
	if exceeds(settings, ledger.get(ctx, p, capKey), alert.Severity) {
		status.CapExceeded = true
		reasons = append(reasons, ReasonCapExceeded)
	}

	alert = alert.WithGovernance(status)
	allowed := !alert.Governance.Blocked()
	if allowed {
		ledger.inc(ctx, p, capKey, alert.Severity)
		st = st.record(now, p.ThrottleDelayFor(alert.Severity, st.Attempts+1))
		p.save(ctx, throttleKey(alert.StudentID, skey), st)
		next := st.Until
		g := *alert.Governance
		g.NextEligibleAt = &next
		alert = alert.OverrideGovernance(g)
	} else if len(reasons) == 0 {
		reasons = append(reasons, "blocked_upstream")
	}

	p.appendAudit(ctx, model.PolicyAuditEntry{
		ID:        uuid.NewString(),
		At:        now,
		StudentID: alert.StudentID,
		AlertID:   alert.ID,
		Kind:      alert.Kind,
		Severity:  alert.Severity,
		DedupeKey: alert.DedupeKey,
		Allowed:   allowed,
		Reasons:   reasons,
	})
	if p.logger != nil {
		p.logger.Debug("alert gated", "student_id", alert.StudentID, "kind", alert.Kind, "allowed", allowed, "reasons", reasons)
	}
	return Decision{Allowed: allowed, Reasons: reasons, Alert: alert}
}

type BatchResult struct {
	Surfaced []model.AlertEvent `json:"surfaced"`
	Blocked  []model.AlertEvent `json:"blocked"`
	Absorbed []model.AlertEvent `json:"absorbed"`
}

// ProcessBatch deduplicates, then gates the survivors in creation order in
// a single locked pass so two alerts can never both pass a cap before
// either is counted.
func (p *Policies) ProcessBatch(ctx context.Context, alerts []model.AlertEvent) BatchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	survivors, absorbed := DeduplicateAlerts(alerts, p.opts.DedupeWindow)
	sort.SliceStable(survivors, func(i, j int) bool { return survivors[i].CreatedAt.Before(survivors[j].CreatedAt) })

	res := BatchResult{Absorbed: absorbed}
	ledger := newCapLedger()
	for _, a := range survivors {
		d := p.gate(ctx, a, ledger)
		if d.Allowed {
			res.Surfaced = append(res.Surfaced, d.Alert)
		} else {
			res.Blocked = append(res.Blocked, d.Alert)
		}
	}
	ledger.flush(ctx, p)
	return res
}

func (p *Policies) appendAudit(ctx context.Context, entry model.PolicyAuditEntry) {
	var entries []model.PolicyAuditEntry
	p.load(ctx, auditKey(entry.StudentID), &entries)
	entries = append(entries, entry)
	if over := len(entries) - p.opts.AuditLimit; over > 0 {
		entries = append([]model.PolicyAuditEntry(nil), entries[over:]...)
	}
	p.save(ctx, auditKey(entry.StudentID), entries)
}

// Audit returns the bounded trail of a student, oldest first.
func (p *Policies) Audit(ctx context.Context, studentID string) []model.PolicyAuditEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var entries []model.PolicyAuditEntry
	p.load(ctx, auditKey(studentID), &entries)
	return entries
}
