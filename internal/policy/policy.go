// Package policy decides whether detected alerts may surface. All state
// transitions for every student go through one mutex, and persisted state
// lives behind storage.KV. Storage failures are logged and treated as "no
// prior state".
package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
	"behaviorguard/internal/storage"
)

type Options struct {
	DedupeWindow     time.Duration
	AuditLimit       int
	MaxThrottleDelay time.Duration
	Defaults         model.AlertSettings
	Logger           *slog.Logger
	Now              func() time.Time
}

func OptionsFromConfig(cfg config.PolicyConfig, logger *slog.Logger) Options {
	return Options{
		DedupeWindow:     cfg.DedupeWindow,
		AuditLimit:       cfg.AuditLimit,
		MaxThrottleDelay: cfg.MaxThrottleDelay,
		Defaults:         cfg.Defaults,
		Logger:           logger,
	}
}

type Policies struct {
	mu     sync.Mutex
	kv     storage.KV
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New falls back to an in-memory store when kv is nil.
func New(kv storage.KV, opts Options) *Policies {
	if kv == nil {
		kv = storage.NewMemory()
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = time.Hour
	}
	if opts.AuditLimit <= 0 {
		opts.AuditLimit = 200
	}
	if opts.MaxThrottleDelay <= 0 {
		opts.MaxThrottleDelay = 6 * time.Hour
	}
	defaults, _ := ValidateSettings(opts.Defaults, config.DefaultSettings())
	opts.Defaults = defaults
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Policies{kv: kv, opts: opts, logger: opts.Logger, now: now}
}

func (p *Policies) Defaults() model.AlertSettings {
	return p.opts.Defaults
}

func throttleKey(studentID, key string) string { return "throttle:" + studentID + ":" + key }
func snoozeKey(studentID string) string         { return "snooze:" + studentID }
func capsKey(studentID, day string) string      { return "caps:" + studentID + ":" + day }
func auditKey(studentID string) string          { return "audit:" + studentID }
func settingsKey(studentID string) string       { return "settings:" + studentID }

// load decodes key into dst and reports whether prior state was found.
func (p *Policies) load(ctx context.Context, key string, dst any) bool {
	data, ok, err := p.kv.Get(ctx, key)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("governance state read failed", "key", key, "err", err)
		}
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		if p.logger != nil {
			p.logger.Warn("governance state corrupt", "key", key, "err", err)
		}
		return false
	}
	return true
}

func (p *Policies) save(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err == nil {
		err = p.kv.Set(ctx, key, data)
	}
	if err != nil && p.logger != nil {
		p.logger.Warn("governance state write failed", "key", key, "err", err)
	}
}

// SuppressionKey is the hour-independent identity of an alert used by
// throttling and snoozing.
func SuppressionKey(alert model.AlertEvent) string {
	return alert.Kind + ":" + alert.ContextKey
}
