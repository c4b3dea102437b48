package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
)

// KV holds the opaque governance state. A missing key is (nil, false, nil).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

type Store interface {
	KV
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.AlertEvent) error
	// ListAlerts returns the most recent alerts first. An empty studentID
	// lists across all students.
	ListAlerts(ctx context.Context, studentID string, limit int) ([]model.AlertEvent, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "redis":
		return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
