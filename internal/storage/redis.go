package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"behaviorguard/internal/model"
)

const (
	redisKVPrefix     = "behaviorguard:kv:"
	redisAlertsPrefix = "behaviorguard:alerts:"
	redisAlertsAll    = redisAlertsPrefix + "*all"
	redisAlertsKeep   = 1000
)

type redisStore struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (Store, error) {
	if strings.TrimSpace(addr) == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &redisStore{client: client}, nil
}

func (r *redisStore) Init(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, redisKVPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *redisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, redisKVPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *redisStore) SaveAlert(ctx context.Context, alert model.AlertEvent) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	for _, list := range []string{redisAlertsPrefix + alert.StudentID, redisAlertsAll} {
		pipe.LPush(ctx, list, payload)
		pipe.LTrim(ctx, list, 0, redisAlertsKeep-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save alert %s: %w", alert.ID, err)
	}
	return nil
}

func (r *redisStore) ListAlerts(ctx context.Context, studentID string, limit int) ([]model.AlertEvent, error) {
	limit = clampLimit(limit)
	list := redisAlertsAll
	if studentID != "" {
		list = redisAlertsPrefix + studentID
	}
	items, err := r.client.LRange(ctx, list, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]model.AlertEvent, 0, len(items))
	for _, item := range items {
		var alert model.AlertEvent
		if err := json.Unmarshal([]byte(item), &alert); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		out = append(out, alert)
	}
	return out, nil
}
