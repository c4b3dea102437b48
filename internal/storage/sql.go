package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"behaviorguard/internal/model"
)

// sqlStore implements Store over any database/sql driver; queries are
// written with ? placeholders and rebound for the driver.
type sqlStore struct {
	db  *sqlx.DB
	ddl []string
}

type alertRow struct {
	ID        string `db:"id"`
	StudentID string `db:"student_id"`
	Payload   string `db:"payload"`
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM kv WHERE name = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO kv (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, value, nowUTC())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) SaveAlert(ctx context.Context, alert model.AlertEvent) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO alerts (id, student_id, kind, severity, created_at, dedupe_key, payload)
		VALUES (:id, :student_id, :kind, :severity, :created_at, :dedupe_key, :payload)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload`,
		map[string]any{
			"id":         alert.ID,
			"student_id": alert.StudentID,
			"kind":       alert.Kind,
			"severity":   string(alert.Severity),
			"created_at": alert.CreatedAt.UTC(),
			"dedupe_key": alert.DedupeKey,
			"payload":    encodeJSON(alert),
		})
	if err != nil {
		return fmt.Errorf("save alert %s: %w", alert.ID, err)
	}
	return nil
}

func (s *sqlStore) ListAlerts(ctx context.Context, studentID string, limit int) ([]model.AlertEvent, error) {
	limit = clampLimit(limit)
	var rows []alertRow
	var err error
	if studentID == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(
			`SELECT id, student_id, payload FROM alerts ORDER BY created_at DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(
			`SELECT id, student_id, payload FROM alerts WHERE student_id = ? ORDER BY created_at DESC LIMIT ?`),
			studentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]model.AlertEvent, 0, len(rows))
	for _, row := range rows {
		var alert model.AlertEvent
		if err := json.Unmarshal([]byte(row.Payload), &alert); err != nil {
			return nil, fmt.Errorf("decode alert %s: %w", row.ID, err)
		}
		out = append(out, alert)
	}
	return out, nil
}
