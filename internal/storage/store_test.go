package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "throttle:s1:k", []byte(`{"phase":"scheduled"}`)))
	require.NoError(t, s.Set(ctx, "throttle:s1:k", []byte(`{"phase":"eligible"}`)))
	v, ok, err := s.Get(ctx, "throttle:s1:k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"phase":"eligible"}`, string(v))

	base := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	for i, student := range []string{"s1", "s2", "s1"} {
		require.NoError(t, s.SaveAlert(ctx, model.AlertEvent{
			ID:        "a" + string(rune('0'+i)),
			StudentID: student,
			Kind:      "cusum_shift",
			Severity:  model.SeverityModerate,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	all, err := s.ListAlerts(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a2", all[0].ID)

	mine, err := s.ListAlerts(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "a2", mine[0].ID)
	assert.Equal(t, model.SeverityModerate, mine[0].Severity)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite("file::memory:")
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestNewStoreDrivers(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewStore(config.StorageConfig{Enabled: true, Driver: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "mongo"})
	assert.Error(t, err)
}
