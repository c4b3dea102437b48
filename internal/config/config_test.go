package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorguard/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: debug
ingest:
  rest:
    enabled: true
    addr: ":7070"
detection:
  recent_window: 72h
  cusum:
    enabled: true
    sided: upper
policy:
  defaults:
    timezone: Europe/Berlin
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":7070", cfg.Ingest.REST.Addr)
	assert.Equal(t, 72*time.Hour, cfg.Detection.RecentWindow)
	assert.Equal(t, "upper", cfg.Detection.CUSUM.Sided)
	assert.Equal(t, "Europe/Berlin", cfg.Policy.Defaults.Timezone)
	// untouched sections keep their defaults
	assert.Equal(t, DefaultConfig().Detection.SeriesLimit, cfg.Detection.SeriesLimit)
	assert.Equal(t, 20, cfg.Policy.Defaults.DailyCaps[model.SeverityCritical])
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"api":{"enabled":true,"addr":":9999"},"alerts":{"store_limit":0}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, DefaultConfig().Alerts.StoreLimit, cfg.Alerts.StoreLimit)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"empty":        "   ",
		"bad sided":    "detection:\n  cusum:\n    sided: sideways\n",
		"bad driver":   "storage:\n  enabled: true\n  driver: mongo\n",
		"kafka":        "ingest:\n  kafka:\n    enabled: true\n",
		"throttle":     "policy:\n  max_throttle_delay: 48h\n",
		"heap":         "detection:\n  max_heap_mb: -1\n",
		"filetail":     "ingest:\n  file_tail:\n    enabled: true\n",
		"broken yaml":  "detection: [",
		"lambda range": "detection:\n  ewma:\n    lambda: 1.5\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("BEHAVIORGUARD_LOG_LEVEL", "warn")
	t.Setenv("BEHAVIORGUARD_STORAGE_ENABLED", "true")
	t.Setenv("BEHAVIORGUARD_STORAGE_DRIVER", "redis")
	t.Setenv("BEHAVIORGUARD_KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("BEHAVIORGUARD_WORKERS", "8")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Ingest.Kafka.Brokers)
	assert.Equal(t, 8, cfg.Detection.Workers)

	t.Setenv("BEHAVIORGUARD_WORKERS", "many")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.LogLevel = "error"
	require.NoError(t, Save(path, cfg))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "error", m.Get().LogLevel)
	assert.Equal(t, path, m.Path())

	cfg.LogLevel = "debug"
	require.NoError(t, Save(path, cfg))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)
	reloaded, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "debug", reloaded.LogLevel)
	assert.Equal(t, "debug", m.Get().LogLevel)
}

func TestStaticManager(t *testing.T) {
	cfg := DefaultConfig()
	m := NewStaticManager(cfg)
	assert.Same(t, cfg, m.Get())
	assert.Empty(t, m.Path())
}
