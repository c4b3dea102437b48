package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"behaviorguard/internal/model"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Baselines BaselinesConfig `json:"baselines" yaml:"baselines"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// Ack writes "ok <accepted> <failed>" back after every line.
	Ack bool `json:"ack" yaml:"ack"`
}

type FileTailConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	StartAtEnd   bool          `json:"start_at_end" yaml:"start_at_end"`
	Files        []string      `json:"files" yaml:"files"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
	// StartOffset is "first" or "last" for groups without a committed offset.
	StartOffset string `json:"start_offset" yaml:"start_offset"`
}

type ParserConfig struct {
	Timezone     string  `json:"timezone" yaml:"timezone"`
	MaxIntensity float64 `json:"max_intensity" yaml:"max_intensity"`
	// MaxFutureSkew rejects entries stamped further ahead than this.
	MaxFutureSkew time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type DetectionConfig struct {
	SeriesLimit           int               `json:"series_limit" yaml:"series_limit"`
	HistoryLimit          int               `json:"history_limit" yaml:"history_limit"`
	Workers               int               `json:"workers" yaml:"workers"`
	ReevaluateInterval    time.Duration     `json:"reevaluate_interval" yaml:"reevaluate_interval"`
	TargetFalseAlertsPerN float64           `json:"target_false_alerts_per_n" yaml:"target_false_alerts_per_n"`
	HighIntensity         float64           `json:"high_intensity" yaml:"high_intensity"`
	NoiseThreshold        float64           `json:"noise_threshold" yaml:"noise_threshold"`
	RecentWindow          time.Duration     `json:"recent_window" yaml:"recent_window"`
	EWMA                  EWMAConfig        `json:"ewma" yaml:"ewma"`
	CUSUM                 CUSUMConfig       `json:"cusum" yaml:"cusum"`
	BetaRate              BetaRateConfig    `json:"beta_rate" yaml:"beta_rate"`
	Association           AssociationConfig `json:"association" yaml:"association"`
	Burst                 BurstConfig       `json:"burst" yaml:"burst"`

	// EntryDedupeWindow drops re-delivered tracking entries seen this recently.
	EntryDedupeWindow time.Duration `json:"entry_dedupe_window" yaml:"entry_dedupe_window"`
	// EvaluateCooldown spaces streaming re-evaluations of one student. Zero
	// evaluates on every entry.
	EvaluateCooldown time.Duration `json:"evaluate_cooldown" yaml:"evaluate_cooldown"`
	// MaxHeapMB pauses periodic re-evaluation while the heap is larger.
	// Zero disables the check.
	MaxHeapMB int `json:"max_heap_mb" yaml:"max_heap_mb"`
}

type EWMAConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	Lambda            float64 `json:"lambda" yaml:"lambda"`
	MinPoints         int     `json:"min_points" yaml:"min_points"`
	SustainedBreaches int     `json:"sustained_breaches" yaml:"sustained_breaches"`
	SustainedWindow   int     `json:"sustained_window" yaml:"sustained_window"`
}

type CUSUMConfig struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	KFactor   float64 `json:"k_factor" yaml:"k_factor"`
	MinPoints int     `json:"min_points" yaml:"min_points"`
	Sided     string  `json:"sided" yaml:"sided"`
}

type BetaRateConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	Delta         float64 `json:"delta" yaml:"delta"`
	MinSupport    int     `json:"min_support" yaml:"min_support"`
	PriorStrength float64 `json:"prior_strength" yaml:"prior_strength"`
}

type AssociationConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	MinSupport int     `json:"min_support" yaml:"min_support"`
	MaxPValue  float64 `json:"max_p_value" yaml:"max_p_value"`
}

type BurstConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	WindowMinutes float64 `json:"window_minutes" yaml:"window_minutes"`
	MinEvents     int     `json:"min_events" yaml:"min_events"`
	Alpha         float64 `json:"alpha" yaml:"alpha"`
}

type PolicyConfig struct {
	DedupeWindow     time.Duration       `json:"dedupe_window" yaml:"dedupe_window"`
	AuditLimit       int                 `json:"audit_limit" yaml:"audit_limit"`
	MaxThrottleDelay time.Duration       `json:"max_throttle_delay" yaml:"max_throttle_delay"`
	Defaults         model.AlertSettings `json:"defaults" yaml:"defaults"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Driver is one of memory, sqlite, postgres, redis.
	Driver        string `json:"driver" yaml:"driver"`
	DSN           string `json:"dsn" yaml:"dsn"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

type BaselinesConfig struct {
	StoreLimit      int           `json:"store_limit" yaml:"store_limit"`
	Window          int           `json:"window" yaml:"window"`
	SigmaFloor      float64       `json:"sigma_floor" yaml:"sigma_floor"`
	RecencyHalfLife time.Duration `json:"recency_half_life" yaml:"recency_half_life"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultSettings() model.AlertSettings {
	return model.AlertSettings{
		Timezone:   "UTC",
		QuietHours: model.QuietHours{Enabled: false, Start: "20:00", End: "07:00"},
		DailyCaps: map[model.Severity]int{
			model.SeverityCritical:  20,
			model.SeverityImportant: 10,
			model.SeverityModerate:  6,
			model.SeverityLow:       3,
		},
		Snooze: model.SnoozePreferences{DefaultHours: 24, DontShowDays: 7},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000", IdleTimeout: 5 * time.Minute},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true, PollInterval: 250 * time.Millisecond},
			Kafka:         KafkaConfig{Enabled: false, StartOffset: "first"},
			Parser:        ParserConfig{Timezone: "UTC", MaxIntensity: 5, MaxFutureSkew: 5 * time.Minute},
		},
		Detection: DetectionConfig{
			SeriesLimit:           5000,
			HistoryLimit:          10000,
			Workers:               4,
			ReevaluateInterval:    15 * time.Minute,
			TargetFalseAlertsPerN: 336,
			HighIntensity:         4,
			NoiseThreshold:        70,
			RecentWindow:          7 * 24 * time.Hour,
			EntryDedupeWindow:     10 * time.Minute,
			EWMA:                  EWMAConfig{Enabled: true, Lambda: 0.2, MinPoints: 20, SustainedBreaches: 3, SustainedWindow: 5},
			CUSUM:                 CUSUMConfig{Enabled: true, KFactor: 0.5, MinPoints: 20, Sided: "both"},
			BetaRate:              BetaRateConfig{Enabled: true, Delta: 0.05, MinSupport: 5, PriorStrength: 10},
			Association:           AssociationConfig{Enabled: true, MinSupport: 5, MaxPValue: 0.1},
			Burst:                 BurstConfig{Enabled: true, WindowMinutes: 15, MinEvents: 3, Alpha: 0.05},
		},
		Policy: PolicyConfig{
			DedupeWindow:     time.Hour,
			AuditLimit:       200,
			MaxThrottleDelay: 6 * time.Hour,
			Defaults:         DefaultSettings(),
		},
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Storage:   StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:behaviorguard.db?_pragma=busy_timeout(5000)"},
		Baselines: BaselinesConfig{StoreLimit: 5000, Window: 14, SigmaFloor: 0.05, RecencyHalfLife: 7 * 24 * time.Hour},
		Alerts:    AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults and environment overrides only.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

const envPrefix = "BEHAVIORGUARD_"

// ApplyEnv overlays BEHAVIORGUARD_* variables, after loading a .env file
// from the working directory when one exists.
func ApplyEnv(cfg *Config) error {
	_ = godotenv.Load()
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("API_ADDR", &cfg.API.Addr)
	str("REST_ADDR", &cfg.Ingest.REST.Addr)
	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("STORAGE_DSN", &cfg.Storage.DSN)
	str("REDIS_ADDR", &cfg.Storage.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Storage.RedisPassword)
	str("KAFKA_TOPIC", &cfg.Ingest.Kafka.Topic)
	str("KAFKA_GROUP_ID", &cfg.Ingest.Kafka.GroupID)
	if v := os.Getenv(envPrefix + "KAFKA_BROKERS"); v != "" {
		cfg.Ingest.Kafka.Brokers = splitList(v)
	}
	if err := boolean("STORAGE_ENABLED", &cfg.Storage.Enabled); err != nil {
		return err
	}
	if err := boolean("KAFKA_ENABLED", &cfg.Ingest.Kafka.Enabled); err != nil {
		return err
	}
	if err := integer("REDIS_DB", &cfg.Storage.RedisDB); err != nil {
		return err
	}
	if err := integer("MAX_HEAP_MB", &cfg.Detection.MaxHeapMB); err != nil {
		return err
	}
	return integer("WORKERS", &cfg.Detection.Workers)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Baselines.StoreLimit <= 0 {
		cfg.Baselines.StoreLimit = def.Baselines.StoreLimit
	}
	if cfg.Baselines.Window <= 0 {
		cfg.Baselines.Window = def.Baselines.Window
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.TCPStream.IdleTimeout <= 0 {
		cfg.Ingest.TCPStream.IdleTimeout = def.Ingest.TCPStream.IdleTimeout
	}
	if cfg.Ingest.FileTail.PollInterval <= 0 {
		cfg.Ingest.FileTail.PollInterval = def.Ingest.FileTail.PollInterval
	}
	if cfg.Ingest.Kafka.StartOffset == "" {
		cfg.Ingest.Kafka.StartOffset = def.Ingest.Kafka.StartOffset
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.MaxIntensity <= 0 {
		cfg.Ingest.Parser.MaxIntensity = def.Ingest.Parser.MaxIntensity
	}
	if cfg.Detection.SeriesLimit <= 0 {
		cfg.Detection.SeriesLimit = def.Detection.SeriesLimit
	}
	if cfg.Detection.HistoryLimit <= 0 {
		cfg.Detection.HistoryLimit = def.Detection.HistoryLimit
	}
	if cfg.Detection.Workers <= 0 {
		cfg.Detection.Workers = def.Detection.Workers
	}
	if cfg.Detection.TargetFalseAlertsPerN <= 0 {
		cfg.Detection.TargetFalseAlertsPerN = def.Detection.TargetFalseAlertsPerN
	}
	if cfg.Detection.RecentWindow <= 0 {
		cfg.Detection.RecentWindow = def.Detection.RecentWindow
	}
	if cfg.Policy.DedupeWindow <= 0 {
		cfg.Policy.DedupeWindow = def.Policy.DedupeWindow
	}
	if cfg.Policy.AuditLimit <= 0 {
		cfg.Policy.AuditLimit = def.Policy.AuditLimit
	}
	if cfg.Policy.MaxThrottleDelay <= 0 {
		cfg.Policy.MaxThrottleDelay = def.Policy.MaxThrottleDelay
	}
	if cfg.Policy.Defaults.DailyCaps == nil {
		cfg.Policy.Defaults.DailyCaps = def.Policy.Defaults.DailyCaps
	}
	if cfg.Policy.Defaults.Timezone == "" {
		cfg.Policy.Defaults.Timezone = def.Policy.Defaults.Timezone
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Ingest.Kafka.StartOffset) {
	case "", "first", "last":
	default:
		return fmt.Errorf("ingest.kafka.start_offset must be first or last: %q", cfg.Ingest.Kafka.StartOffset)
	}
	if l := cfg.Detection.EWMA.Lambda; l < 0 || l > 1 {
		return fmt.Errorf("detection.ewma.lambda must be in (0,1]: %v", l)
	}
	switch strings.ToLower(cfg.Detection.CUSUM.Sided) {
	case "", "upper", "lower", "both":
	default:
		return fmt.Errorf("detection.cusum.sided must be upper, lower or both: %q", cfg.Detection.CUSUM.Sided)
	}
	if p := cfg.Detection.Association.MaxPValue; p < 0 || p > 1 {
		return fmt.Errorf("detection.association.max_p_value must be in (0,1]: %v", p)
	}
	if a := cfg.Detection.Burst.Alpha; a < 0 || a >= 1 {
		return fmt.Errorf("detection.burst.alpha must be in (0,1): %v", a)
	}
	if cfg.Detection.MaxHeapMB < 0 {
		return fmt.Errorf("detection.max_heap_mb must be >= 0: %d", cfg.Detection.MaxHeapMB)
	}
	if cfg.Policy.MaxThrottleDelay > 24*time.Hour {
		return fmt.Errorf("policy.max_throttle_delay must not exceed 24h: %s", cfg.Policy.MaxThrottleDelay)
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "memory", "sqlite", "postgres", "postgresql", "redis":
		default:
			return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file; it never reloads.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
