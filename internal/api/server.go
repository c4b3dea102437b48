package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"behaviorguard/internal/alerts"
	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
	"behaviorguard/internal/policy"
	"behaviorguard/internal/storage"
)

const maxBodyBytes = 1 << 20

type EngineControl interface {
	Reset()
	ClearBaselines()
	UpdateConfig(cfg *config.Config)
	Students() []string
	Baseline(studentID string) (model.StudentBaseline, bool)
	Started() time.Time
}

type Server struct {
	cfg      *config.Manager
	engine   EngineControl
	alerts   *alerts.Store
	store    storage.Store
	policies *policy.Policies
	hub      *Hub
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Uptime     string        `json:"uptime"`
	Students   int           `json:"students"`
	Alerts     int           `json:"alerts"`
	Clients    int           `json:"ws_clients"`
	Storage    storageStatus `json:"storage"`
	Ingest     ingestStatus  `json:"ingest"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver,omitempty"`
}

type baselineRow struct {
	Metric  string  `json:"metric"`
	Window  int     `json:"window"`
	Median  float64 `json:"median"`
	IQR     float64 `json:"iqr"`
	Sigma   float64 `json:"sigma"`
	N       int     `json:"n"`
	Quality float64 `json:"quality"`
}

// NewServer wires the API. Surfaced alerts are pushed to websocket clients
// as they reach the alerts store.
func NewServer(cfg *config.Manager, engine EngineControl, alertsStore *alerts.Store, store storage.Store, policies *policy.Policies, logger *slog.Logger, version string) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		alerts:   alertsStore,
		store:    store,
		policies: policies,
		hub:      NewHub(logger),
		logger:   logger,
		version:  version,
	}
	if alertsStore != nil {
		alertsStore.Subscribe(func(a model.AlertEvent) {
			s.hub.Broadcast("alert", a)
		})
	}
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/ws", s.hub.ServeWS)
	r.Route("/students/{id}", func(r chi.Router) {
		r.Get("/alerts", s.handleStudentAlerts)
		r.Get("/baselines", s.handleBaselines)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Post("/snooze", s.handleSnooze)
		r.Delete("/snooze", s.handleClearSnooze)
		r.Post("/dont-show", s.handleDontShow)
		r.Post("/throttle/reset", s.handleThrottleReset)
		r.Get("/audit", s.handleAudit)
	})
	r.Post("/admin/clear", s.handleClear)
	r.Post("/admin/restart", s.handleRestart)
	return r
}

func Start(ctx context.Context, srv *Server) *http.Server {
	if srv == nil || srv.cfg == nil {
		return nil
	}
	logger := srv.logger
	current := srv.cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	now := time.Now().UTC()
	resp := statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Clients:    s.hub.Len(),
		Storage:    storageStatus{Enabled: cfg.Storage.Enabled},
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
	}
	if cfg.Storage.Enabled {
		resp.Storage.Driver = cfg.Storage.Driver
	}
	if s.engine != nil {
		resp.Students = len(s.engine.Students())
		if started := s.engine.Started(); !started.IsZero() {
			resp.Uptime = now.Sub(started).Truncate(time.Second).String()
		}
	}
	if s.alerts != nil {
		resp.Alerts = s.alerts.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"))
	var list []model.AlertEvent
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		list = s.alerts.Since(ts)
		if student := q.Get("student"); student != "" {
			list = filterStudent(list, student)
		}
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	case q.Get("student") != "":
		list = s.alerts.ForStudent(q.Get("student"), limit)
	default:
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func filterStudent(list []model.AlertEvent, studentID string) []model.AlertEvent {
	out := list[:0:0]
	for _, a := range list {
		if a.StudentID == studentID {
			out = append(out, a)
		}
	}
	return out
}

// handleStudentAlerts prefers persisted history and falls back to the
// in-memory ring when storage is off or failing.
func (s *Server) handleStudentAlerts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := intParam(r.URL.Query().Get("limit"))
	source := "memory"
	var list []model.AlertEvent
	if s.store != nil {
		stored, err := s.store.ListAlerts(r.Context(), id, limit)
		if err == nil {
			list, source = stored, "storage"
		} else if s.logger != nil {
			s.logger.Warn("list alerts failed", "student", id, "err", err)
		}
	}
	if source == "memory" {
		list = s.alerts.ForStudent(id, limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"student_id": id,
		"alerts":     list,
		"count":      len(list),
		"source":     source,
	})
}

func (s *Server) handleBaselines(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.engine == nil {
		writeError(w, http.StatusNotFound, "unknown student")
		return
	}
	b, ok := s.engine.Baseline(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown student")
		return
	}
	rows := make([]baselineRow, 0, len(b.Metrics))
	for key, m := range b.Metrics {
		rows = append(rows, baselineRow{
			Metric:  key.Metric,
			Window:  key.Window,
			Median:  m.Median,
			IQR:     m.IQR,
			Sigma:   m.Sigma,
			N:       m.N,
			Quality: m.Quality,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Metric != rows[j].Metric {
			return rows[i].Metric < rows[j].Metric
		}
		return rows[i].Window < rows[j].Window
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"student_id":  b.StudentID,
		"computed_at": b.ComputedAt.Format(time.RFC3339Nano),
		"reliability": b.Reliability,
		"metrics":     rows,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"student_id": id,
		"settings":   s.policies.SettingsFor(r.Context(), id),
	})
}

// handlePutSettings always stores the normalized settings; invalid fields
// fall back to defaults and are reported.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in model.AlertSettings
	if !readJSON(w, r, &in) {
		return
	}
	saved, errs := s.policies.SaveSettings(r.Context(), id, in)
	if errs == nil {
		errs = []policy.FieldError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"student_id": id,
		"settings":   saved,
		"errors":     errs,
	})
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Key   string `json:"key"`
		Hours int    `json:"hours"`
	}
	if !readOptionalJSON(w, r, &req) {
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		key = policy.SnoozeAll
	}
	until := s.policies.Snooze(r.Context(), id, key, req.Hours)
	writeJSON(w, http.StatusOK, map[string]any{
		"student_id": id,
		"key":        key,
		"until":      until.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleClearSnooze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		key = policy.SnoozeAll
	}
	s.policies.ClearSnooze(r.Context(), id, key)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDontShow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Key  string `json:"key"`
		Days int    `json:"days"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	until := s.policies.DontShowForDays(r.Context(), id, req.Key, req.Days)
	writeJSON(w, http.StatusOK, map[string]any{
		"student_id": id,
		"key":        req.Key,
		"until":      until.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleThrottleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Key string `json:"key"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	s.policies.ResetThrottle(r.Context(), id, req.Key)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries := s.policies.Audit(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"student_id": id,
		"entries":    entries,
		"count":      len(entries),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if !readOptionalJSON(w, r, &req) {
		return
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.engine != nil {
			s.engine.ClearBaselines()
		}
		s.alerts.Clear()
	case "alerts":
		s.alerts.Clear()
	case "baselines":
		if s.engine != nil {
			s.engine.ClearBaselines()
		}
	default:
		writeError(w, http.StatusBadRequest, "target must be all, alerts or baselines")
		return
	}
	if s.logger != nil {
		s.logger.Info("cleared", "target", target)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	if s.engine != nil {
		s.engine.Reset()
		if next := s.cfg.Get(); next != nil {
			s.engine.UpdateConfig(next)
		}
	}
	s.alerts.Clear()
	if s.logger != nil {
		s.logger.Info("engine restarted")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func intParam(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// readOptionalJSON accepts an empty body.
func readOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
