package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
)

const maxBodyBytes = 2 << 20

// RESTServer accepts JSON entries on /entries and newline-delimited text
// (JSON lines, CSV with an optional header, key=value) on /entries/lines.
type RESTServer struct {
	src *lineSource
}

func NewRESTServer(cfg *config.Manager, out chan<- model.TrackingEntry, logger *slog.Logger) *RESTServer {
	return &RESTServer{src: newLineSource("rest", cfg, nil, out, logger)}
}

func (s *RESTServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/entries", s.handleEntries)
	r.Post("/entries/lines", s.handleLines)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeCounts(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.TrackingEntry, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTServer(cfg, out, logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	})
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleEntries(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	list, err := ParseJSONBytes(body)
	if err != nil {
		if s.src.logger != nil {
			s.src.logger.Warn("rest decode error", "err", err)
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	accepted, failed := s.src.deliver(r.Context(), list)
	writeResult(w, accepted, failed)
}

// handleLines parses each body line on its own. A CSV header applies only to
// the lines of the same request.
func (s *RESTServer) handleLines(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req := *s.src
	req.parser = NewParser()
	accepted, failed := 0, 0
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for n := 1; scanner.Scan(); n++ {
		a, f := req.consume(r.Context(), scanner.Text(), "line", n)
		accepted += a
		failed += f
	}
	writeResult(w, accepted, failed)
}

func writeResult(w http.ResponseWriter, accepted, failed int) {
	status := http.StatusOK
	if accepted == 0 && failed > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeCounts(w, status, map[string]any{"accepted": accepted, "failed": failed})
}

func writeCounts(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
