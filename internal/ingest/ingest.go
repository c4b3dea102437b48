// Package ingest receives tracking entries over REST, TCP line streams,
// tailed files and Kafka, normalizes them and hands them to the engine.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
	"behaviorguard/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- model.TrackingEntry, entry model.TrackingEntry, logger *slog.Logger) bool {
	select {
	case out <- entry:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("entry channel full, dropping entry", "student_id", entry.StudentID, "timestamp", entry.Timestamp)
		}
		return false
	}
}

// Deliver normalizes every parsed entry and sends the valid ones. It returns
// how many were accepted and how many failed normalization or were dropped.
func Deliver(ctx context.Context, cfg *config.Config, list []normalize.EntryFields, source string, out chan<- model.TrackingEntry, logger *slog.Logger) (accepted, failed int) {
	now := time.Now().UTC()
	for _, fields := range list {
		entry, err := normalize.Normalize(fields, cfg.Ingest.Parser, now)
		if err != nil {
			if logger != nil {
				logger.Warn(source+" normalize error", "err", err)
			}
			failed++
			continue
		}
		entry.Source = source
		if SendNonBlocking(ctx, out, entry, logger) {
			accepted++
		} else {
			failed++
		}
	}
	return accepted, failed
}

// lineSource runs text lines from one transport through the shared parser.
type lineSource struct {
	name   string
	cfg    *config.Manager
	parser *Parser
	out    chan<- model.TrackingEntry
	logger *slog.Logger
}

func newLineSource(name string, cfg *config.Manager, parser *Parser, out chan<- model.TrackingEntry, logger *slog.Logger) *lineSource {
	if parser == nil {
		parser = NewParser()
	}
	return &lineSource{name: name, cfg: cfg, parser: parser, out: out, logger: logger}
}

// parse logs and counts a malformed line as one failure.
func (s *lineSource) parse(line string, attrs ...any) ([]normalize.EntryFields, bool) {
	list, err := s.parser.ParseLine(line)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(s.name+" parse error", append(attrs, "err", err)...)
		}
		return nil, false
	}
	return list, true
}

func (s *lineSource) deliver(ctx context.Context, list []normalize.EntryFields) (accepted, failed int) {
	return Deliver(ctx, s.cfg.Get(), list, s.name, s.out, s.logger)
}

func (s *lineSource) consume(ctx context.Context, line string, attrs ...any) (accepted, failed int) {
	list, ok := s.parse(line, attrs...)
	if !ok {
		return 0, 1
	}
	return s.deliver(ctx, list)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
