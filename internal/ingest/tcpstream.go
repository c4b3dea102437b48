package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
)

const maxLineBytes = 1 << 20

// StartTCPStream accepts newline-delimited entries and returns the bound
// address, or nil when the source is disabled or cannot listen.
func StartTCPStream(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.TrackingEntry, logger *slog.Logger) net.Addr {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "addr", current.Addr, "err", err)
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String(), "ack", current.Ack)
	}
	src := newLineSource("tcp_stream", cfg, parser, out, logger)
	context.AfterFunc(ctx, func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			s := &tcpSession{src: src, conn: conn, idle: current.IdleTimeout, ack: current.Ack}
			go s.serve(ctx)
		}
	}()
	return ln.Addr()
}

type tcpSession struct {
	src  *lineSource
	conn net.Conn
	idle time.Duration
	ack  bool

	lines, accepted, failed int
}

func (s *tcpSession) serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	defer s.conn.Close()

	remote := s.conn.RemoteAddr().String()
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 8192), maxLineBytes)
	for {
		if s.idle > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
		}
		if !scanner.Scan() {
			break
		}
		s.lines++
		a, f := s.src.consume(ctx, scanner.Text(), "remote", remote)
		s.accepted += a
		s.failed += f
		if s.ack {
			if _, err := fmt.Fprintf(s.conn, "ok %d %d\n", a, f); err != nil {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && s.src.logger != nil {
		s.src.logger.Warn("tcp stream read error", "remote", remote, "err", err)
	}
	if s.src.logger != nil {
		s.src.logger.Debug("tcp stream closed", "remote", remote, "lines", s.lines, "accepted", s.accepted, "failed", s.failed)
	}
}
