package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
)

// StartFileTail follows every configured file. Files that are rotated or
// truncated are reopened from the start.
func StartFileTail(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.TrackingEntry, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	src := newLineSource("file_tail", cfg, parser, out, logger)
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		t := &tailer{src: src, path: path, seekEnd: current.StartAtEnd, poll: current.PollInterval}
		go t.run(ctx)
	}
}

type tailer struct {
	src     *lineSource
	path    string
	seekEnd bool
	poll    time.Duration

	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder
}

func (t *tailer) interval() time.Duration {
	if t.poll <= 0 {
		return 250 * time.Millisecond
	}
	return t.poll
}

func (t *tailer) run(ctx context.Context) {
	defer t.close()
	for ctx.Err() == nil {
		if t.file == nil {
			if err := t.open(); err != nil {
				if t.src.logger != nil {
					t.src.logger.Warn("tail open failed", "path", t.path, "err", err)
				}
				if !BackoffSleep(ctx, 2*t.interval()) {
					return
				}
				continue
			}
		}
		line, err := t.reader.ReadString('\n')
		t.offset += int64(len(line))
		switch {
		case err == nil:
			t.partial.WriteString(line)
			full := t.partial.String()
			t.partial.Reset()
			t.src.consume(ctx, full, "path", t.path)
		case errors.Is(err, io.EOF):
			t.partial.WriteString(line)
			if !BackoffSleep(ctx, t.interval()) {
				return
			}
			if t.replaced() {
				if t.src.logger != nil {
					t.src.logger.Info("tail file replaced, reopening", "path", t.path)
				}
				t.close()
				t.seekEnd = false
			}
		default:
			if t.src.logger != nil {
				t.src.logger.Warn("tail read error", "path", t.path, "err", err)
			}
			t.close()
		}
	}
}

func (t *tailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	t.offset = 0
	if t.seekEnd {
		if pos, err := f.Seek(0, io.SeekEnd); err == nil {
			t.offset = pos
		}
	}
	t.file, t.info, t.reader = f, info, bufio.NewReader(f)
	t.partial.Reset()
	return nil
}

// replaced reports a rotation (a different file now sits at path) or a
// truncation below the bytes already read. A missing path is not a
// replacement; the open handle keeps draining.
func (t *tailer) replaced() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	return !os.SameFile(t.info, info) || info.Size() < t.offset
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
	}
	t.file, t.info, t.reader = nil, nil, nil
}
