package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"behaviorguard/internal/config"
	"behaviorguard/internal/model"
	"behaviorguard/internal/normalize"
)

// messageReader is the part of *kafka.Reader the consumer loop needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.TrackingEntry, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID, "start_offset", current.StartOffset)
	}
	startOffset := kafka.FirstOffset
	if strings.EqualFold(current.StartOffset, "last") {
		startOffset = kafka.LastOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     current.Brokers,
		Topic:       current.Topic,
		GroupID:     current.GroupID,
		StartOffset: startOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})
	go consumeKafka(ctx, reader, newLineSource("kafka", cfg, parser, out, logger))
}

// consumeKafka commits each message once its entries were handed on, so a
// restart resumes after the last delivered message. Unparseable messages are
// committed too; redelivery would not fix them.
func consumeKafka(ctx context.Context, reader messageReader, src *lineSource) {
	defer reader.Close()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if src.logger != nil {
				src.logger.Warn("kafka fetch error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		if list, ok := src.parse(string(m.Value), "partition", m.Partition, "offset", m.Offset); ok {
			src.deliver(ctx, withKeyStudent(list, m.Key))
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && src.logger != nil {
			src.logger.Warn("kafka commit error", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

// withKeyStudent uses the message key as the student id for entries that do
// not name one.
func withKeyStudent(list []normalize.EntryFields, key []byte) []normalize.EntryFields {
	id := strings.TrimSpace(string(key))
	if id == "" {
		return list
	}
	for i := range list {
		if strings.TrimSpace(list[i].StudentID) == "" {
			list[i].StudentID = id
		}
	}
	return list
}
