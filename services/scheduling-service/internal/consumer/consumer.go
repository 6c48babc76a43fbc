// Package consumer reads integration events from Kafka and applies them once.
package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kairos-labs/slotkeeper/libs/kafkax"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/inbox"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// MessageReader is the subset of *kafka.Reader the loop needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
}

func NewKafkaReader(cfg Config) MessageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

type Consumer struct {
	reader  MessageReader
	inbox   inbox.Recorder
	handler Handler
	logger  *slog.Logger
	backoff time.Duration
}

func New(reader MessageReader, recorder inbox.Recorder, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{reader: reader, inbox: recorder, handler: handler, logger: logger, backoff: time.Second}
}

// Run fetches until ctx ends. Offsets are committed only after a message was handled or
// recognised as a duplicate.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch failed", "err", err)
			if !sleep(ctx, c.backoff) {
				return
			}
			continue
		}
		if err := c.Handle(ctx, msg); err != nil {
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit failed", "err", err, "offset", msg.Offset)
		}
	}
}

// Handle applies one message through the inbox. A duplicate returns nil without calling the
// handler; a handler failure releases the inbox claim.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctx = kafkax.ExtractTraceContext(ctx, msg)
	meta := kafkax.ExtractEventMeta(msg)
	ctx, span := otel.Tracer("consumer").Start(ctx, "kafka.consume", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message.id", meta.EventID),
		))
	defer span.End()

	fresh, err := c.inbox.Claim(ctx, meta.EventID, meta.EventType)
	if err != nil {
		c.logger.Error("inbox claim failed", "err", err, "event_id", meta.EventID)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !fresh {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return nil
	}
	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("event handler failed", "err", err, "event_id", meta.EventID, "event_type", meta.EventType)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if rerr := c.inbox.Release(ctx, meta.EventID); rerr != nil {
			c.logger.Error("inbox release failed", "err", rerr, "event_id", meta.EventID)
		}
		return err
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
