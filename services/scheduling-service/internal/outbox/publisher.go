package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/kairos-labs/slotkeeper/libs/kafkax"
	otelx "github.com/kairos-labs/slotkeeper/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Source is the store side of the outbox. DrainOutbox claims up to limit unpublished
// records, passes them to send and marks them published only when send succeeds.
type Source interface {
	DrainOutbox(ctx context.Context, limit int, send func(context.Context, []Record) error) (int, error)
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns nil when no brokers are configured.
func NewKafkaWriter(brokers string) MessageWriter {
	list := kafkax.SplitBrokers(brokers)
	if len(list) == 0 {
		return nil
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(list...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// Publisher relays committed events. A failed send leaves the records pending for the next
// tick; the state change that produced them is never affected.
type Publisher struct {
	source    Source
	writer    MessageWriter
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(source Source, writer MessageWriter, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		source:    source,
		writer:    writer,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if p.writer == nil {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}
	defer p.writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PublishOnce(ctx)
			if err != nil {
				p.logger.Error("outbox publish failed", "err", err)
				continue
			}
			if n > 0 {
				p.logger.Debug("outbox batch published", "count", n)
			}
		}
	}
}

// PublishOnce drains a single batch.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	return p.source.DrainOutbox(ctx, p.batchSize, func(ctx context.Context, records []Record) error {
		return p.writer.WriteMessages(ctx, Messages(ctx, records)...)
	})
}

// Messages maps records to Kafka messages. The topic is the event type and the key is the
// aggregate id, so one slot's events stay ordered on one partition.
func Messages(ctx context.Context, records []Record) []kafka.Message {
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		msg := kafka.Message{
			Topic: r.EventType,
			Key:   []byte(r.AggregateID),
			Value: r.Payload,
			Headers: kafkax.EventMeta{
				EventID:       r.EventID,
				EventType:     r.EventType,
				AggregateType: r.AggregateType,
			}.Headers(),
		}
		msgCtx := otelx.TraceContext{Parent: r.Traceparent, State: r.Tracestate}.Into(ctx)
		msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
		msgs = append(msgs, msg)
	}
	return msgs
}
