package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
)

var feedTracer = otel.Tracer("messaging/feed")

type feedWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FeedProducer emits committed stock movements to a Kafka topic, keyed by
// variant so per-variant order is kept within a partition.
type FeedProducer struct {
	writer feedWriter
	topic  string
}

func NewFeedProducer(brokers []string, topic string) *FeedProducer {
	return &FeedProducer{
		topic: topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           100 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
		},
	}
}

func (p *FeedProducer) PublishStockChanges(ctx context.Context, events []domain.StockChangedEvent) error {
	if len(events) == 0 {
		return nil
	}

	ctx, span := feedTracer.Start(ctx, "send "+p.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(p.topic),
			semconv.MessagingBatchMessageCount(len(events)),
		),
	)
	defer span.End()

	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal stock changed event: %w", err)
		}
		msg := kafka.Message{
			Key:   []byte(strconv.FormatInt(event.VariantID, 10)),
			Value: data,
		}
		otel.GetTextMapPropagator().Inject(ctx, NewMessageCarrier(&msg))
		msgs = append(msgs, msg)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (p *FeedProducer) Close() error {
	return p.writer.Close()
}

// FeedConsumer reads the stock change feed as part of a consumer group.
type FeedConsumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string
}

type FeedConsumerOption func(*kafka.ReaderConfig)

func WithStartOffset(offset int64) FeedConsumerOption {
	return func(cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

func NewFeedConsumer(brokers []string, topic, groupID string, opts ...FeedConsumerOption) *FeedConsumer {
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &FeedConsumer{
		reader:  kafka.NewReader(cfg),
		topic:   topic,
		groupID: groupID,
	}
}

// Consume decodes each message and passes it to handler, committing the
// offset afterwards. Handler errors stop consumption.
func (c *FeedConsumer) Consume(ctx context.Context, handler func(ctx context.Context, event domain.StockChangedEvent) error) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.processMessage(ctx, msg, handler); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *FeedConsumer) processMessage(ctx context.Context, msg kafka.Message, handler func(ctx context.Context, event domain.StockChangedEvent) error) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, NewMessageCarrier(&msg))

	spanCtx, span := feedTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	var event domain.StockChangedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// undecodable feed entries are skipped, not retried
		span.RecordError(err)
		return nil
	}

	if err := handler(spanCtx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *FeedConsumer) Close() error {
	return c.reader.Close()
}
