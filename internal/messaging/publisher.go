package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
)

var publisherTracer = otel.Tracer("messaging/publisher")

var ErrPublishNacked = errors.New("broker did not confirm publish")

type publishChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// Publisher wraps order payloads in an envelope and publishes them as
// persistent messages to the order queue.
type Publisher struct {
	mu    sync.Mutex
	ch    publishChannel
	queue string
	now   func() time.Time
}

func NewPublisher(ch publishChannel, queue string) *Publisher {
	return &Publisher{
		ch:    ch,
		queue: queue,
		now:   time.Now,
	}
}

// Publish sends payload for orderID. messageID is used as the AMQP message
// id so consumers can correlate redeliveries.
func (p *Publisher) Publish(ctx context.Context, messageID string, orderID int64, payload json.RawMessage) error {
	envelope := domain.OrderEventEnvelope{
		OrderID:   orderID,
		Data:      payload,
		Timestamp: p.now().UTC(),
		Type:      domain.EventTypeOrderProcessed,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, span := publisherTracer.Start(ctx, "send "+p.queue,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(p.queue),
			semconv.MessagingMessageID(messageID),
		),
	)
	defer span.End()

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     messageID,
		CorrelationId: strconv.FormatInt(orderID, 10),
		Timestamp:     envelope.Timestamp,
		Type:          envelope.Type,
		Headers:       headers,
		Body:          body,
	}

	if err := p.publish(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (p *Publisher) publish(ctx context.Context, msg amqp.Publishing) error {
	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		msg,
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}

	// nil when the channel is not in confirm mode
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for publish confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}
