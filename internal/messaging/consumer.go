package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	consumerTracer = otel.Tracer("messaging/consumer")
	consumerMeter  = otel.Meter("messaging/consumer")
)

var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateDeclaringQueue
	StateConsuming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDeclaringQueue:
		return "declaring-queue"
	case StateConsuming:
		return "consuming"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Outcome is how a delivery was settled with the broker.
type Outcome string

const (
	OutcomeAck     Outcome = "ack"
	OutcomeRequeue Outcome = "requeue"
	OutcomeReject  Outcome = "reject"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that redelivery cannot fix. The consumer
// rejects such deliveries without requeue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Consumer reads the order queue with manual acknowledgement, one
// delivery at a time.
type Consumer struct {
	url      string
	queue    string
	tag      string
	logger   *slog.Logger
	state    atomic.Int32
	consumed metric.Int64Counter
	duration metric.Float64Histogram
}

func NewConsumer(url, queue, tag string, logger *slog.Logger) (*Consumer, error) {
	consumed, err := consumerMeter.Int64Counter("order_events.consumed",
		metric.WithDescription("Order events settled by the consumer, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := consumerMeter.Float64Histogram("order_events.handle.duration",
		metric.WithDescription("Time spent handling one order event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		url:      url,
		queue:    queue,
		tag:      tag,
		logger:   logger,
		consumed: consumed,
		duration: duration,
	}, nil
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Info("consumer state changed", "from", prev.String(), "to", s.String(), "queue", c.queue)
	}
}

// Run connects, declares the queue and dispatches deliveries to handler
// until ctx is cancelled. Connection failures are returned without retry.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	c.setState(StateConnecting)
	conn, err := Dial(c.url, false)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.logger.Error("failed to close broker connection", "error", err)
		}
		c.setState(StateDisconnected)
	}()

	c.setState(StateDeclaringQueue)
	if err := DeclareQueue(conn.Channel, c.queue); err != nil {
		return err
	}

	if err := conn.Channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := conn.Channel.Consume(
		c.queue, // queue
		c.tag,   // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.setState(StateConsuming)

	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopping)
			c.logger.Info("consumer stopping", "queue", c.queue)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.Process(ctx, d, handler)
		}
	}
}

// Process runs handler for d and settles it: ack on success, reject on a
// permanent error or on a failed redelivery, requeue otherwise.
func (c *Consumer) Process(ctx context.Context, d amqp.Delivery, handler Handler) Outcome {
	start := time.Now()

	headers := d.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(headers))

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.queue),
			semconv.MessagingMessageID(d.MessageId),
			attribute.Bool("messaging.rabbitmq.redelivered", d.Redelivered),
		),
	)
	defer span.End()

	err := handler(spanCtx, d.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	outcome := c.settle(d, err)
	span.SetAttributes(attribute.String("messaging.outcome", string(outcome)))

	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	c.consumed.Add(ctx, 1, attrs)
	c.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	return outcome
}

func (c *Consumer) settle(d amqp.Delivery, handlerErr error) Outcome {
	var outcome Outcome
	var err error

	switch {
	case handlerErr == nil:
		outcome = OutcomeAck
		err = d.Ack(false)
	case IsPermanent(handlerErr):
		outcome = OutcomeReject
		c.logger.Error("rejecting message", "error", handlerErr, "message_id", d.MessageId)
		err = d.Nack(false, false)
	case d.Redelivered:
		outcome = OutcomeReject
		c.logger.Error("dropping message after failed redelivery", "error", handlerErr, "message_id", d.MessageId)
		err = d.Nack(false, false)
	default:
		outcome = OutcomeRequeue
		c.logger.Warn("requeueing message", "error", handlerErr, "message_id", d.MessageId)
		err = d.Nack(false, true)
	}

	if err != nil {
		c.logger.Error("failed to settle delivery", "error", err, "outcome", string(outcome), "delivery_tag", d.DeliveryTag)
	}

	return outcome
}
