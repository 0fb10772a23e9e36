package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("outbox")

// Publisher sends one order event to the broker.
type Publisher interface {
	Publish(ctx context.Context, messageID string, orderID int64, payload json.RawMessage) error
}

// Relay republishes events whose immediate publish after commit did not
// happen or failed. Events younger than grace are left to the publish that
// follows their commit. An event whose immediate publish outlasts grace can
// still go out twice; consumers apply order events idempotently.
type Relay struct {
	db        *sql.DB
	publisher Publisher
	interval  time.Duration
	grace     time.Duration
	batchSize int
	logger    *slog.Logger
	relayed   metric.Int64Counter
}

func NewRelay(db *sql.DB, publisher Publisher, interval, grace time.Duration, batchSize int, logger *slog.Logger) (*Relay, error) {
	relayed, err := meter.Int64Counter("outbox.relayed",
		metric.WithDescription("Outbox events handed to the broker by the relay, by result"),
	)
	if err != nil {
		return nil, err
	}

	return &Relay{
		db:        db,
		publisher: publisher,
		interval:  interval,
		grace:     grace,
		batchSize: batchSize,
		logger:    logger,
		relayed:   relayed,
	}, nil
}

// Run dispatches pending events every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "interval", r.interval.String(), "grace", r.grace.String(), "batch_size", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.DispatchPending(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox dispatch failed", "error", err)
			}
		}
	}
}

// DispatchPending publishes one batch of undispatched events, oldest first,
// and returns how many reached the broker. Rows locked by another relay are
// skipped.
func (r *Relay) DispatchPending(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	events, err := lockPending(ctx, tx, r.batchSize, r.grace)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range events {
		if err := r.publisher.Publish(ctx, e.ID.String(), e.OrderID, e.Payload); err != nil {
			r.logger.Warn("outbox publish failed", "error", err, "event_id", e.ID.String(), "order_id", e.OrderID, "attempts", e.Attempts+1)
			r.relayed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
			if err := recordFailure(ctx, tx, e.ID, err); err != nil {
				return sent, err
			}
			continue
		}

		if err := markDispatched(ctx, tx, e.ID); err != nil {
			return sent, err
		}
		r.relayed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
		sent++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if len(events) > 0 {
		r.logger.Info("outbox batch dispatched", "sent", sent, "pending", len(events)-sent)
	}

	return sent, nil
}
