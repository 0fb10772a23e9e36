// Package worker applies order events from the queue to the stock ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
	"github.com/joao-fontenele/orderflow-stock/internal/ledger"
	"github.com/joao-fontenele/orderflow-stock/internal/messaging"
)

type stockLedger interface {
	ApplyOrder(ctx context.Context, orderID int64, items []domain.OrderEventItem) (int, error)
}

type OrderEventHandler struct {
	ledger stockLedger
	logger *slog.Logger
}

func NewOrderEventHandler(l stockLedger, logger *slog.Logger) *OrderEventHandler {
	return &OrderEventHandler{
		ledger: l,
		logger: logger,
	}
}

// Handle decodes one queue message and applies its lines as OUT movements.
// Messages that can never be applied are returned as permanent errors so
// the consumer drops them instead of requeueing.
func (h *OrderEventHandler) Handle(ctx context.Context, body []byte) error {
	envelope, payload, err := domain.DecodeOrderEvent(body)
	if err != nil {
		h.logger.Error("discarding undecodable order event", "error", err, "size", len(body))
		return messaging.Permanent(err)
	}

	h.logger.Info("processing order event", "order_id", payload.OrderID, "user_id", payload.UserID,
		"items", len(payload.Items), "published_at", envelope.Timestamp)

	applied, err := h.ledger.ApplyOrder(ctx, payload.OrderID, payload.Items)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidMovement) {
			return messaging.Permanent(err)
		}
		return fmt.Errorf("apply order %d: %w", payload.OrderID, err)
	}

	if applied == 0 {
		h.logger.Warn("order event already applied", "order_id", payload.OrderID)
		return nil
	}

	h.logger.Info("order event applied", "order_id", payload.OrderID, "movements", applied)
	return nil
}
