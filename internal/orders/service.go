// Package orders creates orders and hands them to the stock pipeline.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
	"github.com/joao-fontenele/orderflow-stock/internal/ledger"
	"github.com/joao-fontenele/orderflow-stock/internal/outbox"
)

var (
	ErrInvalidRequest  = errors.New("invalid order request")
	ErrVariantNotFound = errors.New("variant not found")
	ErrVariantInactive = errors.New("variant is not active")

	ErrInsufficientStock = ledger.ErrInsufficientStock
)

type LineRequest struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

type CreateOrderRequest struct {
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	Items           []LineRequest          `json:"items"`
}

func (r CreateOrderRequest) validate(userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrInvalidRequest)
	}
	for _, line := range r.Items {
		if line.VariantID <= 0 {
			return fmt.Errorf("%w: invalid variant id %d", ErrInvalidRequest, line.VariantID)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for variant %d", ErrInvalidRequest, line.VariantID)
		}
	}

	a := r.ShippingAddress
	for _, f := range []struct{ name, value string }{
		{"full_name", a.FullName},
		{"street", a.Street},
		{"city", a.City},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
	} {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: shipping address %s is required", ErrInvalidRequest, f.name)
		}
	}
	return nil
}

type orderStore interface {
	Create(ctx context.Context, userID int64, address domain.ShippingAddress, lines []LineRequest) (*domain.Order, outbox.Event, error)
	GetByID(ctx context.Context, id int64) (*domain.Order, error)
}

type dispatchMarker interface {
	MarkDispatched(ctx context.Context, id uuid.UUID) error
}

type Service struct {
	store     orderStore
	publisher outbox.Publisher
	outbox    dispatchMarker
	logger    *slog.Logger
}

// NewService wires the order writer. publisher may be nil, in which case
// events are left for the outbox relay.
func NewService(store orderStore, publisher outbox.Publisher, marker dispatchMarker, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		outbox:    marker,
		logger:    logger,
	}
}

// CreateOrder persists the order and returns its id. The event is published
// after commit on a best-effort basis; a failed publish is logged and the
// outbox relay retries it.
func (s *Service) CreateOrder(ctx context.Context, userID int64, req CreateOrderRequest) (int64, error) {
	if err := req.validate(userID); err != nil {
		return 0, err
	}

	order, event, err := s.store.Create(ctx, userID, req.ShippingAddress, req.Items)
	if err != nil {
		return 0, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created", "order_id", order.ID, "user_id", userID,
		"items", len(order.Items), "total", order.TotalAmount.String())

	s.publish(ctx, event)

	return order.ID, nil
}

func (s *Service) publish(ctx context.Context, event outbox.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, event.ID.String(), event.OrderID, event.Payload); err != nil {
		s.logger.Error("failed to publish order event", "error", err, "order_id", event.OrderID, "event_id", event.ID.String())
		return
	}

	if s.outbox == nil {
		return
	}
	if err := s.outbox.MarkDispatched(ctx, event.ID); err != nil {
		s.logger.Warn("failed to mark order event dispatched", "error", err, "order_id", event.OrderID, "event_id", event.ID.String())
	}
}

// GetOrder returns the order with its items, or nil if it does not exist.
func (s *Service) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return s.store.GetByID(ctx, id)
}
