package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const EventTypeOrderProcessed = "OrderProcessed"

var ErrMalformedEnvelope = errors.New("malformed order event")

func init() {
	// Amounts travel as JSON numbers on the wire and in HTTP responses.
	decimal.MarshalJSONWithoutQuotes = true
}

// OrderEventEnvelope is the message body published to the order queue.
// Data holds the payload selected by Type.
type OrderEventEnvelope struct {
	OrderID   int64           `json:"OrderId"`
	Data      json.RawMessage `json:"Data"`
	Timestamp time.Time       `json:"Timestamp"`
	Type      string          `json:"Type"`
}

type OrderEventItem struct {
	VariantID int64           `json:"VariantId"`
	Quantity  int             `json:"Quantity"`
	UnitPrice decimal.Decimal `json:"UnitPrice"`
}

type OrderEventPayload struct {
	OrderID     int64            `json:"OrderId"`
	UserID      int64            `json:"UserId"`
	Items       []OrderEventItem `json:"Items"`
	TotalAmount decimal.Decimal  `json:"TotalAmount"`
	OrderDate   time.Time        `json:"OrderDate"`
}

func NewOrderEventPayload(order *Order) OrderEventPayload {
	payload := OrderEventPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Items:       make([]OrderEventItem, 0, len(order.Items)),
		TotalAmount: order.TotalAmount,
		OrderDate:   order.CreatedAt,
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, OrderEventItem{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return payload
}

// DecodeOrderEvent parses an envelope and its OrderProcessed payload.
// Data may be an embedded object or a JSON string holding the payload
// document, as older producers send it.
func DecodeOrderEvent(body []byte) (OrderEventEnvelope, OrderEventPayload, error) {
	var envelope OrderEventEnvelope
	var payload OrderEventPayload

	if err := json.Unmarshal(body, &envelope); err != nil {
		return envelope, payload, fmt.Errorf("%w: envelope: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Type != EventTypeOrderProcessed {
		return envelope, payload, fmt.Errorf("%w: unexpected type %q", ErrMalformedEnvelope, envelope.Type)
	}

	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return envelope, payload, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return envelope, payload, fmt.Errorf("%w: data string: %v", ErrMalformedEnvelope, err)
		}
		data = []byte(inner)
	}

	if err := json.Unmarshal(data, &payload); err != nil {
		return envelope, payload, fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}

	if err := payload.validate(envelope.OrderID); err != nil {
		return envelope, payload, err
	}

	return envelope, payload, nil
}

func (p OrderEventPayload) validate(envelopeOrderID int64) error {
	if p.OrderID <= 0 {
		return fmt.Errorf("%w: missing order id", ErrMalformedEnvelope)
	}
	if envelopeOrderID != 0 && envelopeOrderID != p.OrderID {
		return fmt.Errorf("%w: order id mismatch %d != %d", ErrMalformedEnvelope, envelopeOrderID, p.OrderID)
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrMalformedEnvelope)
	}
	for _, item := range p.Items {
		if item.VariantID <= 0 || item.Quantity <= 0 {
			return fmt.Errorf("%w: invalid item variant=%d quantity=%d", ErrMalformedEnvelope, item.VariantID, item.Quantity)
		}
	}
	return nil
}
