package domain

import "time"

type MovementType string

const (
	MovementIn  MovementType = "IN"
	MovementOut MovementType = "OUT"
)

// Sign is +1 for IN and -1 for OUT. Unknown types return 0.
func (t MovementType) Sign() int {
	switch t {
	case MovementIn:
		return 1
	case MovementOut:
		return -1
	}
	return 0
}

func (t MovementType) Valid() bool {
	return t.Sign() != 0
}

const MovementReferenceOrder = "Order"

type StockMovement struct {
	ID             int64        `json:"id"`
	VariantID      int64        `json:"variant_id"`
	Quantity       int          `json:"quantity"`
	Type           MovementType `json:"type"`
	Reference      string       `json:"reference"`
	Notes          string       `json:"notes"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Active         bool         `json:"active"`
}

// Delta is the signed change the movement applies to the aggregate.
func (m StockMovement) Delta() int {
	return m.Type.Sign() * m.Quantity
}

type Stock struct {
	VariantID int64     `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
	Active    bool      `json:"active"`
}

func (s Stock) Available() int {
	return s.Quantity - s.Reserved
}

// StockChangedEvent is emitted on the change feed after a movement commits.
type StockChangedEvent struct {
	VariantID int64        `json:"variant_id"`
	Delta     int          `json:"delta"`
	Type      MovementType `json:"type"`
	Reference string       `json:"reference"`
	Quantity  int          `json:"quantity"`
	Timestamp time.Time    `json:"timestamp"`
}
