package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
	"github.com/joao-fontenele/orderflow-stock/internal/ledger"
	"github.com/joao-fontenele/orderflow-stock/internal/outbox"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create writes the address, reserves stock for every line, and inserts
// the order, its items, a pending payment and the outbox event, all in one
// transaction. Unit prices come from the variant's current price.
func (r *OrderRepository) Create(ctx context.Context, userID int64, address domain.ShippingAddress, lines []LineRequest) (*domain.Order, outbox.Event, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, outbox.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO shipping_addresses (user_id, full_name, street, city, postal_code, country, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, userID, address.FullName, address.Street, address.City, address.PostalCode, address.Country, address.Phone).Scan(&address.ID)
	if err != nil {
		return nil, outbox.Event{}, fmt.Errorf("insert shipping address: %w", err)
	}

	order := &domain.Order{
		UserID:            userID,
		Status:            domain.OrderStatusPending,
		ShippingAddressID: address.ID,
		Items:             make([]domain.OrderItem, 0, len(lines)),
	}

	for _, line := range lines {
		variant, err := getVariant(ctx, tx, line.VariantID)
		if err != nil {
			return nil, outbox.Event{}, fmt.Errorf("look up variant %d: %w", line.VariantID, err)
		}
		if variant == nil {
			return nil, outbox.Event{}, fmt.Errorf("%w: %d", ErrVariantNotFound, line.VariantID)
		}
		if !variant.Active {
			return nil, outbox.Event{}, fmt.Errorf("%w: %d", ErrVariantInactive, line.VariantID)
		}

		if err := ledger.Reserve(ctx, tx, line.VariantID, line.Quantity); err != nil {
			return nil, outbox.Event{}, fmt.Errorf("reserve variant %d: %w", line.VariantID, err)
		}

		order.Items = append(order.Items, domain.OrderItem{
			VariantID: variant.ID,
			Quantity:  line.Quantity,
			UnitPrice: variant.Price,
		})
	}

	_, order.TotalAmount = domain.ComputeTotal(order.Items)

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (user_id, status, shipping_address_id, total_amount, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`, order.UserID, order.Status, order.ShippingAddressID, order.TotalAmount).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return nil, outbox.Event{}, fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, variant_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, item.OrderID, item.VariantID, item.Quantity, item.UnitPrice).Scan(&item.ID)
		if err != nil {
			return nil, outbox.Event{}, fmt.Errorf("insert order item: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (order_id, amount, status)
		VALUES ($1, $2, $3)
	`, order.ID, order.TotalAmount, domain.PaymentStatusPending)
	if err != nil {
		return nil, outbox.Event{}, fmt.Errorf("insert payment: %w", err)
	}

	event, err := outbox.NewEvent(order.ID, domain.EventTypeOrderProcessed, domain.NewOrderEventPayload(order))
	if err != nil {
		return nil, outbox.Event{}, err
	}
	if err := outbox.Insert(ctx, tx, event); err != nil {
		return nil, outbox.Event{}, fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, outbox.Event{}, err
	}

	return order, event, nil
}

func getVariant(ctx context.Context, tx *sql.Tx, id int64) (*domain.Variant, error) {
	variant := &domain.Variant{}

	err := tx.QueryRowContext(ctx, `
		SELECT id, name, price, active
		FROM variants
		WHERE id = $1
	`, id).Scan(&variant.ID, &variant.Name, &variant.Price, &variant.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return variant, nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	order := &domain.Order{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, shipping_address_id, total_amount, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.UserID, &order.Status, &order.ShippingAddressID, &order.TotalAmount, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, variant_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	order.Items = []domain.OrderItem{}
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.VariantID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}
