package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
)

var testAddress = domain.ShippingAddress{
	FullName:   "Ada Lovelace",
	Street:     "12 Analytical Row",
	City:       "London",
	PostalCode: "N1 9GU",
	Country:    "GB",
}

func newMockRepository(t *testing.T) (*OrderRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewOrderRepository(db), mock
}

func expectAddressAndVariant(mock sqlmock.Sqlmock, variant *sqlmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO shipping_addresses`).
		WithArgs(7, "Ada Lovelace", "12 Analytical Row", "London", "N1 9GU", "GB", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	mock.ExpectQuery(`SELECT id, name, price, active\s+FROM variants`).
		WithArgs(5).
		WillReturnRows(variant)
}

func TestOrderRepository_Create(t *testing.T) {
	variantColumns := []string{"id", "name", "price", "active"}

	t.Run("writes the order and its outbox event in one transaction", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		expectAddressAndVariant(mock, sqlmock.NewRows(variantColumns).AddRow(5, "Tee / M", "10.00", true))
		mock.ExpectExec(`UPDATE stock\s+SET reserved = reserved \+ \$2`).
			WithArgs(5, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`INSERT INTO orders`).
			WithArgs(7, "Pending", 10, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(100, time.Now()))
		mock.ExpectQuery(`INSERT INTO order_items`).
			WithArgs(100, 5, 2, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1000))
		mock.ExpectExec(`INSERT INTO payments`).
			WithArgs(100, sqlmock.AnyArg(), "Pending").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO outbox_events`).
			WithArgs(sqlmock.AnyArg(), 100, "OrderProcessed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		order, event, err := repo.Create(context.Background(), 7, testAddress, []LineRequest{{VariantID: 5, Quantity: 2}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if order.ID != 100 || order.ShippingAddressID != 10 || order.Status != domain.OrderStatusPending {
			t.Errorf("unexpected order: %+v", order)
		}
		if !order.TotalAmount.Equal(decimal.RequireFromString("21.40")) {
			t.Errorf("expected total 21.40, got %s", order.TotalAmount)
		}
		if order.Items[0].ID != 1000 || !order.Items[0].UnitPrice.Equal(decimal.NewFromInt(10)) {
			t.Errorf("unexpected item: %+v", order.Items[0])
		}
		if event.OrderID != 100 {
			t.Errorf("expected event for order 100, got %d", event.OrderID)
		}

		_, payload, err := domain.DecodeOrderEvent([]byte(`{"OrderId":100,"Type":"OrderProcessed","Data":` + string(event.Payload) + `}`))
		if err != nil {
			t.Fatalf("outbox payload does not decode: %v", err)
		}
		if payload.UserID != 7 || payload.Items[0].Quantity != 2 {
			t.Errorf("unexpected payload: %+v", payload)
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("rolls back when stock cannot be reserved", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		expectAddressAndVariant(mock, sqlmock.NewRows(variantColumns).AddRow(5, "Tee / M", "10.00", true))
		mock.ExpectExec(`UPDATE stock`).
			WithArgs(5, 2).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, _, err := repo.Create(context.Background(), 7, testAddress, []LineRequest{{VariantID: 5, Quantity: 2}})
		if !errors.Is(err, ErrInsufficientStock) {
			t.Errorf("expected ErrInsufficientStock, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("rejects unknown variants", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		expectAddressAndVariant(mock, sqlmock.NewRows(variantColumns))
		mock.ExpectRollback()

		_, _, err := repo.Create(context.Background(), 7, testAddress, []LineRequest{{VariantID: 5, Quantity: 2}})
		if !errors.Is(err, ErrVariantNotFound) {
			t.Errorf("expected ErrVariantNotFound, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("rejects inactive variants", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		expectAddressAndVariant(mock, sqlmock.NewRows(variantColumns).AddRow(5, "Tee / M", "10.00", false))
		mock.ExpectRollback()

		_, _, err := repo.Create(context.Background(), 7, testAddress, []LineRequest{{VariantID: 5, Quantity: 2}})
		if !errors.Is(err, ErrVariantInactive) {
			t.Errorf("expected ErrVariantInactive, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestOrderRepository_GetByID(t *testing.T) {
	t.Run("returns order with items", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery(`FROM orders`).
			WithArgs(100).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status", "shipping_address_id", "total_amount", "created_at"}).
				AddRow(100, 7, "Pending", 10, "21.40", time.Now()))
		mock.ExpectQuery(`FROM order_items`).
			WithArgs(100).
			WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "variant_id", "quantity", "unit_price"}).
				AddRow(1000, 100, 5, 2, "10.00"))

		order, err := repo.GetByID(context.Background(), 100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if order.UserID != 7 || len(order.Items) != 1 || order.Items[0].VariantID != 5 {
			t.Errorf("unexpected order: %+v", order)
		}
	})

	t.Run("returns nil when missing", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery(`FROM orders`).
			WithArgs(404).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status", "shipping_address_id", "total_amount", "created_at"}))

		order, err := repo.GetByID(context.Background(), 404)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if order != nil {
			t.Errorf("expected nil, got %+v", order)
		}
	})
}
