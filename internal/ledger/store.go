package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reserve holds quantity units of a variant for a pending order. It fails
// with ErrInsufficientStock when fewer units are available, so two orders
// cannot both claim the last units.
func Reserve(ctx context.Context, q Querier, variantID int64, quantity int) error {
	result, err := q.ExecContext(ctx, `
		UPDATE stock
		SET reserved = reserved + $2, updated_at = NOW()
		WHERE variant_id = $1 AND active AND quantity - reserved >= $2
	`, variantID, quantity)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrInsufficientStock
	}

	return nil
}

func ensureStock(ctx context.Context, q Querier, variantID int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stock (variant_id, quantity, reserved, updated_at, active)
		VALUES ($1, 0, 0, NOW(), TRUE)
		ON CONFLICT (variant_id) DO NOTHING
	`, variantID)
	return err
}

// insertMovement records m and fills in its id and timestamp. It reports
// false when a movement with the same idempotency key already exists.
func insertMovement(ctx context.Context, q Querier, m *domain.StockMovement) (bool, error) {
	err := q.QueryRowContext(ctx, `
		INSERT INTO stock_movements (variant_id, quantity, type, reference, notes, idempotency_key, created_at, active)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NOW(), TRUE)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, created_at
	`, m.VariantID, m.Quantity, m.Type, m.Reference, m.Notes, m.IdempotencyKey).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	m.Active = true
	return true, nil
}

// adjustStock adds delta to the aggregate and releases up to release
// reserved units. With guard set, the update is refused when it would
// leave fewer units than are reserved.
func adjustStock(ctx context.Context, q Querier, variantID int64, delta, release int, guard bool) (int, error) {
	var quantity int
	err := q.QueryRowContext(ctx, `
		UPDATE stock
		SET quantity = quantity + $2,
			reserved = GREATEST(reserved - $3, 0),
			updated_at = NOW()
		WHERE variant_id = $1
			AND (NOT $4::boolean OR $2 >= 0 OR quantity + $2 >= GREATEST(reserved - $3, 0))
		RETURNING quantity
	`, variantID, delta, release, guard).Scan(&quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInsufficientStock
		}
		return 0, err
	}

	return quantity, nil
}

func selectStock(ctx context.Context, q Querier, variantID int64) (*domain.Stock, error) {
	stock := &domain.Stock{}

	err := q.QueryRowContext(ctx, `
		SELECT variant_id, quantity, reserved, updated_at, active
		FROM stock
		WHERE variant_id = $1
	`, variantID).Scan(&stock.VariantID, &stock.Quantity, &stock.Reserved, &stock.UpdatedAt, &stock.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return stock, nil
}

func selectAllStock(ctx context.Context, q Querier) ([]domain.Stock, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT variant_id, quantity, reserved, updated_at, active
		FROM stock
		ORDER BY variant_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []domain.Stock{}
	for rows.Next() {
		var stock domain.Stock
		if err := rows.Scan(&stock.VariantID, &stock.Quantity, &stock.Reserved, &stock.UpdatedAt, &stock.Active); err != nil {
			return nil, err
		}
		items = append(items, stock)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func selectMovements(ctx context.Context, q Querier, variantID int64, limit int) ([]domain.StockMovement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, variant_id, quantity, type, reference, notes, COALESCE(idempotency_key, ''), created_at, active
		FROM stock_movements
		WHERE variant_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, variantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	movements := []domain.StockMovement{}
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.VariantID, &m.Quantity, &m.Type, &m.Reference, &m.Notes, &m.IdempotencyKey, &m.CreatedAt, &m.Active); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return movements, nil
}

const ledgerTotals = `
	SELECT variant_id, SUM(CASE WHEN type = 'IN' THEN quantity ELSE -quantity END) AS total
	FROM stock_movements
	WHERE active
	GROUP BY variant_id
`

func selectMismatches(ctx context.Context, q Querier) ([]Mismatch, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT COALESCE(s.variant_id, m.variant_id), COALESCE(s.quantity, 0), COALESCE(m.total, 0)
		FROM stock s
		FULL OUTER JOIN (`+ledgerTotals+`) m ON m.variant_id = s.variant_id
		WHERE COALESCE(s.quantity, 0) <> COALESCE(m.total, 0)
		ORDER BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	mismatches := []Mismatch{}
	for rows.Next() {
		var m Mismatch
		if err := rows.Scan(&m.VariantID, &m.Aggregate, &m.Ledger); err != nil {
			return nil, err
		}
		mismatches = append(mismatches, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return mismatches, nil
}

// rebuildAggregates overwrites every diverging aggregate with the ledger
// total and returns the variants it changed.
func rebuildAggregates(ctx context.Context, q Querier) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		WITH totals AS (`+ledgerTotals+`),
		upserted AS (
			INSERT INTO stock (variant_id, quantity, reserved, updated_at, active)
			SELECT variant_id, total, 0, NOW(), TRUE FROM totals
			ON CONFLICT (variant_id) DO UPDATE
				SET quantity = EXCLUDED.quantity, updated_at = NOW()
				WHERE stock.quantity <> EXCLUDED.quantity
			RETURNING variant_id
		),
		zeroed AS (
			UPDATE stock SET quantity = 0, updated_at = NOW()
			WHERE quantity <> 0 AND variant_id NOT IN (SELECT variant_id FROM totals)
			RETURNING variant_id
		)
		SELECT variant_id FROM upserted
		UNION ALL
		SELECT variant_id FROM zeroed
		ORDER BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var changed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		changed = append(changed, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return changed, nil
}
