// Package ledger keeps the append-only stock movement log and the
// per-variant stock aggregate derived from it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
)

var meter = otel.Meter("ledger")

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidMovement   = errors.New("invalid stock movement")
	ErrDuplicateMovement = errors.New("stock movement already recorded")
)

const DefaultMovementLimit = 100

// Cache holds stock aggregates for the read path. Invalidate advances a
// per-variant generation; Set must drop a value read under an older
// generation, so a fill racing with a committed change never outlives it.
type Cache interface {
	Get(ctx context.Context, variantID int64) (*domain.Stock, int64, error)
	Set(ctx context.Context, stock *domain.Stock, generation int64) error
	Invalidate(ctx context.Context, variantIDs ...int64) error
}

// FeedPublisher receives every committed change to the aggregate.
type FeedPublisher interface {
	PublishStockChanges(ctx context.Context, events []domain.StockChangedEvent) error
}

// Mismatch is a variant whose aggregate disagrees with its movement log.
type Mismatch struct {
	VariantID int64 `json:"variant_id"`
	Aggregate int   `json:"aggregate"`
	Ledger    int   `json:"ledger"`
}

type Option func(*Ledger)

func WithCache(c Cache) Option {
	return func(l *Ledger) { l.cache = c }
}

func WithFeed(f FeedPublisher) Option {
	return func(l *Ledger) { l.feed = f }
}

type Ledger struct {
	db      *sql.DB
	logger  *slog.Logger
	cache   Cache
	feed    FeedPublisher
	now     func() time.Time
	applied metric.Int64Counter
}

func New(db *sql.DB, logger *slog.Logger, opts ...Option) (*Ledger, error) {
	applied, err := meter.Int64Counter("stock.movements.applied",
		metric.WithDescription("Stock movements committed to the ledger"),
	)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		db:      db,
		logger:  logger,
		now:     time.Now,
		applied: applied,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// OrderMovementKey identifies the movement an order line produces, so a
// redelivered order event cannot be applied twice.
func OrderMovementKey(orderID, variantID int64) string {
	return fmt.Sprintf("order:%d:variant:%d", orderID, variantID)
}

// ManualMovementKey scopes a client supplied idempotency key to manual
// adjustments so it can never collide with order or seed movement keys.
func ManualMovementKey(key string) string {
	if key == "" {
		return ""
	}
	return "manual:" + key
}

// ApplyMovement records m and applies its signed quantity to the variant
// aggregate in one transaction. OUT movements may not take the aggregate
// below the reserved quantity. A non-empty idempotency key is stored under
// ManualMovementKey.
func (l *Ledger) ApplyMovement(ctx context.Context, m domain.StockMovement) (*domain.StockMovement, error) {
	if m.VariantID <= 0 || m.Quantity <= 0 || !m.Type.Valid() {
		return nil, fmt.Errorf("%w: variant=%d quantity=%d type=%q", ErrInvalidMovement, m.VariantID, m.Quantity, m.Type)
	}
	m.IdempotencyKey = ManualMovementKey(m.IdempotencyKey)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureStock(ctx, tx, m.VariantID); err != nil {
		return nil, fmt.Errorf("ensure stock for variant %d: %w", m.VariantID, err)
	}

	inserted, err := insertMovement(ctx, tx, &m)
	if err != nil {
		return nil, fmt.Errorf("insert movement: %w", err)
	}
	if !inserted {
		return nil, ErrDuplicateMovement
	}

	quantity, err := adjustStock(ctx, tx, m.VariantID, m.Delta(), 0, true)
	if err != nil {
		return nil, fmt.Errorf("adjust stock for variant %d: %w", m.VariantID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	l.logger.Info("stock movement applied",
		"variant_id", m.VariantID, "type", m.Type, "quantity", m.Quantity, "stock", quantity)
	l.afterCommit(ctx, []domain.StockChangedEvent{l.changeEvent(m, quantity)})

	return &m, nil
}

// ApplyOrder records one OUT movement per variant of an order and releases
// the matching reservations. All lines commit together or not at all.
// Lines already recorded for the order are skipped, and the number of newly
// applied movements is returned.
func (l *Ledger) ApplyOrder(ctx context.Context, orderID int64, items []domain.OrderEventItem) (int, error) {
	lines, err := mergeLines(items)
	if err != nil {
		return 0, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var events []domain.StockChangedEvent
	for _, line := range lines {
		m := domain.StockMovement{
			VariantID:      line.VariantID,
			Quantity:       line.Quantity,
			Type:           domain.MovementOut,
			Reference:      domain.MovementReferenceOrder,
			Notes:          fmt.Sprintf("Order #%d", orderID),
			IdempotencyKey: OrderMovementKey(orderID, line.VariantID),
		}

		if err := ensureStock(ctx, tx, m.VariantID); err != nil {
			return 0, fmt.Errorf("ensure stock for variant %d: %w", m.VariantID, err)
		}

		inserted, err := insertMovement(ctx, tx, &m)
		if err != nil {
			return 0, fmt.Errorf("insert movement for variant %d: %w", m.VariantID, err)
		}
		if !inserted {
			l.logger.Warn("order line already applied", "order_id", orderID, "variant_id", m.VariantID)
			continue
		}

		quantity, err := adjustStock(ctx, tx, m.VariantID, m.Delta(), m.Quantity, false)
		if err != nil {
			return 0, fmt.Errorf("adjust stock for variant %d: %w", m.VariantID, err)
		}

		events = append(events, l.changeEvent(m, quantity))
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	l.logger.Info("order applied to stock", "order_id", orderID, "movements", len(events), "lines", len(lines))
	l.afterCommit(ctx, events)

	return len(events), nil
}

// mergeLines folds repeated variants into one line, keeping first-seen order.
func mergeLines(items []domain.OrderEventItem) ([]domain.OrderEventItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", ErrInvalidMovement)
	}

	index := make(map[int64]int, len(items))
	lines := make([]domain.OrderEventItem, 0, len(items))
	for _, item := range items {
		if item.VariantID <= 0 || item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: variant=%d quantity=%d", ErrInvalidMovement, item.VariantID, item.Quantity)
		}
		if i, ok := index[item.VariantID]; ok {
			lines[i].Quantity += item.Quantity
			continue
		}
		index[item.VariantID] = len(lines)
		lines = append(lines, item)
	}
	return lines, nil
}

func (l *Ledger) changeEvent(m domain.StockMovement, quantity int) domain.StockChangedEvent {
	return domain.StockChangedEvent{
		VariantID: m.VariantID,
		Delta:     m.Delta(),
		Type:      m.Type,
		Reference: m.Reference,
		Quantity:  quantity,
		Timestamp: l.now().UTC(),
	}
}

func (l *Ledger) afterCommit(ctx context.Context, events []domain.StockChangedEvent) {
	if len(events) == 0 {
		return
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.VariantID)
		l.applied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(e.Type)),
			attribute.String("reference", e.Reference),
		))
	}

	l.invalidate(ctx, ids...)

	if l.feed != nil {
		if err := l.feed.PublishStockChanges(ctx, events); err != nil {
			l.logger.Error("failed to publish stock changes", "error", err, "count", len(events))
		}
	}
}

func (l *Ledger) invalidate(ctx context.Context, variantIDs ...int64) {
	if l.cache == nil || len(variantIDs) == 0 {
		return
	}
	if err := l.cache.Invalidate(ctx, variantIDs...); err != nil {
		l.logger.Error("failed to invalidate stock cache", "error", err, "variant_ids", variantIDs)
	}
}

// GetOrCreateStock returns the aggregate for variantID, creating an empty
// one if the variant has none yet.
func (l *Ledger) GetOrCreateStock(ctx context.Context, variantID int64) (*domain.Stock, error) {
	if err := ensureStock(ctx, l.db, variantID); err != nil {
		return nil, err
	}
	return selectStock(ctx, l.db, variantID)
}

// GetStock returns the aggregate for variantID, or nil if there is none.
func (l *Ledger) GetStock(ctx context.Context, variantID int64) (*domain.Stock, error) {
	var generation int64
	cacheable := l.cache != nil
	if l.cache != nil {
		stock, gen, err := l.cache.Get(ctx, variantID)
		if err != nil {
			l.logger.Warn("stock cache read failed", "error", err, "variant_id", variantID)
			cacheable = false
		} else if stock != nil {
			return stock, nil
		}
		generation = gen
	}

	stock, err := selectStock(ctx, l.db, variantID)
	if err != nil {
		return nil, err
	}
	if stock == nil {
		return nil, nil
	}

	if cacheable {
		if err := l.cache.Set(ctx, stock, generation); err != nil {
			l.logger.Warn("failed to cache stock", "error", err, "variant_id", variantID)
		}
	}

	return stock, nil
}

func (l *Ledger) ListStock(ctx context.Context) ([]domain.Stock, error) {
	return selectAllStock(ctx, l.db)
}

// ListMovements returns the most recent movements of a variant, newest first.
func (l *Ledger) ListMovements(ctx context.Context, variantID int64, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 {
		limit = DefaultMovementLimit
	}
	return selectMovements(ctx, l.db, variantID, limit)
}

// Verify replays the movement log and reports every variant whose
// aggregate differs from the sum of its active movements.
func (l *Ledger) Verify(ctx context.Context) ([]Mismatch, error) {
	return selectMismatches(ctx, l.db)
}

// Rebuild overwrites diverging aggregates with their ledger totals and
// returns the variants that changed.
func (l *Ledger) Rebuild(ctx context.Context) ([]int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	changed, err := rebuildAggregates(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("rebuild aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	l.logger.Info("stock aggregates rebuilt", "changed", len(changed))
	l.invalidate(ctx, changed...)

	return changed, nil
}
