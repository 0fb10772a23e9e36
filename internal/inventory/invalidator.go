package inventory

import (
	"context"
	"log/slog"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
)

type stockCache interface {
	Invalidate(ctx context.Context, variantIDs ...int64) error
}

// CacheInvalidator drops cached stock for every variant on the change feed,
// covering writes made by other processes.
type CacheInvalidator struct {
	cache  stockCache
	logger *slog.Logger
}

func NewCacheInvalidator(cache stockCache, logger *slog.Logger) *CacheInvalidator {
	return &CacheInvalidator{cache: cache, logger: logger}
}

func (c *CacheInvalidator) Handle(ctx context.Context, event domain.StockChangedEvent) error {
	if err := c.cache.Invalidate(ctx, event.VariantID); err != nil {
		return err
	}
	c.logger.Debug("stock cache invalidated", "variant_id", event.VariantID, "delta", event.Delta)
	return nil
}
