package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
)

// RedisCache stores stock aggregates as JSON under stock:<variantId>.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func stockKey(variantID int64) string {
	return fmt.Sprintf("stock:%d", variantID)
}

func generationKey(variantID int64) string {
	return fmt.Sprintf("stock:%d:gen", variantID)
}

// Get returns the cached aggregate, nil on a miss, and the variant's current
// invalidation generation to pass back to Set.
func (c *RedisCache) Get(ctx context.Context, variantID int64) (*domain.Stock, int64, error) {
	vals, err := c.client.MGet(ctx, stockKey(variantID), generationKey(variantID)).Result()
	if err != nil {
		return nil, 0, err
	}

	var generation int64
	if raw, ok := vals[1].(string); ok {
		if generation, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, 0, fmt.Errorf("decode stock generation: %w", err)
		}
	}

	raw, ok := vals[0].(string)
	if !ok {
		return nil, generation, nil
	}

	var stock domain.Stock
	if err := json.Unmarshal([]byte(raw), &stock); err != nil {
		return nil, generation, fmt.Errorf("decode cached stock: %w", err)
	}
	return &stock, generation, nil
}

// Set caches stock only while the variant is still at generation. A write
// racing with Invalidate is dropped.
func (c *RedisCache) Set(ctx context.Context, stock *domain.Stock, generation int64) error {
	data, err := json.Marshal(stock)
	if err != nil {
		return err
	}

	genKey := generationKey(stock.VariantID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stockKey(stock.VariantID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// Invalidate drops the cached aggregates and bumps their generation.
func (c *RedisCache) Invalidate(ctx context.Context, variantIDs ...int64) error {
	if len(variantIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range variantIDs {
			pipe.Del(ctx, stockKey(id))
			pipe.Incr(ctx, generationKey(id))
		}
		return nil
	})
	return err
}
