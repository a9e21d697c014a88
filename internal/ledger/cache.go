package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "wms:balances"

// Cache holds balance reads for display. Each warehouse has its own version
// counter; bumping it orphans every cached read for that warehouse. Cached
// values are never consulted for allocation or validation.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func versionKey(warehouseID int64) string {
	return cachePrefix + ":version:" + strconv.FormatInt(warehouseID, 10)
}

// Version returns the current version for a warehouse, initialising when missing.
func (c *Cache) Version(ctx context.Context, warehouseID int64) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey(warehouseID)).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, versionKey(warehouseID), 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, versionKey(warehouseID)).Int64()
	}
	return ver, err
}

// BuildKey composes the cache key for a filter with the warehouse's current version.
func (c *Cache) BuildKey(ctx context.Context, filter BalanceFilter) (string, error) {
	ver, err := c.Version(ctx, filter.WarehouseID)
	if err != nil {
		return "", err
	}
	parts := []string{
		cachePrefix,
		strconv.FormatInt(filter.WarehouseID, 10),
		"v" + strconv.FormatInt(ver, 10),
		strconv.FormatInt(filter.SKUID, 10),
		filter.BatchLot,
		strconv.FormatBool(filter.IncludeZero),
	}
	return strings.Join(parts, ":"), nil
}

// FetchBalances loads cached balances or populates them using the loader.
// Redis failures fall through to the loader; only loader errors are returned.
func (c *Cache) FetchBalances(ctx context.Context, key string, loader func(context.Context) ([]Balance, error)) ([]Balance, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	if payload, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var out []Balance
		if err := json.Unmarshal(payload, &out); err == nil {
			return out, nil
		}
	}
	out, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(out); err == nil {
		_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	}
	return out, nil
}

// Bump invalidates every cached read for the given warehouses.
func (c *Cache) Bump(ctx context.Context, warehouseIDs ...int64) error {
	if c == nil || c.client == nil || len(warehouseIDs) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, id := range warehouseIDs {
		pipe.Incr(ctx, versionKey(id))
	}
	_, err := pipe.Exec(ctx)
	return err
}
