package marketcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/predictarena/arena-engine/internal/gateway"
)

const defaultRedisPrefix = "arena:market:"

// RedisCache shares market snapshots across instances. Expiry is left to
// Redis key TTLs.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis-backed cache. ttl <= 0 uses DefaultTTL.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, ticker string) (*gateway.Market, bool, error) {
	data, err := c.rdb.Get(ctx, c.key(ticker)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var m gateway.Market
	if err := json.Unmarshal(data, &m); err != nil {
		// Unreadable entry: drop it and treat as a miss.
		c.rdb.Del(ctx, c.key(ticker))
		return nil, false, nil
	}
	return &m, true, nil
}

func (c *RedisCache) Set(ctx context.Context, m *gateway.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marketcache: encode %s: %w", m.Ticker, err)
	}
	return c.rdb.Set(ctx, c.key(m.Ticker), data, c.ttl).Err()
}

func (c *RedisCache) Backend() string { return "redis" }

func (c *RedisCache) key(ticker string) string { return c.prefix + ticker }
