// Package marketcache is a TTL read-through cache of upstream market
// snapshots for the leaderboard. Settlement never reads through it.
package marketcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/predictarena/arena-engine/internal/gateway"
	"github.com/predictarena/arena-engine/internal/metrics"
)

// DefaultTTL is how long a market snapshot is served from cache.
const DefaultTTL = 30 * time.Second

// Cache stores market snapshots by ticker. Entries expire after a fixed
// TTL; there is no other eviction.
type Cache interface {
	// Get returns the cached market, or ok=false on a miss or expired entry.
	Get(ctx context.Context, ticker string) (m *gateway.Market, ok bool, err error)
	Set(ctx context.Context, m *gateway.Market) error
	Backend() string
}

// Source is where misses are read from.
type Source interface {
	GetMarket(ctx context.Context, ticker string) (*gateway.Market, error)
}

// MemoryCache keeps snapshots in process.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	market   gateway.Market
	storedAt time.Time
}

// NewMemoryCache creates an in-process cache. ttl <= 0 uses DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, ticker string) (*gateway.Market, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ticker]
	if !ok {
		return nil, false, nil
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, ticker)
		return nil, false, nil
	}
	m := e.market
	return &m, true, nil
}

func (c *MemoryCache) Set(_ context.Context, m *gateway.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.Ticker] = memEntry{market: *m, storedAt: c.now()}
	return nil
}

func (c *MemoryCache) Backend() string { return "memory" }

// Reader serves GetMarket from the cache, falling back to the source on a
// miss and populating the cache with the result. Cache failures degrade to
// a direct source read.
type Reader struct {
	cache  Cache
	src    Source
	logger *slog.Logger
}

// NewReader wraps src with cache.
func NewReader(cache Cache, src Source, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{cache: cache, src: src, logger: logger}
}

func (r *Reader) GetMarket(ctx context.Context, ticker string) (*gateway.Market, error) {
	backend := r.cache.Backend()

	m, ok, err := r.cache.Get(ctx, ticker)
	switch {
	case err != nil:
		metrics.MarketCacheResults.WithLabelValues(backend, "error").Inc()
		r.logger.Warn("market cache read failed", "backend", backend, "market", ticker, "err", err)
	case ok:
		metrics.MarketCacheResults.WithLabelValues(backend, "hit").Inc()
		return m, nil
	default:
		metrics.MarketCacheResults.WithLabelValues(backend, "miss").Inc()
	}

	m, err = r.src.GetMarket(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if m.Ticker == "" {
		m.Ticker = ticker
	}
	if err := r.cache.Set(ctx, m); err != nil {
		r.logger.Warn("market cache write failed", "backend", backend, "market", ticker, "err", err)
	}
	return m, nil
}
