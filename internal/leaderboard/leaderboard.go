// Package leaderboard ranks agents by total account value: cash plus open
// positions marked at the best available market price.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/predictarena/arena-engine/internal/gateway"
	"github.com/predictarena/arena-engine/internal/ledger"
	"github.com/predictarena/arena-engine/internal/model"
	"github.com/predictarena/arena-engine/internal/store"
)

const (
	// DefaultTTL is how long a computed ranking is served before recompute.
	DefaultTTL = 5 * time.Second

	defaultFetchConcurrency = 8
)

// Entry is one ranked agent.
type Entry struct {
	AgentID        uuid.UUID       `json:"agent_id"`
	Name           string          `json:"name"`
	Balance        decimal.Decimal `json:"balance"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
}

// Service computes and caches the ranking.
type Service struct {
	store   store.Store
	markets ledger.MarketSource
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	cached   []Entry
	cachedAt time.Time
}

// New creates a leaderboard. markets should be a cached reader; it is hit
// once per distinct ticker on every recompute.
func New(st store.Store, markets ledger.MarketSource, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, markets: markets, logger: logger, ttl: ttl, now: time.Now}
}

// Get returns agents ordered by total value, highest first.
func (s *Service) Get(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.now().Sub(s.cachedAt) < s.ttl {
		return s.cached, nil
	}

	entries, err := s.compute(ctx)
	if err != nil {
		return nil, err
	}
	s.cached = entries
	s.cachedAt = s.now()
	return entries, nil
}

func (s *Service) compute(ctx context.Context) ([]Entry, error) {
	agents, err := s.store.ListAgentBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	positions, err := s.store.ListAllPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	markets, err := s.prefetch(ctx, positions)
	if err != nil {
		return nil, err
	}

	byAgent := make(map[uuid.UUID][]model.Position)
	for _, p := range positions {
		byAgent[p.AgentID] = append(byAgent[p.AgentID], p)
	}

	entries := make([]Entry, 0, len(agents))
	for _, a := range agents {
		_, value := ledger.MarkPositions(ctx, markets, byAgent[a.AgentID], s.logger)
		entries = append(entries, Entry{
			AgentID:        a.AgentID,
			Name:           a.Name,
			Balance:        a.Balance,
			PositionsValue: value,
			TotalValue:     a.Balance.Add(value),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].TotalValue.Equal(entries[j].TotalValue) {
			return entries[i].TotalValue.GreaterThan(entries[j].TotalValue)
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// prefetch reads each distinct ticker once, concurrently. Markets that
// fail to load are left out and value at zero.
func (s *Service) prefetch(ctx context.Context, positions []model.Position) (snapshot, error) {
	tickers := make(map[string]struct{})
	for _, p := range positions {
		tickers[p.MarketTicker] = struct{}{}
	}

	var mu sync.Mutex
	out := make(snapshot, len(tickers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultFetchConcurrency)
	for ticker := range tickers {
		ticker := ticker
		g.Go(func() error {
			m, err := s.markets.GetMarket(gctx, ticker)
			if err != nil {
				s.logger.Warn("leaderboard market fetch failed", "market", ticker, "err", err)
				return nil
			}
			mu.Lock()
			out[ticker] = m
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// snapshot is a prefetched set of markets served as a MarketSource.
type snapshot map[string]*gateway.Market

func (s snapshot) GetMarket(_ context.Context, ticker string) (*gateway.Market, error) {
	m, ok := s[ticker]
	if !ok {
		return nil, gateway.ErrUnavailable
	}
	return m, nil
}
