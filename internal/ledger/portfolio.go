package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/gateway"
	"github.com/predictarena/arena-engine/internal/model"
	"github.com/predictarena/arena-engine/internal/store"
)

// MarketSource supplies market snapshots for valuation. The engine's
// gateway satisfies it, as does the leaderboard's cached reader.
type MarketSource interface {
	GetMarket(ctx context.Context, ticker string) (*gateway.Market, error)
}

// GetPortfolioValue returns the agent's balance plus every position marked
// at its best available price.
func (e *Engine) GetPortfolioValue(ctx context.Context, agentID uuid.UUID) (*model.Portfolio, error) {
	bal, err := e.store.GetBalance(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBalanceMissing
	}
	if err != nil {
		return nil, err
	}

	positions, err := e.store.ListPositions(ctx, agentID)
	if err != nil {
		return nil, err
	}

	valued, total := MarkPositions(ctx, e.gw, positions, e.logger)
	return &model.Portfolio{
		AgentID:        agentID,
		Balance:        bal.Amount,
		PositionsValue: total,
		TotalValue:     bal.Amount.Add(total),
		Positions:      valued,
	}, nil
}

// MarkPositions values each position at contracts × price, where price is
// the side's bid, else its ask. A position whose market cannot be read or
// has no usable price is valued at zero. Each ticker is fetched once.
func MarkPositions(ctx context.Context, src MarketSource, positions []model.Position, logger *slog.Logger) ([]model.ValuedPosition, decimal.Decimal) {
	if logger == nil {
		logger = slog.Default()
	}

	markets := make(map[string]*gateway.Market)
	out := make([]model.ValuedPosition, 0, len(positions))
	total := decimal.Zero

	for _, p := range positions {
		m, seen := markets[p.MarketTicker]
		if !seen {
			var err error
			m, err = src.GetMarket(ctx, p.MarketTicker)
			if err != nil {
				logger.Warn("market unavailable for valuation", "market", p.MarketTicker, "err", err)
				m = nil
			}
			markets[p.MarketTicker] = m
		}

		vp := model.ValuedPosition{Position: p, Value: decimal.Zero}
		if m != nil {
			if price, ok := m.BestPrice(p.Side); ok {
				vp.Price = &price
				vp.Value = p.Contracts.Mul(price).Round(model.Scale)
			}
		}
		total = total.Add(vp.Value)
		out = append(out, vp)
	}
	return out, total
}
