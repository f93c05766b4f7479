// Package ledger is the trade settlement engine. It turns an upstream quote
// into one atomic change to an agent's balance, positions and history.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/contract"
	"github.com/predictarena/arena-engine/internal/fees"
	"github.com/predictarena/arena-engine/internal/gateway"
	"github.com/predictarena/arena-engine/internal/metrics"
	"github.com/predictarena/arena-engine/internal/model"
	"github.com/predictarena/arena-engine/internal/position"
	"github.com/predictarena/arena-engine/internal/quote"
	"github.com/predictarena/arena-engine/internal/store"
)

// priceScale is the working precision for division before values are
// rounded to model.Scale for persistence.
const priceScale int32 = 16

// MarketGateway is the upstream market data and quote source.
type MarketGateway interface {
	GetMarket(ctx context.Context, ticker string) (*gateway.Market, error)
	GetQuote(ctx context.Context, inputMint, outputMint string, amount int64) (*gateway.Quote, error)
}

// Notifier receives committed fills and redemptions. Implementations must
// not block.
type Notifier interface {
	Notify(Event)
}

// EventType distinguishes fill and redemption events.
type EventType string

const (
	EventFill       EventType = "fill"
	EventRedemption EventType = "redemption"
)

// Event describes one committed ledger change.
type Event struct {
	Type         EventType       `json:"type"`
	AgentID      uuid.UUID       `json:"agent_id"`
	MarketTicker string          `json:"market_ticker"`
	Side         model.Side      `json:"side,omitempty"`
	TradeType    model.TradeType `json:"trade_type,omitempty"`
	Contracts    decimal.Decimal `json:"contracts"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Result       model.Side      `json:"result,omitempty"`
	At           time.Time       `json:"at"`
}

// Config is the engine's fixed configuration.
type Config struct {
	// CollateralMint is the token every trade is quoted against.
	CollateralMint string

	// StartingBalance is credited to every new agent.
	StartingBalance decimal.Decimal
}

// Engine settles buys, sells and redemptions.
type Engine struct {
	cfg      Config
	gw       MarketGateway
	store    store.Store
	logger   *slog.Logger
	notifier Notifier
}

// New creates a settlement engine. logger and notifier may be nil.
func New(cfg Config, gw MarketGateway, st store.Store, logger *slog.Logger, notifier Notifier) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		gw:       gw,
		store:    st,
		logger:   logger,
		notifier: notifier,
	}
}

// BuyResult is returned from a committed buy.
type BuyResult struct {
	TradeID          uuid.UUID       `json:"trade_id"`
	MarketTicker     string          `json:"market_ticker"`
	Side             model.Side      `json:"side"`
	Amount           decimal.Decimal `json:"amount"`
	Contracts        decimal.Decimal `json:"contracts"`
	PricePerContract decimal.Decimal `json:"price_per_contract"`
	Fee              decimal.Decimal `json:"fee"`
	BalanceAfter     decimal.Decimal `json:"balance"`
	Quote            json.RawMessage `json:"quote,omitempty"`
}

// SellResult is returned from a committed sell.
type SellResult struct {
	TradeID          uuid.UUID       `json:"trade_id"`
	MarketTicker     string          `json:"market_ticker"`
	Side             model.Side      `json:"side"`
	Contracts        decimal.Decimal `json:"contracts"`
	Proceeds         decimal.Decimal `json:"proceeds"`
	PricePerContract decimal.Decimal `json:"price_per_contract"`
	Fee              decimal.Decimal `json:"fee"`
	FeeDollars       decimal.Decimal `json:"fee_dollars"`
	BalanceAfter     decimal.Decimal `json:"balance"`
	Quote            json.RawMessage `json:"quote,omitempty"`
}

// RedeemResult is returned from a committed redemption.
type RedeemResult struct {
	MarketTicker string             `json:"market_ticker"`
	Result       model.Side         `json:"result"`
	Payout       decimal.Decimal    `json:"payout"`
	BalanceAfter decimal.Decimal    `json:"balance"`
	Redemptions  []model.Redemption `json:"redemptions"`
}

// OpenAccount registers a new agent with the configured starting balance.
func (e *Engine) OpenAccount(ctx context.Context, agent *model.Agent) error {
	if err := e.store.CreateAgent(ctx, agent, e.cfg.StartingBalance.Round(model.Scale)); err != nil {
		return err
	}
	e.logger.Info("agent registered",
		"agent", agent.ID,
		"name", agent.Name,
		"starting_balance", e.cfg.StartingBalance.String(),
	)
	return nil
}

// Buy spends up to dollarAmount of collateral on side of ticker.
func (e *Engine) Buy(ctx context.Context, agentID uuid.UUID, ticker string, side model.Side, dollarAmount decimal.Decimal) (res *BuyResult, err error) {
	defer e.observe("buy", agentID, time.Now(), &err)

	if ticker, err = validateTicker(ticker); err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if !dollarAmount.IsPositive() {
		return nil, fmt.Errorf("%w: must be greater than 0", ErrInvalidAmount)
	}
	scaled, err := quote.ScaleAmount(dollarAmount, quote.DefaultDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: exceeds the largest quotable amount (%w)", ErrInvalidAmount, err)
	}
	if scaled <= 0 {
		return nil, fmt.Errorf("%w: below the smallest collateral unit", ErrInvalidAmount)
	}

	market, err := e.fetchMarket(ctx, ticker)
	if err != nil {
		return nil, err
	}
	mint, err := tradableMint(market, side)
	if err != nil {
		return nil, err
	}

	q, err := e.fetchQuote(ctx, e.cfg.CollateralMint, mint, scaled)
	if err != nil {
		return nil, err
	}
	amounts, err := normalize(q)
	if err != nil {
		return nil, err
	}
	if !amounts.Out.IsPositive() {
		return nil, ErrInvalidQuote
	}

	debit := amounts.In.Round(model.Scale)
	if !debit.IsPositive() {
		return nil, ErrInvalidQuote
	}
	price := amounts.In.DivRound(amounts.Out, priceScale)
	if err := fees.Validate(amounts.Out, price); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDegeneratePrice, price.StringFixed(model.Scale))
	}
	fee := fees.Calculate(amounts.Out, price)
	net := amounts.Out.Sub(fee.Total).Round(model.Scale)
	if !net.IsPositive() {
		return nil, ErrZeroNetOutput
	}
	netPrice := amounts.In.DivRound(net, priceScale)

	var result BuyResult
	err = e.store.InTx(ctx, agentID, func(tx store.Tx) error {
		now := time.Now().UTC()

		bal, err := lockBalance(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if bal.Amount.LessThan(debit) {
			return ErrInsufficientBalance
		}

		pos, err := tx.LockPosition(ctx, agentID, ticker, side)
		switch {
		case errors.Is(err, store.ErrNotFound):
			pos = &model.Position{
				ID:           uuid.New(),
				AgentID:      agentID,
				MarketTicker: ticker,
				Side:         side,
				CreatedAt:    now,
			}
		case err != nil:
			return err
		}

		h, err := position.Accumulate(position.Holding{Contracts: pos.Contracts, AvgPrice: pos.AvgPrice}, net, netPrice)
		if err != nil {
			return err
		}
		pos.Contracts = h.Contracts.Round(model.Scale)
		pos.AvgPrice = h.AvgPrice.Round(model.Scale)
		pos.UpdatedAt = now

		balanceAfter := bal.Amount.Sub(debit)
		if err := tx.SetBalance(ctx, agentID, balanceAfter); err != nil {
			return err
		}
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}

		trade := &model.Trade{
			ID:               uuid.New(),
			AgentID:          agentID,
			MarketTicker:     ticker,
			Side:             side,
			Type:             model.TradeBuy,
			DollarAmount:     debit,
			Contracts:        net,
			PricePerContract: netPrice.Round(model.Scale),
			FeeAmount:        fee.Total,
			Quote:            q.Raw,
			CreatedAt:        now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		result = BuyResult{
			TradeID:          trade.ID,
			MarketTicker:     ticker,
			Side:             side,
			Amount:           debit,
			Contracts:        net,
			PricePerContract: trade.PricePerContract,
			Fee:              fee.Total,
			BalanceAfter:     balanceAfter,
			Quote:            q.Raw,
		}
		return nil
	})
	if err != nil {
		return nil, e.txError(err)
	}

	metrics.TradesTotal.WithLabelValues(string(model.TradeBuy), string(side)).Inc()
	metrics.MarketVolume.WithLabelValues(contract.Series(ticker), string(side)).Add(net.InexactFloat64())
	metrics.FeesCollected.Add(fee.Total.InexactFloat64())

	e.logger.Info("trade executed",
		"trade_id", result.TradeID,
		"agent", agentID,
		"market", ticker,
		"type", model.TradeBuy,
		"side", side,
		"amount", debit.String(),
		"contracts", net.String(),
		"price", result.PricePerContract.String(),
		"fee", fee.Total.String(),
	)
	e.notify(Event{
		Type:         EventFill,
		AgentID:      agentID,
		MarketTicker: ticker,
		Side:         side,
		TradeType:    model.TradeBuy,
		Contracts:    net,
		Price:        result.PricePerContract,
		Amount:       debit,
		At:           time.Now().UTC(),
	})
	return &result, nil
}

// Sell converts contracts of side back into collateral.
func (e *Engine) Sell(ctx context.Context, agentID uuid.UUID, ticker string, side model.Side, contracts decimal.Decimal) (res *SellResult, err error) {
	defer e.observe("sell", agentID, time.Now(), &err)

	if ticker, err = validateTicker(ticker); err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if !contracts.IsPositive() {
		return nil, fmt.Errorf("%w: must be greater than 0", ErrInvalidContracts)
	}
	scaled, err := quote.ScaleAmount(contracts, quote.DefaultDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: exceeds the largest quotable size (%w)", ErrInvalidContracts, err)
	}
	if scaled <= 0 {
		return nil, fmt.Errorf("%w: below the smallest contract unit", ErrInvalidContracts)
	}

	market, err := e.fetchMarket(ctx, ticker)
	if err != nil {
		return nil, err
	}
	mint, err := tradableMint(market, side)
	if err != nil {
		return nil, err
	}

	// Fail fast without spending a quote; re-checked under lock below.
	if err := e.precheckHolding(ctx, agentID, ticker, side, contracts); err != nil {
		return nil, err
	}

	q, err := e.fetchQuote(ctx, mint, e.cfg.CollateralMint, scaled)
	if err != nil {
		return nil, err
	}
	amounts, err := normalize(q)
	if err != nil {
		return nil, err
	}
	if !amounts.Out.IsPositive() || !amounts.In.IsPositive() {
		return nil, ErrInvalidQuote
	}

	consumed := amounts.In.Round(model.Scale)
	price := amounts.Out.DivRound(amounts.In, priceScale)
	if err := fees.Validate(amounts.In, price); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDegeneratePrice, price.StringFixed(model.Scale))
	}
	fee := fees.Calculate(amounts.In, price)
	feeDollars := fee.ToDollars()
	proceeds := amounts.Out.Sub(feeDollars).Round(model.Scale)
	if !proceeds.IsPositive() {
		return nil, ErrZeroNetOutput
	}

	var result SellResult
	err = e.store.InTx(ctx, agentID, func(tx store.Tx) error {
		now := time.Now().UTC()

		bal, err := lockBalance(ctx, tx, agentID)
		if err != nil {
			return err
		}

		pos, err := tx.LockPosition(ctx, agentID, ticker, side)
		if errors.Is(err, store.ErrNotFound) {
			return ErrPositionNotFound
		}
		if err != nil {
			return err
		}

		red, err := position.Reduce(position.Holding{Contracts: pos.Contracts, AvgPrice: pos.AvgPrice}, consumed)
		if errors.Is(err, position.ErrInsufficientContracts) {
			return fmt.Errorf("%w: hold %s, quote consumes %s", ErrInsufficientContracts, pos.Contracts, consumed)
		}
		if err != nil {
			return err
		}

		balanceAfter := bal.Amount.Add(proceeds)
		if err := tx.SetBalance(ctx, agentID, balanceAfter); err != nil {
			return err
		}
		if red.Closed {
			if err := tx.DeletePosition(ctx, pos.ID); err != nil {
				return err
			}
		} else {
			pos.Contracts = red.Holding.Contracts
			pos.UpdatedAt = now
			if err := tx.UpsertPosition(ctx, pos); err != nil {
				return err
			}
		}

		trade := &model.Trade{
			ID:               uuid.New(),
			AgentID:          agentID,
			MarketTicker:     ticker,
			Side:             side,
			Type:             model.TradeSell,
			DollarAmount:     proceeds,
			Contracts:        consumed,
			PricePerContract: price.Round(model.Scale),
			FeeAmount:        fee.Total,
			Quote:            q.Raw,
			CreatedAt:        now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		result = SellResult{
			TradeID:          trade.ID,
			MarketTicker:     ticker,
			Side:             side,
			Contracts:        consumed,
			Proceeds:         proceeds,
			PricePerContract: trade.PricePerContract,
			Fee:              fee.Total,
			FeeDollars:       feeDollars,
			BalanceAfter:     balanceAfter,
			Quote:            q.Raw,
		}
		return nil
	})
	if err != nil {
		return nil, e.txError(err)
	}

	metrics.TradesTotal.WithLabelValues(string(model.TradeSell), string(side)).Inc()
	metrics.MarketVolume.WithLabelValues(contract.Series(ticker), string(side)).Add(consumed.InexactFloat64())
	metrics.FeesCollected.Add(fee.Total.InexactFloat64())

	e.logger.Info("trade executed",
		"trade_id", result.TradeID,
		"agent", agentID,
		"market", ticker,
		"type", model.TradeSell,
		"side", side,
		"contracts", consumed.String(),
		"proceeds", proceeds.String(),
		"price", result.PricePerContract.String(),
		"fee", fee.Total.String(),
	)
	e.notify(Event{
		Type:         EventFill,
		AgentID:      agentID,
		MarketTicker: ticker,
		Side:         side,
		TradeType:    model.TradeSell,
		Contracts:    consumed,
		Price:        result.PricePerContract,
		Amount:       proceeds,
		At:           time.Now().UTC(),
	})
	return &result, nil
}

// Redeem settles every position the agent holds in a resolved market.
// Winning contracts pay one dollar each; losing contracts pay nothing.
func (e *Engine) Redeem(ctx context.Context, agentID uuid.UUID, ticker string) (res *RedeemResult, err error) {
	defer e.observe("redeem", agentID, time.Now(), &err)

	if ticker, err = validateTicker(ticker); err != nil {
		return nil, err
	}

	market, err := e.fetchMarket(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if !market.Resolved() {
		return nil, fmt.Errorf("%w: status %q", ErrMarketNotResolved, market.Status)
	}
	winner, ok := market.WinningSide()
	if !ok {
		return nil, fmt.Errorf("%w: result %q", ErrResultUnavailable, market.Result)
	}

	held, err := e.store.ListPositionsByMarket(ctx, agentID, ticker)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, ErrNoPositionsToRedeem
	}

	var result RedeemResult
	err = e.store.InTx(ctx, agentID, func(tx store.Tx) error {
		now := time.Now().UTC()

		bal, err := lockBalance(ctx, tx, agentID)
		if err != nil {
			return err
		}

		positions, err := tx.LockPositionsByMarket(ctx, agentID, ticker)
		if err != nil {
			return err
		}
		if len(positions) == 0 {
			return ErrNoPositionsToRedeem
		}

		payout := decimal.Zero
		redemptions := make([]model.Redemption, 0, len(positions))
		for _, p := range positions {
			paid := decimal.Zero
			if p.Side == winner {
				paid = p.Contracts
			}
			payout = payout.Add(paid)

			if err := tx.DeletePosition(ctx, p.ID); err != nil {
				return err
			}
			r := model.Redemption{
				ID:                uuid.New(),
				AgentID:           agentID,
				MarketTicker:      ticker,
				Side:              p.Side,
				ContractsRedeemed: p.Contracts,
				PayoutAmount:      paid,
				MarketResult:      winner,
				CreatedAt:         now,
			}
			if err := tx.InsertRedemption(ctx, &r); err != nil {
				return err
			}
			redemptions = append(redemptions, r)
		}

		balanceAfter := bal.Amount.Add(payout)
		if err := tx.SetBalance(ctx, agentID, balanceAfter); err != nil {
			return err
		}

		result = RedeemResult{
			MarketTicker: ticker,
			Result:       winner,
			Payout:       payout,
			BalanceAfter: balanceAfter,
			Redemptions:  redemptions,
		}
		return nil
	})
	if err != nil {
		return nil, e.txError(err)
	}

	metrics.RedemptionsTotal.WithLabelValues(string(winner)).Add(float64(len(result.Redemptions)))

	e.logger.Info("market redeemed",
		"agent", agentID,
		"market", ticker,
		"result", winner,
		"positions", len(result.Redemptions),
		"payout", result.Payout.String(),
	)
	e.notify(Event{
		Type:         EventRedemption,
		AgentID:      agentID,
		MarketTicker: ticker,
		Result:       winner,
		Amount:       result.Payout,
		At:           time.Now().UTC(),
	})
	return &result, nil
}

// ListPositions returns the agent's open positions.
func (e *Engine) ListPositions(ctx context.Context, agentID uuid.UUID) ([]model.Position, error) {
	return e.store.ListPositions(ctx, agentID)
}

// ListTrades returns the agent's most recent trades first.
func (e *Engine) ListTrades(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Trade, error) {
	return e.store.ListTrades(ctx, agentID, limit)
}

// ListRedemptions returns the agent's most recent redemptions first.
func (e *Engine) ListRedemptions(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Redemption, error) {
	return e.store.ListRedemptions(ctx, agentID, limit)
}

// --- helpers ---

func validateTicker(ticker string) (string, error) {
	t, err := contract.ParseTicker(ticker)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTicker, err)
	}
	return t.Raw, nil
}

func (e *Engine) fetchMarket(ctx context.Context, ticker string) (*gateway.Market, error) {
	m, err := e.gw.GetMarket(ctx, ticker)
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, gateway.ErrMarketNotFound):
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, ticker)
	case errors.Is(err, gateway.ErrMalformedResponse):
		return nil, fmt.Errorf("%w: %w", ErrMalformedUpstream, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrMarketUnavailable, err)
	}
}

func (e *Engine) fetchQuote(ctx context.Context, inputMint, outputMint string, amount int64) (*gateway.Quote, error) {
	q, err := e.gw.GetQuote(ctx, inputMint, outputMint, amount)
	switch {
	case err == nil:
		return q, nil
	case errors.Is(err, gateway.ErrRouteNotFound):
		return nil, fmt.Errorf("%w: %w", ErrNoLiquidityRoute, err)
	case errors.Is(err, gateway.ErrMalformedResponse):
		return nil, fmt.Errorf("%w: %w", ErrMalformedUpstream, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrQuoteUnavailable, err)
	}
}

func normalize(q *gateway.Quote) (quote.Amounts, error) {
	a, err := quote.Normalize(q)
	if err != nil {
		return quote.Amounts{}, fmt.Errorf("%w: %w", ErrMalformedUpstream, err)
	}
	return a, nil
}

// tradableMint returns side's outcome token when the market is active and
// the token's account is initialized.
func tradableMint(m *gateway.Market, side model.Side) (string, error) {
	if m.Status != gateway.StatusActive {
		return "", fmt.Errorf("%w: status %q", ErrMarketNotTradable, m.Status)
	}
	mint, initialized, ok := m.SideMint(side)
	if !ok {
		return "", fmt.Errorf("%w: outcome mints not found", ErrMarketNotTradable)
	}
	if !initialized {
		return "", fmt.Errorf("%w: %s outcome account not initialized", ErrMarketNotTradable, side)
	}
	return mint, nil
}

func (e *Engine) precheckHolding(ctx context.Context, agentID uuid.UUID, ticker string, side model.Side, want decimal.Decimal) error {
	held, err := e.store.ListPositionsByMarket(ctx, agentID, ticker)
	if err != nil {
		return err
	}
	for _, p := range held {
		if p.Side != side {
			continue
		}
		if p.Contracts.LessThan(want) {
			return fmt.Errorf("%w: hold %s, requested %s", ErrInsufficientContracts, p.Contracts, want)
		}
		return nil
	}
	return ErrPositionNotFound
}

func lockBalance(ctx context.Context, tx store.Tx, agentID uuid.UUID) (*model.Balance, error) {
	bal, err := tx.LockBalance(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBalanceMissing
	}
	return bal, err
}

// txError maps store failures onto ledger errors. Ledger sentinels
// returned from inside the transaction pass through.
func (e *Engine) txError(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrStoreConflict, err)
	}
	return err
}

func (e *Engine) observe(op string, agentID uuid.UUID, start time.Time, errp *error) {
	metrics.TradeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *errp == nil {
		return
	}
	kind := KindOf(*errp)
	metrics.TradeRejections.WithLabelValues(op, kind.String()).Inc()
	if kind == KindInternal {
		e.logger.Error("settlement failed", "op", op, "agent", agentID, "err", *errp)
		return
	}
	e.logger.Info("settlement rejected", "op", op, "agent", agentID, "kind", kind.String(), "err", *errp)
}

func (e *Engine) notify(ev Event) {
	if e.notifier != nil {
		e.notifier.Notify(ev)
	}
}
