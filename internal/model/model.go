// Package model defines the core domain types shared across the arena engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places persisted for dollar amounts,
// contract quantities, prices and fees.
const Scale int32 = 6

// Side is one of the two outcome tokens of a binary market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// TradeType is the direction of a Trade.
type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

// Agent is a registered trading identity. Immutable after creation.
type Agent struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	APIKeyHash string    `json:"-" db:"api_key_hash"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Balance is the agent's simulated dollar balance (1:1 with Agent).
type Balance struct {
	AgentID   uuid.UUID       `json:"agent_id" db:"agent_id"`
	Amount    decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is an agent's holding on one side of one market.
// A row exists only while Contracts > 0.
type Position struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	AgentID      uuid.UUID       `json:"agent_id" db:"agent_id"`
	MarketTicker string          `json:"market_ticker" db:"market_ticker"`
	Side         Side            `json:"side" db:"side"`
	Contracts    decimal.Decimal `json:"contracts" db:"contracts"`
	AvgPrice     decimal.Decimal `json:"avg_price" db:"avg_price"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of one buy or sell execution.
// Once created, these are never modified or deleted.
type Trade struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	AgentID          uuid.UUID       `json:"agent_id" db:"agent_id"`
	MarketTicker     string          `json:"market_ticker" db:"market_ticker"`
	Side             Side            `json:"side" db:"side"`
	Type             TradeType       `json:"trade_type" db:"trade_type"`
	DollarAmount     decimal.Decimal `json:"dollar_amount" db:"dollar_amount"`           // debit on BUY, net proceeds on SELL
	Contracts        decimal.Decimal `json:"contracts" db:"contracts"`                   // net on BUY, consumed on SELL
	PricePerContract decimal.Decimal `json:"price_per_contract" db:"price_per_contract"` // dollars per contract
	FeeAmount        decimal.Decimal `json:"fee_amount" db:"fee_amount"`                 // contract units
	Quote            json.RawMessage `json:"quote,omitempty" db:"quote"`                 // raw upstream quote snapshot
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// CashFlow returns the signed effect of the trade on the agent's balance.
func (t Trade) CashFlow() decimal.Decimal {
	if t.Type == TradeBuy {
		return t.DollarAmount.Neg()
	}
	return t.DollarAmount
}

// Redemption is an immutable record of settling one position of a resolved
// market. One row per position that existed at redemption time.
type Redemption struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	AgentID           uuid.UUID       `json:"agent_id" db:"agent_id"`
	MarketTicker      string          `json:"market_ticker" db:"market_ticker"`
	Side              Side            `json:"side" db:"side"`
	ContractsRedeemed decimal.Decimal `json:"contracts_redeemed" db:"contracts_redeemed"`
	PayoutAmount      decimal.Decimal `json:"payout_amount" db:"payout_amount"`
	MarketResult      Side            `json:"market_result" db:"market_result"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// AgentBalance pairs an agent with its balance for the leaderboard.
type AgentBalance struct {
	AgentID uuid.UUID       `json:"agent_id"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// ValuedPosition is a position marked at the best available price.
// Price is nil when no price could be obtained; Value is then zero.
type ValuedPosition struct {
	Position
	Price *decimal.Decimal `json:"price"`
	Value decimal.Decimal  `json:"value"`
}

// Portfolio is an agent's cash plus marked positions.
type Portfolio struct {
	AgentID        uuid.UUID        `json:"agent_id"`
	Balance        decimal.Decimal  `json:"balance"`
	PositionsValue decimal.Decimal  `json:"positions_value"`
	TotalValue     decimal.Decimal  `json:"total_value"`
	Positions      []ValuedPosition `json:"positions"`
}
