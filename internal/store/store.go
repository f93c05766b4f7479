// Package store defines the persistence interface for the arena ledger.
// Implementations include PostgreSQL (source of truth) and in-memory
// (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAgentExists is returned when an agent name is already taken.
	ErrAgentExists = errors.New("store: agent already exists")

	// ErrConflict is returned when a transaction lost a lock or
	// serialization race and was rolled back. Safe to retry.
	ErrConflict = errors.New("store: transaction conflict")
)

// Store is the persistence interface. Ledger mutations happen only inside
// InTx; everything else is a plain read.
type Store interface {
	// --- Agents ---

	// CreateAgent persists a new agent together with its opening balance.
	CreateAgent(ctx context.Context, agent *model.Agent, startingBalance decimal.Decimal) error

	// GetAgent retrieves an agent by ID.
	GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error)

	// GetAgentByKeyHash resolves an API key hash to its agent.
	GetAgentByKeyHash(ctx context.Context, hash string) (*model.Agent, error)

	// --- Reads ---

	GetBalance(ctx context.Context, agentID uuid.UUID) (*model.Balance, error)
	ListPositions(ctx context.Context, agentID uuid.UUID) ([]model.Position, error)
	ListPositionsByMarket(ctx context.Context, agentID uuid.UUID, ticker string) ([]model.Position, error)

	// ListTrades returns the most recent trades first. limit <= 0 means all.
	ListTrades(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Trade, error)

	// ListRedemptions returns the most recent redemptions first.
	ListRedemptions(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Redemption, error)

	// ListAgentBalances returns every agent with its balance.
	ListAgentBalances(ctx context.Context) ([]model.AgentBalance, error)

	// ListAllPositions returns every open position of every agent.
	ListAllPositions(ctx context.Context) ([]model.Position, error)

	// --- Transactions ---

	// InTx runs fn inside a single transaction over agentID's ledger rows.
	// The transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, agentID uuid.UUID, fn func(tx Tx) error) error
}

// Tx is the set of ledger operations available inside a transaction.
// Callers lock the Balance row before any Position row.
type Tx interface {
	// LockBalance reads and locks the agent's balance row.
	LockBalance(ctx context.Context, agentID uuid.UUID) (*model.Balance, error)

	// SetBalance overwrites the locked balance.
	SetBalance(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal) error

	// LockPosition reads and locks one position. ErrNotFound when absent.
	LockPosition(ctx context.Context, agentID uuid.UUID, ticker string, side model.Side) (*model.Position, error)

	// LockPositionsByMarket reads and locks every position the agent holds
	// in ticker.
	LockPositionsByMarket(ctx context.Context, agentID uuid.UUID, ticker string) ([]model.Position, error)

	// UpsertPosition inserts or replaces the (agent, ticker, side) position.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes a position by ID.
	DeletePosition(ctx context.Context, id uuid.UUID) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// InsertRedemption appends an immutable redemption record.
	InsertRedemption(ctx context.Context, r *model.Redemption) error
}
