package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATEs that mean the transaction lost a race and may be retried.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
	sqlstateUniqueViolation      = "23505"
)

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. A positive
// lockTimeout bounds how long a transaction waits on a row lock.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *model.Agent, startingBalance decimal.Decimal) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO agents (id, name, api_key_hash, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, a.Name, a.APIKeyHash, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAgentExists
		}
		return fmt.Errorf("insert agent: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO agent_balances (agent_id, balance, updated_at) VALUES ($1, $2::NUMERIC, $3)`,
		a.ID, startingBalance.String(), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapTxError(err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	return s.getAgent(ctx, `SELECT id, name, api_key_hash, created_at FROM agents WHERE id = $1`, id)
}

func (s *PostgresStore) GetAgentByKeyHash(ctx context.Context, hash string) (*model.Agent, error) {
	return s.getAgent(ctx, `SELECT id, name, api_key_hash, created_at FROM agents WHERE api_key_hash = $1`, hash)
}

func (s *PostgresStore) getAgent(ctx context.Context, query string, arg any) (*model.Agent, error) {
	var a model.Agent
	err := s.pool.QueryRow(ctx, query, arg).Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, agentID uuid.UUID) (*model.Balance, error) {
	return scanBalance(s.pool.QueryRow(ctx,
		`SELECT agent_id, balance::TEXT, updated_at FROM agent_balances WHERE agent_id = $1`, agentID))
}

func (s *PostgresStore) ListPositions(ctx context.Context, agentID uuid.UUID) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, positionColumns+` WHERE agent_id = $1 ORDER BY created_at`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, agentID uuid.UUID, ticker string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		positionColumns+` WHERE agent_id = $1 AND market_ticker = $2 ORDER BY side`, agentID, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, positionColumns+` ORDER BY agent_id, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListTrades(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, market_ticker, side, trade_type,
		        dollar_amount::TEXT, contracts::TEXT, price_per_contract::TEXT, fee_amount::TEXT,
		        quote, created_at
		 FROM trades WHERE agent_id = $1
		 ORDER BY created_at DESC
		 LIMIT NULLIF($2, 0)`, agentID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var dollarS, contractsS, priceS, feeS string
		var quote []byte
		if err := rows.Scan(&t.ID, &t.AgentID, &t.MarketTicker, &t.Side, &t.Type,
			&dollarS, &contractsS, &priceS, &feeS,
			&quote, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.DollarAmount, _ = decimal.NewFromString(dollarS)
		t.Contracts, _ = decimal.NewFromString(contractsS)
		t.PricePerContract, _ = decimal.NewFromString(priceS)
		t.FeeAmount, _ = decimal.NewFromString(feeS)
		t.Quote = quote
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListRedemptions(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Redemption, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, market_ticker, side,
		        contracts_redeemed::TEXT, payout_amount::TEXT, market_result, created_at
		 FROM redemptions WHERE agent_id = $1
		 ORDER BY created_at DESC
		 LIMIT NULLIF($2, 0)`, agentID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Redemption
	for rows.Next() {
		var r model.Redemption
		var contractsS, payoutS string
		if err := rows.Scan(&r.ID, &r.AgentID, &r.MarketTicker, &r.Side,
			&contractsS, &payoutS, &r.MarketResult, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ContractsRedeemed, _ = decimal.NewFromString(contractsS)
		r.PayoutAmount, _ = decimal.NewFromString(payoutS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAgentBalances(ctx context.Context) ([]model.AgentBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.name, b.balance::TEXT
		 FROM agents a
		 JOIN agent_balances b ON b.agent_id = a.id
		 ORDER BY a.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AgentBalance
	for rows.Next() {
		var ab model.AgentBalance
		var balS string
		if err := rows.Scan(&ab.AgentID, &ab.Name, &balS); err != nil {
			return nil, err
		}
		ab.Balance, _ = decimal.NewFromString(balS)
		out = append(out, ab)
	}
	return out, rows.Err()
}

// InTx runs fn in a read-committed transaction. Row locks taken through
// Tx serialize concurrent requests for the same agent.
func (s *PostgresStore) InTx(ctx context.Context, _ uuid.UUID, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapTxError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return mapTxError(err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapTxError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapTxError(err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockBalance(ctx context.Context, agentID uuid.UUID) (*model.Balance, error) {
	return scanBalance(t.tx.QueryRow(ctx,
		`SELECT agent_id, balance::TEXT, updated_at FROM agent_balances WHERE agent_id = $1 FOR UPDATE`, agentID))
}

func (t *pgTx) SetBalance(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE agent_balances SET balance = $2::NUMERIC, updated_at = now() WHERE agent_id = $1`,
		agentID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LockPosition(ctx context.Context, agentID uuid.UUID, ticker string, side model.Side) (*model.Position, error) {
	rows, err := t.tx.Query(ctx,
		positionColumns+` WHERE agent_id = $1 AND market_ticker = $2 AND side = $3 FOR UPDATE`,
		agentID, ticker, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrNotFound
	}
	return &positions[0], nil
}

func (t *pgTx) LockPositionsByMarket(ctx context.Context, agentID uuid.UUID, ticker string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		positionColumns+` WHERE agent_id = $1 AND market_ticker = $2 ORDER BY side FOR UPDATE`,
		agentID, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, agent_id, market_ticker, side, contracts, avg_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (agent_id, market_ticker, side) DO UPDATE
		 SET contracts = EXCLUDED.contracts,
		     avg_price = EXCLUDED.avg_price,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.AgentID, p.MarketTicker, p.Side,
		p.Contracts.String(), p.AvgPrice.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, id uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	var quote any
	if len(tr.Quote) > 0 {
		quote = string(tr.Quote)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, agent_id, market_ticker, side, trade_type,
		                     dollar_amount, contracts, price_per_contract, fee_amount, quote, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::JSONB, $11)`,
		tr.ID, tr.AgentID, tr.MarketTicker, tr.Side, tr.Type,
		tr.DollarAmount.String(), tr.Contracts.String(), tr.PricePerContract.String(), tr.FeeAmount.String(),
		quote, tr.CreatedAt,
	)
	return err
}

func (t *pgTx) InsertRedemption(ctx context.Context, r *model.Redemption) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO redemptions (id, agent_id, market_ticker, side, contracts_redeemed, payout_amount, market_result, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		r.ID, r.AgentID, r.MarketTicker, r.Side,
		r.ContractsRedeemed.String(), r.PayoutAmount.String(),
		r.MarketResult, r.CreatedAt,
	)
	return err
}

const positionColumns = `SELECT id, agent_id, market_ticker, side, contracts::TEXT, avg_price::TEXT, created_at, updated_at FROM positions`

func scanBalance(row pgx.Row) (*model.Balance, error) {
	var b model.Balance
	var balS string
	if err := row.Scan(&b.AgentID, &balS, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	amount, err := decimal.NewFromString(balS)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	b.Amount = amount
	return &b, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var contractsS, avgS string
		if err := rows.Scan(&p.ID, &p.AgentID, &p.MarketTicker, &p.Side,
			&contractsS, &avgS, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Contracts, _ = decimal.NewFromString(contractsS)
		p.AvgPrice, _ = decimal.NewFromString(avgS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// mapTxError converts lock and serialization failures into ErrConflict.
// Other errors pass through unchanged.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateLockNotAvailable:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateUniqueViolation
	}
	return false
}
