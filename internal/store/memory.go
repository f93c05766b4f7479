package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take a per-agent mutex for their whole duration and buffer
// writes until commit, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[uuid.UUID]*model.Agent
	balances    map[uuid.UUID]model.Balance
	positions   map[uuid.UUID]model.Position
	trades      []model.Trade
	redemptions []model.Redemption

	locksMu    sync.Mutex
	agentLocks map[uuid.UUID]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[uuid.UUID]*model.Agent),
		balances:   make(map[uuid.UUID]model.Balance),
		positions:  make(map[uuid.UUID]model.Position),
		agentLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateAgent(_ context.Context, a *model.Agent, startingBalance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.agents {
		if existing.Name == a.Name || existing.APIKeyHash == a.APIKeyHash {
			return ErrAgentExists
		}
	}

	// Store a copy to avoid external mutation.
	copy := *a
	s.agents[a.ID] = &copy
	s.balances[a.ID] = model.Balance{AgentID: a.ID, Amount: startingBalance, UpdatedAt: a.CreatedAt}
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id uuid.UUID) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAgentByKeyHash(_ context.Context, hash string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.agents {
		if a.APIKeyHash == hash {
			copy := *a
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetBalance(_ context.Context, agentID uuid.UUID) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, agentID uuid.UUID) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterPositions(func(p model.Position) bool { return p.AgentID == agentID }), nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, agentID uuid.UUID, ticker string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterPositions(func(p model.Position) bool {
		return p.AgentID == agentID && p.MarketTicker == ticker
	}), nil
}

func (s *MemoryStore) ListAllPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterPositions(func(model.Position) bool { return true }), nil
}

// filterPositions must be called with s.mu held.
func (s *MemoryStore) filterPositions(keep func(model.Position) bool) []model.Position {
	var out []model.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out
}

func (s *MemoryStore) ListTrades(_ context.Context, agentID uuid.UUID, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].AgentID != agentID {
			continue
		}
		out = append(out, s.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRedemptions(_ context.Context, agentID uuid.UUID, limit int) ([]model.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Redemption
	for i := len(s.redemptions) - 1; i >= 0; i-- {
		if s.redemptions[i].AgentID != agentID {
			continue
		}
		out = append(out, s.redemptions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAgentBalances(_ context.Context) ([]model.AgentBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AgentBalance, 0, len(s.agents))
	for id, a := range s.agents {
		out = append(out, model.AgentBalance{AgentID: id, Name: a.Name, Balance: s.balances[id].Amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) agentLock(agentID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.agentLocks[agentID] = l
	}
	return l
}

// InTx serializes transactions per agent and applies buffered writes
// atomically when fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, agentID uuid.UUID, fn func(tx Tx) error) error {
	l := s.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:     s,
		agentID:   agentID,
		positions: make(map[uuid.UUID]model.Position),
		deleted:   make(map[uuid.UUID]bool),
	}

	s.mu.RLock()
	for id, p := range s.positions {
		if p.AgentID == agentID {
			tx.positions[id] = p
		}
	}
	if b, ok := s.balances[agentID]; ok {
		tx.balance = &b
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.commit()
	return nil
}

type memTx struct {
	store   *MemoryStore
	agentID uuid.UUID

	balance      *model.Balance
	balanceDirty bool
	positions    map[uuid.UUID]model.Position
	dirty        []uuid.UUID
	deleted      map[uuid.UUID]bool
	trades       []model.Trade
	redemptions  []model.Redemption
}

func (t *memTx) checkAgent(agentID uuid.UUID) error {
	if agentID != t.agentID {
		return fmt.Errorf("memory tx for agent %s cannot touch agent %s", t.agentID, agentID)
	}
	return nil
}

func (t *memTx) LockBalance(_ context.Context, agentID uuid.UUID) (*model.Balance, error) {
	if err := t.checkAgent(agentID); err != nil {
		return nil, err
	}
	if t.balance == nil {
		return nil, ErrNotFound
	}
	b := *t.balance
	return &b, nil
}

func (t *memTx) SetBalance(_ context.Context, agentID uuid.UUID, amount decimal.Decimal) error {
	if err := t.checkAgent(agentID); err != nil {
		return err
	}
	if t.balance == nil {
		return ErrNotFound
	}
	if amount.IsNegative() {
		return fmt.Errorf("memory tx: balance would go negative (%s)", amount)
	}
	t.balance.Amount = amount
	t.balance.UpdatedAt = time.Now().UTC()
	t.balanceDirty = true
	return nil
}

func (t *memTx) LockPosition(_ context.Context, agentID uuid.UUID, ticker string, side model.Side) (*model.Position, error) {
	if err := t.checkAgent(agentID); err != nil {
		return nil, err
	}
	for _, p := range t.positions {
		if p.MarketTicker == ticker && p.Side == side {
			copy := p
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) LockPositionsByMarket(_ context.Context, agentID uuid.UUID, ticker string) ([]model.Position, error) {
	if err := t.checkAgent(agentID); err != nil {
		return nil, err
	}
	var out []model.Position
	for _, p := range t.positions {
		if p.MarketTicker == ticker {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	if err := t.checkAgent(p.AgentID); err != nil {
		return err
	}
	if !p.Contracts.IsPositive() {
		return fmt.Errorf("memory tx: position %s must hold contracts", p.ID)
	}
	for id, existing := range t.positions {
		if existing.MarketTicker == p.MarketTicker && existing.Side == p.Side && id != p.ID {
			// Same (agent, ticker, side): keep the original row identity.
			p.ID = id
			p.CreatedAt = existing.CreatedAt
			break
		}
	}
	t.positions[p.ID] = *p
	delete(t.deleted, p.ID)
	t.dirty = append(t.dirty, p.ID)
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, id uuid.UUID) error {
	delete(t.positions, id)
	t.deleted[id] = true
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	if err := t.checkAgent(tr.AgentID); err != nil {
		return err
	}
	t.trades = append(t.trades, *tr)
	return nil
}

func (t *memTx) InsertRedemption(_ context.Context, r *model.Redemption) error {
	if err := t.checkAgent(r.AgentID); err != nil {
		return err
	}
	t.redemptions = append(t.redemptions, *r)
	return nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.balanceDirty && t.balance != nil {
		s.balances[t.agentID] = *t.balance
	}
	for id := range t.deleted {
		delete(s.positions, id)
	}
	for _, id := range t.dirty {
		if p, ok := t.positions[id]; ok {
			s.positions[id] = p
		}
	}
	s.trades = append(s.trades, t.trades...)
	s.redemptions = append(s.redemptions, t.redemptions...)
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		if ps[i].MarketTicker != ps[j].MarketTicker {
			return ps[i].MarketTicker < ps[j].MarketTicker
		}
		return ps[i].Side < ps[j].Side
	})
}
