// Package trade provides the HTTP surface of the arena: agent
// registration, authenticated trading, account reads, the leaderboard and
// the live event feed.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/leaderboard"
	"github.com/predictarena/arena-engine/internal/ledger"
	"github.com/predictarena/arena-engine/internal/model"
	"github.com/predictarena/arena-engine/internal/store"
)

const (
	maxNameLength     = 50
	maxBodyBytes      = 1 << 20
	defaultListLimit  = 50
	maximumListLimit  = 500
	internalErrorText = "internal error"
)

// Service wires HTTP handlers to the settlement engine.
type Service struct {
	engine *ledger.Engine
	store  store.Store
	board  *leaderboard.Service
	hub    *WSHub
	logger *slog.Logger
}

// NewService creates the HTTP service. Pass nil for hub if the event feed
// is not needed.
func NewService(engine *ledger.Engine, st store.Store, board *leaderboard.Service, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, store: st, board: board, hub: hub, logger: logger}
}

// Routes mounts the API under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/agents", s.RegisterAgent)
		r.Get("/leaderboard", s.GetLeaderboard)
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(RequireAgent(s.store))
			r.Get("/agents/me", s.GetMe)
			r.Route("/trading", func(r chi.Router) {
				r.Post("/buy", s.Buy)
				r.Post("/sell", s.Sell)
				r.Post("/redeem", s.Redeem)
				r.Get("/positions", s.ListPositions)
				r.Get("/portfolio", s.GetPortfolio)
				r.Get("/trades", s.ListTrades)
				r.Get("/redemptions", s.ListRedemptions)
			})
		})
	})
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /agents.
type RegisterRequest struct {
	Name string `json:"name"`
}

// RegisterResponse carries the only copy of the plaintext API key.
type RegisterResponse struct {
	Agent  *model.Agent `json:"agent"`
	APIKey string       `json:"apiKey"`
}

// BuyRequest is the JSON body for POST /trading/buy.
type BuyRequest struct {
	MarketTicker string          `json:"marketTicker"`
	Side         model.Side      `json:"side"`
	Amount       decimal.Decimal `json:"amount"` // dollars to spend
}

// SellRequest is the JSON body for POST /trading/sell.
type SellRequest struct {
	MarketTicker string          `json:"marketTicker"`
	Side         model.Side      `json:"side"`
	Contracts    decimal.Decimal `json:"contracts"`
}

// RedeemRequest is the JSON body for POST /trading/redeem.
type RedeemRequest struct {
	MarketTicker string `json:"marketTicker"`
}

// --- Agents ---

// RegisterAgent handles POST /api/v1/agents
func (s *Service) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if len([]rune(name)) > maxNameLength {
		writeError(w, "name must be at most 50 characters", http.StatusBadRequest)
		return
	}

	key, err := GenerateAPIKey()
	if err != nil {
		s.logger.Error("api key generation failed", "err", err)
		writeError(w, internalErrorText, http.StatusInternalServerError)
		return
	}

	agent := &model.Agent{
		ID:         uuid.New(),
		Name:       name,
		APIKeyHash: HashAPIKey(key),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.engine.OpenAccount(r.Context(), agent); err != nil {
		if errors.Is(err, store.ErrAgentExists) {
			writeError(w, "Agent with this name already exists", http.StatusConflict)
			return
		}
		s.logger.Error("agent registration failed", "name", name, "err", err)
		writeError(w, internalErrorText, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{Agent: agent, APIKey: key})
}

// GetMe handles GET /api/v1/agents/me
func (s *Service) GetMe(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent})
}

// --- Trading ---

// Buy handles POST /api/v1/trading/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	var req BuyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.engine.Buy(r.Context(), agent.ID, req.MarketTicker, req.Side, req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/trading/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	var req SellRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.engine.Sell(r.Context(), agent.ID, req.MarketTicker, req.Side, req.Contracts)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Redeem handles POST /api/v1/trading/redeem
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	var req RedeemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.engine.Redeem(r.Context(), agent.ID, req.MarketTicker)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Reads ---

// ListPositions handles GET /api/v1/trading/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	positions, err := s.engine.ListPositions(r.Context(), agent.ID)
	if err != nil {
		s.internalError(w, "list positions", agent.ID, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetPortfolio handles GET /api/v1/trading/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	p, err := s.engine.GetPortfolioValue(r.Context(), agent.ID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListTrades handles GET /api/v1/trading/trades?limit=N
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.engine.ListTrades(r.Context(), agent.ID, limit)
	if err != nil {
		s.internalError(w, "list trades", agent.ID, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// ListRedemptions handles GET /api/v1/trading/redemptions?limit=N
func (s *Service) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	agent, _ := AgentFromContext(r.Context())
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	redemptions, err := s.engine.ListRedemptions(r.Context(), agent.ID, limit)
	if err != nil {
		s.internalError(w, "list redemptions", agent.ID, err)
		return
	}
	if redemptions == nil {
		redemptions = []model.Redemption{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"redemptions": redemptions})
}

// GetLeaderboard handles GET /api/v1/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.board.Get(r.Context())
	if err != nil {
		s.logger.Error("leaderboard failed", "err", err)
		writeError(w, "failed to compute leaderboard", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

// --- helpers ---

func (s *Service) internalError(w http.ResponseWriter, op string, agentID uuid.UUID, err error) {
	s.logger.Error("request failed", "op", op, "agent", agentID, "err", err)
	writeError(w, internalErrorText, http.StatusInternalServerError)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	if n > maximumListLimit {
		n = maximumListLimit
	}
	return n, true
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retriable bool   `json:"retriable"`
}

// statusFor maps a ledger error onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, ledger.ErrMarketNotFound) {
		return http.StatusNotFound
	}
	switch ledger.KindOf(err) {
	case ledger.KindValidation, ledger.KindPrecondition:
		return http.StatusBadRequest
	case ledger.KindUpstream, ledger.KindBadUpstream:
		return http.StatusBadGateway
	case ledger.KindNoRoute:
		return http.StatusUnprocessableEntity
	case ledger.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	msg := err.Error()
	if kind == ledger.KindInternal {
		// Logged with the agent id by the engine.
		msg = internalErrorText
	}
	writeJSON(w, statusFor(err), ErrorResponse{
		Error:     strings.TrimPrefix(msg, "ledger: "),
		Code:      ledger.Code(err),
		Retriable: kind.Retriable(),
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_")),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
