package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/gateway"
	"github.com/predictarena/arena-engine/internal/leaderboard"
	"github.com/predictarena/arena-engine/internal/ledger"
	"github.com/predictarena/arena-engine/internal/metrics"
	"github.com/predictarena/arena-engine/internal/store"
	"github.com/predictarena/arena-engine/internal/trade"
)

const usdcMint = "USDC-MINT"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stubGateway prices every quote at 0.5.
type stubGateway struct {
	mu       sync.Mutex
	markets  map[string]*gateway.Market
	quoteErr error
}

func (g *stubGateway) GetMarket(_ context.Context, ticker string) (*gateway.Market, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.markets[ticker]
	if !ok {
		return nil, gateway.ErrMarketNotFound
	}
	copy := *m
	return &copy, nil
}

func (g *stubGateway) GetQuote(_ context.Context, in, out string, amount int64) (*gateway.Quote, error) {
	g.mu.Lock()
	err := g.quoteErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	outAmount := amount / 2
	if in == usdcMint {
		outAmount = amount * 2
	}
	return &gateway.Quote{
		InputMint:  in,
		OutputMint: out,
		InAmount:   strconv.FormatInt(amount, 10),
		OutAmount:  strconv.FormatInt(outAmount, 10),
		Raw:        json.RawMessage(`{"routePlan":[]}`),
	}, nil
}

func (g *stubGateway) set(m *gateway.Market) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markets[m.Ticker] = m
}

func market(ticker, status, result string) *gateway.Market {
	return &gateway.Market{
		Ticker: ticker,
		Status: status,
		Result: result,
		Accounts: map[string]gateway.OutcomeAccount{
			usdcMint: {YesMint: ticker + "-YES", NoMint: ticker + "-NO", IsInitialized: true},
		},
		YesBid: gateway.OptionalDecimal{Decimal: d("0.5"), Valid: true},
	}
}

type testEnv struct {
	router chi.Router
	gw     *stubGateway
	hub    *trade.WSHub
}

// newTestEnv creates a router over an in-memory store and a stub gateway.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := store.NewMemoryStore()
	gw := &stubGateway{markets: map[string]*gateway.Market{}}
	hub := trade.NewWSHub(logger)

	engine := ledger.New(ledger.Config{CollateralMint: usdcMint, StartingBalance: d("1000")}, gw, ms, logger, hub)
	board := leaderboard.New(ms, gw, time.Nanosecond, logger)
	svc := trade.NewService(engine, ms, board, hub, logger)

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	svc.Routes(r)
	return &testEnv{router: r, gw: gw, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, name string) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/agents", "", map[string]string{"name": name})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %s", name, w.Code, w.Body.String())
	}
	var resp trade.RegisterResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	return resp.APIKey
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) trade.ErrorResponse {
	t.Helper()
	var e trade.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return e
}

// --- Agents ---

func TestRegisterAgent(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/agents", "", map[string]string{"name": "  alpha  "})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.RegisterResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !strings.HasPrefix(resp.APIKey, "ahk_") || len(resp.APIKey) != len("ahk_")+32 {
		t.Errorf("unexpected api key %q", resp.APIKey)
	}
	if resp.Agent.Name != "alpha" {
		t.Errorf("expected trimmed name, got %q", resp.Agent.Name)
	}
	if strings.Contains(w.Body.String(), trade.HashAPIKey(resp.APIKey)) {
		t.Error("key hash must not be serialized")
	}

	w = env.do(t, "POST", "/api/v1/agents", "", map[string]string{"name": "alpha"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate name: expected 409, got %d", w.Code)
	}
	if got := decodeError(t, w).Error; got != "Agent with this name already exists" {
		t.Errorf("unexpected message %q", got)
	}

	for _, name := range []string{"", "   ", strings.Repeat("x", 51)} {
		w = env.do(t, "POST", "/api/v1/agents", "", map[string]string{"name": name})
		if w.Code != http.StatusBadRequest {
			t.Errorf("name %q: expected 400, got %d", name, w.Code)
		}
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)
	key := env.register(t, "alpha")

	w := env.do(t, "GET", "/api/v1/agents/me", "", nil)
	if w.Code != http.StatusUnauthorized || decodeError(t, w).Error != "Missing or invalid Authorization header" {
		t.Errorf("missing header: got %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/agents/me", "ahk_wrong", nil)
	if w.Code != http.StatusUnauthorized || decodeError(t, w).Error != "Invalid API key" {
		t.Errorf("bad key: got %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/agents/me", key, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"name":"alpha"`) {
		t.Errorf("me: got %d %s", w.Code, w.Body.String())
	}
}

// --- Trading ---

func TestBuySellFlow(t *testing.T) {
	env := newTestEnv(t)
	env.gw.set(market("T", gateway.StatusActive, ""))
	key := env.register(t, "alpha")

	w := env.do(t, "POST", "/api/v1/trading/buy", key, map[string]any{"marketTicker": "T", "side": "YES", "amount": 10})
	if w.Code != http.StatusOK {
		t.Fatalf("buy: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var buy ledger.BuyResult
	json.Unmarshal(w.Body.Bytes(), &buy)
	if !buy.Contracts.Equal(d("18.95")) || !buy.BalanceAfter.Equal(d("990")) {
		t.Errorf("unexpected buy result %+v", buy)
	}

	w = env.do(t, "GET", "/api/v1/trading/positions", key, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"contracts":"18.95"`) {
		t.Errorf("positions: got %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/trading/portfolio", key, nil)
	var portfolio struct {
		PositionsValue decimal.Decimal `json:"positions_value"`
		TotalValue     decimal.Decimal `json:"total_value"`
	}
	json.Unmarshal(w.Body.Bytes(), &portfolio)
	if !portfolio.PositionsValue.Equal(d("9.475")) || !portfolio.TotalValue.Equal(d("999.475")) {
		t.Errorf("unexpected portfolio %s", w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/trading/sell", key, map[string]any{"marketTicker": "T", "side": "YES", "contracts": "18.95"})
	if w.Code != http.StatusOK {
		t.Fatalf("sell: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sell ledger.SellResult
	json.Unmarshal(w.Body.Bytes(), &sell)
	if !sell.Proceeds.Equal(d("8.951313")) {
		t.Errorf("expected proceeds 8.951313, got %s", sell.Proceeds)
	}

	w = env.do(t, "GET", "/api/v1/trading/trades?limit=1", key, nil)
	var trades struct {
		Trades []struct {
			Type string `json:"trade_type"`
		} `json:"trades"`
	}
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades.Trades) != 1 || trades.Trades[0].Type != "SELL" {
		t.Errorf("expected latest trade SELL, got %s", w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/trading/trades?limit=zero", key, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestTradeErrors(t *testing.T) {
	env := newTestEnv(t)
	env.gw.set(market("T", gateway.StatusActive, ""))
	env.gw.set(market("CLOSED", "closed", ""))
	key := env.register(t, "alpha")

	tests := []struct {
		name      string
		path      string
		body      any
		quoteErr  error
		status    int
		code      string
		retriable bool
	}{
		{"bad side", "/api/v1/trading/buy", map[string]any{"marketTicker": "T", "side": "MAYBE", "amount": 10}, nil, 400, "INVALID_SIDE", false},
		{"zero amount", "/api/v1/trading/buy", map[string]any{"marketTicker": "T", "side": "YES", "amount": 0}, nil, 400, "INVALID_AMOUNT", false},
		{"unknown market", "/api/v1/trading/buy", map[string]any{"marketTicker": "NOPE", "side": "YES", "amount": 10}, nil, 404, "MARKET_NOT_FOUND", false},
		{"closed market", "/api/v1/trading/buy", map[string]any{"marketTicker": "CLOSED", "side": "YES", "amount": 10}, nil, 400, "MARKET_NOT_TRADABLE", false},
		{"insufficient", "/api/v1/trading/buy", map[string]any{"marketTicker": "T", "side": "YES", "amount": 5000}, nil, 400, "INSUFFICIENT_BALANCE", false},
		{"no route", "/api/v1/trading/buy", map[string]any{"marketTicker": "T", "side": "YES", "amount": 10}, gateway.ErrRouteNotFound, 422, "NO_LIQUIDITY_ROUTE", false},
		{"amount beyond token units", "/api/v1/trading/buy", map[string]any{"marketTicker": "T", "side": "YES", "amount": "18446744073719.551616"}, nil, 400, "INVALID_AMOUNT", false},
		{"malformed quote", "/api/v1/trading/buy", map[string]any{"marketTicker": "T", "side": "YES", "amount": 10}, gateway.ErrMalformedResponse, 502, "MALFORMED_UPSTREAM_RESPONSE", false},
		{"upstream down", "/api/v1/trading/buy", map[string]any{"marketTicker": "T", "side": "YES", "amount": 10}, gateway.ErrUnavailable, 502, "QUOTE_UNAVAILABLE", true},
		{"no position", "/api/v1/trading/sell", map[string]any{"marketTicker": "T", "side": "NO", "contracts": 1}, nil, 400, "POSITION_NOT_FOUND", false},
		{"unresolved", "/api/v1/trading/redeem", map[string]any{"marketTicker": "T"}, nil, 400, "MARKET_NOT_RESOLVED", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.gw.mu.Lock()
			env.gw.quoteErr = tt.quoteErr
			env.gw.mu.Unlock()

			w := env.do(t, "POST", tt.path, key, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			e := decodeError(t, w)
			if e.Code != tt.code || e.Retriable != tt.retriable {
				t.Errorf("expected %s retriable=%v, got %+v", tt.code, tt.retriable, e)
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/trading/buy", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

func TestRedeemFlow(t *testing.T) {
	env := newTestEnv(t)
	env.gw.set(market("R", gateway.StatusActive, ""))
	key := env.register(t, "alpha")

	if w := env.do(t, "POST", "/api/v1/trading/buy", key, map[string]any{"marketTicker": "R", "side": "NO", "amount": 10}); w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body.String())
	}
	env.gw.set(market("R", gateway.StatusDetermined, "no"))

	w := env.do(t, "POST", "/api/v1/trading/redeem", key, map[string]any{"marketTicker": "R"})
	if w.Code != http.StatusOK {
		t.Fatalf("redeem: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ledger.RedeemResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Result != "NO" || !res.Payout.Equal(d("18.95")) || !res.BalanceAfter.Equal(d("1008.95")) {
		t.Errorf("unexpected redeem result %+v", res)
	}

	w = env.do(t, "GET", "/api/v1/trading/redemptions", key, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"payout_amount":"18.95"`) {
		t.Errorf("redemptions: got %d %s", w.Code, w.Body.String())
	}
}

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	env.gw.set(market("T", gateway.StatusActive, ""))
	env.register(t, "idle")
	key := env.register(t, "trader")

	if w := env.do(t, "POST", "/api/v1/trading/buy", key, map[string]any{"marketTicker": "T", "side": "YES", "amount": 100}); w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body.String())
	}

	w := env.do(t, "GET", "/api/v1/leaderboard", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Leaderboard []leaderboard.Entry `json:"leaderboard"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Leaderboard) != 2 {
		t.Fatalf("expected 2 entries, got %s", w.Body.String())
	}
	// Spending 100 buys 195.5 contracts worth 97.75 at the 0.5 bid.
	if resp.Leaderboard[0].Name != "idle" || !resp.Leaderboard[1].TotalValue.Equal(d("997.75")) {
		t.Errorf("unexpected ranking %+v", resp.Leaderboard)
	}
}

// --- WebSocket ---

func gaugeValue(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.WebSocketClients.Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestWebSocketFeed(t *testing.T) {
	env := newTestEnv(t)
	env.gw.set(market("T", gateway.StatusActive, ""))
	key := env.register(t, "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for gaugeValue(t) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := env.do(t, "POST", "/api/v1/trading/buy", key, map[string]any{"marketTicker": "T", "side": "YES", "amount": 10}); w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg trade.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "fill" || msg.Data.MarketTicker != "T" || !msg.Data.Contracts.Equal(d("18.95")) {
		t.Errorf("unexpected message %+v", msg)
	}
}
