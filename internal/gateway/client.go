// Package gateway is the client for the external market metadata and
// trading quote services. Upstream payloads are decoded into typed
// structures and shape-validated here so the ledger never inspects
// untyped data.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/predictarena/arena-engine/internal/metrics"
	"github.com/predictarena/arena-engine/internal/retry"
)

const maxBodyBytes = 4 << 20

// Config configures the gateway client.
type Config struct {
	MetadataURL string
	TradingURL  string
	APIKey      string

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	MaxAttempts int
	BaseBackoff time.Duration
}

// Client talks to the metadata and trading APIs.
type Client struct {
	cfg    Config
	http   *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// New creates a gateway client. Pass nil for hc to use a default client.
func New(cfg Config, hc *http.Client, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	policy := retry.Default(IsRetriable)
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseBackoff > 0 {
		policy.BaseDelay = cfg.BaseBackoff
	}

	return &Client{
		cfg:    cfg,
		http:   hc,
		policy: policy,
		logger: logger,
	}
}

// IsRetriable reports whether err is a rate-limit, temporary-unavailable,
// timeout or network failure.
func IsRetriable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return errors.Is(err, ErrUnavailable)
}

// GetMarket fetches a single market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	endpoint, err := buildURL(c.cfg.MetadataURL, "/api/v1/market/"+url.PathEscape(ticker), nil)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, "market", endpoint)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, ticker)
		}
		return nil, err
	}

	m, err := decodeMarket(body)
	if err != nil {
		return nil, err
	}
	if m.Ticker == "" {
		m.Ticker = ticker
	}
	return m, nil
}

// GetQuote requests a quote converting amount (scaled integer units of
// inputMint) into outputMint.
func (c *Client) GetQuote(ctx context.Context, inputMint, outputMint string, amount int64) (*Quote, error) {
	endpoint, err := buildURL(c.cfg.TradingURL, "/order", url.Values{
		"inputMint":  {inputMint},
		"outputMint": {outputMint},
		"amount":     {strconv.FormatInt(amount, 10)},
	})
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, "quote", endpoint)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == CodeRouteNotFound {
			return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, se.Message)
		}
		return nil, err
	}
	return decodeQuote(body)
}

// get performs a GET with per-attempt timeout and the retry policy.
func (c *Client) get(ctx context.Context, op, endpoint string) ([]byte, error) {
	policy := c.policy
	policy.OnRetry = func(attempt int, err error) {
		metrics.GatewayRetries.WithLabelValues(op).Inc()
		c.logger.Warn("gateway retry", "op", op, "attempt", attempt, "err", err)
	}

	start := time.Now()
	var body []byte
	err := policy.Do(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := c.attempt(ctx, endpoint)
		if err != nil {
			return err
		}
		body = b
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.GatewayLatency.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	return body, err
}

func (c *Client) attempt(ctx context.Context, endpoint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, parseStatusError(resp.StatusCode, body)
}

func parseStatusError(status int, body []byte) *StatusError {
	se := &StatusError{StatusCode: status}
	var payload struct {
		Code    json.RawMessage `json:"code"`
		Msg     string          `json:"msg"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if len(payload.Code) > 0 {
			var code string
			if json.Unmarshal(payload.Code, &code) == nil {
				se.Code = code
			} else {
				se.Code = string(payload.Code)
			}
		}
		switch {
		case payload.Msg != "":
			se.Message = payload.Msg
		case payload.Message != "":
			se.Message = payload.Message
		default:
			se.Message = payload.Error
		}
	}
	return se
}

func decodeMarket(body []byte) (*Market, error) {
	var envelope struct {
		Market json.RawMessage `json:"market"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: market: %v", ErrMalformedResponse, err)
	}

	payload := body
	if len(envelope.Market) > 0 && !bytes.Equal(envelope.Market, []byte("null")) {
		payload = envelope.Market
	}

	m := &Market{}
	if err := json.Unmarshal(payload, m); err != nil {
		return nil, fmt.Errorf("%w: market: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(m.Status) == "" {
		return nil, fmt.Errorf("%w: market status missing", ErrMalformedResponse)
	}
	return m, nil
}

func decodeQuote(body []byte) (*Quote, error) {
	var q Quote
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("%w: quote: %v", ErrMalformedResponse, err)
	}
	if q.InAmount == "" || q.OutAmount == "" {
		return nil, fmt.Errorf("%w: quote amounts missing", ErrMalformedResponse)
	}
	q.Raw = json.RawMessage(body)
	return &q, nil
}

func buildURL(base, path string, query url.Values) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", fmt.Errorf("gateway: invalid url: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
