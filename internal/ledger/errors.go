package ledger

import (
	"errors"

	"github.com/predictarena/arena-engine/internal/contract"
	"github.com/predictarena/arena-engine/internal/gateway"
	"github.com/predictarena/arena-engine/internal/store"
)

// Kind classifies a settlement error so callers can decide whether to
// retry, adjust, or abandon an operation.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPrecondition
	KindUpstream
	KindNoRoute
	KindConflict
	// KindBadUpstream is an upstream payload that failed shape checks.
	// Repeating the request returns the same payload.
	KindBadUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindPrecondition:
		return "PRECONDITION"
	case KindUpstream:
		return "UPSTREAM"
	case KindNoRoute:
		return "NO_ROUTE"
	case KindConflict:
		return "CONFLICT"
	case KindBadUpstream:
		return "BAD_UPSTREAM"
	default:
		return "INTERNAL"
	}
}

// Retriable reports whether the same request may succeed if repeated.
func (k Kind) Retriable() bool {
	return k == KindUpstream || k == KindConflict
}

// Validation errors: rejected before any upstream call.
var (
	ErrInvalidSide      = errors.New("ledger: side must be YES or NO")
	ErrInvalidAmount    = errors.New("ledger: invalid amount")
	ErrInvalidContracts = errors.New("ledger: invalid contracts")
	ErrInvalidTicker    = errors.New("ledger: invalid market ticker")
)

// Precondition errors: rejected after the market read, before any mutation.
var (
	ErrMarketNotFound        = errors.New("ledger: market not found")
	ErrMarketNotTradable     = errors.New("ledger: market is not tradable")
	ErrMarketNotResolved     = errors.New("ledger: market is not resolved")
	ErrResultUnavailable     = errors.New("ledger: market result unavailable")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrPositionNotFound      = errors.New("ledger: position not found")
	ErrInsufficientContracts = errors.New("ledger: insufficient contracts")
	ErrNoPositionsToRedeem   = errors.New("ledger: no positions to redeem")
	ErrZeroNetOutput         = errors.New("ledger: trade results in zero net output")
	ErrDegeneratePrice       = errors.New("ledger: execution price must be strictly between 0 and 1")
	ErrInvalidQuote          = errors.New("ledger: invalid quote output amount")
)

// Upstream errors.
var (
	ErrMarketUnavailable = errors.New("ledger: market data unavailable")
	ErrQuoteUnavailable  = errors.New("ledger: quote unavailable")
	ErrNoLiquidityRoute  = errors.New("ledger: no liquidity route for this trade")
	ErrMalformedUpstream = errors.New("ledger: malformed upstream response")
)

// ErrStoreConflict is returned when the store transaction lost a lock race
// and was rolled back.
var ErrStoreConflict = errors.New("ledger: concurrent update, retry")

// ErrBalanceMissing means an existing agent has no balance row.
var ErrBalanceMissing = errors.New("ledger: agent balance not found")

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidSide, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidContracts, KindValidation},
	{ErrInvalidTicker, KindValidation},
	{contract.ErrEmptyTicker, KindValidation},
	{contract.ErrInvalidTicker, KindValidation},

	{ErrMarketNotFound, KindPrecondition},
	{ErrMarketNotTradable, KindPrecondition},
	{ErrMarketNotResolved, KindPrecondition},
	{ErrResultUnavailable, KindPrecondition},
	{ErrInsufficientBalance, KindPrecondition},
	{ErrPositionNotFound, KindPrecondition},
	{ErrInsufficientContracts, KindPrecondition},
	{ErrNoPositionsToRedeem, KindPrecondition},
	{ErrZeroNetOutput, KindPrecondition},
	{ErrDegeneratePrice, KindPrecondition},
	{ErrInvalidQuote, KindPrecondition},

	{ErrNoLiquidityRoute, KindNoRoute},
	{ErrMarketUnavailable, KindUpstream},
	{ErrQuoteUnavailable, KindUpstream},
	{ErrMalformedUpstream, KindBadUpstream},

	{ErrStoreConflict, KindConflict},
	{store.ErrConflict, KindConflict},
}

// KindOf classifies err. Unrecognized errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, gateway.ErrRouteNotFound) {
		return KindNoRoute
	}
	return KindInternal
}

// Code is a stable machine-readable identifier for err.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return KindOf(err).String()
}

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidSide, "INVALID_SIDE"},
	{ErrInvalidAmount, "INVALID_AMOUNT"},
	{ErrInvalidContracts, "INVALID_CONTRACTS"},
	{ErrInvalidTicker, "INVALID_TICKER"},
	{ErrMarketNotFound, "MARKET_NOT_FOUND"},
	{ErrMarketNotTradable, "MARKET_NOT_TRADABLE"},
	{ErrMarketNotResolved, "MARKET_NOT_RESOLVED"},
	{ErrResultUnavailable, "RESULT_UNAVAILABLE"},
	{ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
	{ErrPositionNotFound, "POSITION_NOT_FOUND"},
	{ErrInsufficientContracts, "INSUFFICIENT_CONTRACTS"},
	{ErrNoPositionsToRedeem, "NO_POSITIONS_TO_REDEEM"},
	{ErrZeroNetOutput, "ZERO_NET_OUTPUT"},
	{ErrDegeneratePrice, "DEGENERATE_PRICE"},
	{ErrInvalidQuote, "INVALID_QUOTE"},
	{ErrMarketUnavailable, "MARKET_UNAVAILABLE"},
	{ErrQuoteUnavailable, "QUOTE_UNAVAILABLE"},
	{ErrNoLiquidityRoute, "NO_LIQUIDITY_ROUTE"},
	{ErrMalformedUpstream, "MALFORMED_UPSTREAM_RESPONSE"},
	{ErrStoreConflict, "STORE_CONFLICT"},
	{ErrBalanceMissing, "INTERNAL"},
}
