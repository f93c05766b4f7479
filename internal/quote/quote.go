// Package quote converts upstream quotes from scaled integer token units
// into decimal amounts.
package quote

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/gateway"
)

// DefaultDecimals applies to both sides of a quote with no route legs.
const DefaultDecimals int32 = 6

// ErrAmountOutOfRange is returned when an amount does not fit in the
// upstream's int64 token units.
var ErrAmountOutOfRange = errors.New("quote: amount out of range")

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// Amounts is a normalized quote.
type Amounts struct {
	In  decimal.Decimal
	Out decimal.Decimal

	InDecimals  int32
	OutDecimals int32
}

// Price is the input paid per unit of output. Zero when Out is zero.
func (a Amounts) Price() decimal.Decimal {
	if a.Out.IsZero() {
		return decimal.Zero
	}
	return a.In.Div(a.Out)
}

// Normalize scales q's amounts by the decimals of the route's first input
// and last output token.
func Normalize(q *gateway.Quote) (Amounts, error) {
	if q == nil {
		return Amounts{}, fmt.Errorf("%w: nil quote", gateway.ErrMalformedResponse)
	}

	inDec, outDec, err := routeDecimals(q.RoutePlan)
	if err != nil {
		return Amounts{}, err
	}

	in, err := parseScaled("inAmount", q.InAmount, inDec)
	if err != nil {
		return Amounts{}, err
	}
	out, err := parseScaled("outAmount", q.OutAmount, outDec)
	if err != nil {
		return Amounts{}, err
	}

	return Amounts{In: in, Out: out, InDecimals: inDec, OutDecimals: outDec}, nil
}

func routeDecimals(legs []gateway.RouteLeg) (int32, int32, error) {
	if len(legs) == 0 {
		return DefaultDecimals, DefaultDecimals, nil
	}
	first, last := legs[0], legs[len(legs)-1]
	if first.InputMintDecimals == nil || last.OutputMintDecimals == nil {
		return 0, 0, fmt.Errorf("%w: route leg missing mint decimals", gateway.ErrMalformedResponse)
	}
	in, out := *first.InputMintDecimals, *last.OutputMintDecimals
	if in < 0 || out < 0 || in > 18 || out > 18 {
		return 0, 0, fmt.Errorf("%w: mint decimals out of range (%d, %d)", gateway.ErrMalformedResponse, in, out)
	}
	return in, out, nil
}

func parseScaled(field, raw string, decimals int32) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a number", gateway.ErrMalformedResponse, field, raw)
	}
	if !v.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not an integer", gateway.ErrMalformedResponse, field, raw)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s %q is negative", gateway.ErrMalformedResponse, field, raw)
	}
	return v.Shift(-decimals), nil
}

// ScaleAmount converts a decimal amount into integer token units, rounding
// half away from zero.
func ScaleAmount(d decimal.Decimal, decimals int32) (int64, error) {
	units := d.Shift(decimals).Round(0)
	if units.Abs().GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, d.String())
	}
	return units.IntPart(), nil
}
