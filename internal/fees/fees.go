// Package fees implements the trading fee charged on every buy and sell.
//
// For a fill of c contracts at price p (dollars per contract, 0 < p < 1):
//
//	fee(c, p) = ceil(0.07 · c · p · (1-p)) + 0.01 · c · p · (1-p)
//
// The first component is rounded up so fractional truncation never
// under-charges; the second is left continuous. The fee is denominated in
// contracts. Callers persist the Breakdown total so the charged fee can be
// audited from the trade record without recomputation.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/model"
)

var (
	// ErrNonPositiveContracts is returned when the fill quantity is <= 0.
	ErrNonPositiveContracts = errors.New("fees: contracts must be positive")

	// ErrDegeneratePrice is returned when the price is outside (0, 1).
	// At p = 0 or p = 1 the fee collapses to zero and the market is
	// effectively resolved, so such fills are rejected upstream.
	ErrDegeneratePrice = errors.New("fees: price must be strictly between 0 and 1")

	// RoundedRate is the coefficient of the ceiled component.
	RoundedRate = decimal.RequireFromString("0.07")

	// ContinuousRate is the coefficient of the continuous component.
	ContinuousRate = decimal.RequireFromString("0.01")

	one = decimal.NewFromInt(1)
)

// Breakdown exposes both fee components and their total.
type Breakdown struct {
	Contracts         decimal.Decimal `json:"contracts"`
	Price             decimal.Decimal `json:"price"`
	ProbabilityFactor decimal.Decimal `json:"probability_factor"` // p · (1-p)
	Component1        decimal.Decimal `json:"component1"`         // ceil(0.07 · c · p(1-p))
	Component2        decimal.Decimal `json:"component2"`         // 0.01 · c · p(1-p)
	Total             decimal.Decimal `json:"total"`
}

// Calculate computes the fee breakdown for contracts filled at price.
// It is pure: identical inputs always produce identical breakdowns.
// Total is rounded to model.Scale so it can be persisted verbatim.
func Calculate(contracts, price decimal.Decimal) Breakdown {
	pf := price.Mul(one.Sub(price))
	base := contracts.Mul(pf)

	c1 := RoundedRate.Mul(base).Ceil()
	c2 := ContinuousRate.Mul(base)

	return Breakdown{
		Contracts:         contracts,
		Price:             price,
		ProbabilityFactor: pf,
		Component1:        c1,
		Component2:        c2,
		Total:             c1.Add(c2).Round(model.Scale),
	}
}

// Validate checks that a fill is eligible for fee computation.
func Validate(contracts, price decimal.Decimal) error {
	if !contracts.IsPositive() {
		return ErrNonPositiveContracts
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(one) {
		return ErrDegeneratePrice
	}
	return nil
}

// ToDollars converts a fee in contract units to dollars at price.
func (b Breakdown) ToDollars() decimal.Decimal {
	return b.Total.Mul(b.Price)
}
