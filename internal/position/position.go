// Package position implements the average-price accumulator for holdings.
// All quantities and prices use shopspring/decimal.
package position

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveFill is returned when a fill has no quantity.
	ErrNonPositiveFill = errors.New("position: fill quantity must be positive")

	// ErrInsufficientContracts is returned when reducing by more than is held.
	ErrInsufficientContracts = errors.New("position: insufficient contracts")
)

// Holding is a quantity held at an average entry price.
type Holding struct {
	Contracts decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Empty reports whether nothing is held.
func (h Holding) Empty() bool {
	return !h.Contracts.IsPositive()
}

// Cost is the total entry cost of the holding.
func (h Holding) Cost() decimal.Decimal {
	return h.Contracts.Mul(h.AvgPrice)
}

// Accumulate adds qty contracts bought at price, producing the weighted
// average entry price. An empty holding takes price as its average.
func Accumulate(h Holding, qty, price decimal.Decimal) (Holding, error) {
	if !qty.IsPositive() {
		return h, ErrNonPositiveFill
	}
	if h.Empty() {
		return Holding{Contracts: qty, AvgPrice: price}, nil
	}
	total := h.Contracts.Add(qty)
	avg := h.Cost().Add(qty.Mul(price)).DivRound(total, 16)
	return Holding{Contracts: total, AvgPrice: avg}, nil
}

// Reduction is the outcome of a sell against a holding.
type Reduction struct {
	Holding Holding
	// Closed means the remainder is zero and the row must be deleted.
	Closed bool
}

// Reduce removes qty contracts. The average price is unchanged.
func Reduce(h Holding, qty decimal.Decimal) (Reduction, error) {
	if !qty.IsPositive() {
		return Reduction{Holding: h}, ErrNonPositiveFill
	}
	if qty.GreaterThan(h.Contracts) {
		return Reduction{Holding: h}, ErrInsufficientContracts
	}
	remaining := h.Contracts.Sub(qty)
	if !remaining.IsPositive() {
		return Reduction{Holding: Holding{Contracts: decimal.Zero, AvgPrice: h.AvgPrice}, Closed: true}, nil
	}
	return Reduction{Holding: Holding{Contracts: remaining, AvgPrice: h.AvgPrice}}, nil
}
