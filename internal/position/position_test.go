package position

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAccumulate_FirstFillTakesPrice(t *testing.T) {
	h, err := Accumulate(Holding{}, d("18.95"), d("0.527704"))
	if err != nil {
		t.Fatalf("Accumulate: %v", err)
	}
	if !h.Contracts.Equal(d("18.95")) || !h.AvgPrice.Equal(d("0.527704")) {
		t.Errorf("unexpected holding %+v", h)
	}
}

func TestAccumulate_WeightedAverage(t *testing.T) {
	h := Holding{Contracts: d("10"), AvgPrice: d("0.4")}
	h, err := Accumulate(h, d("30"), d("0.6"))
	if err != nil {
		t.Fatalf("Accumulate: %v", err)
	}
	// (10*0.4 + 30*0.6) / 40 = 0.55
	if !h.Contracts.Equal(d("40")) {
		t.Errorf("expected 40 contracts, got %s", h.Contracts)
	}
	if !h.AvgPrice.Equal(d("0.55")) {
		t.Errorf("expected avg 0.55, got %s", h.AvgPrice)
	}
}

func TestAccumulate_RejectsNonPositive(t *testing.T) {
	if _, err := Accumulate(Holding{}, decimal.Zero, d("0.5")); !errors.Is(err, ErrNonPositiveFill) {
		t.Errorf("expected ErrNonPositiveFill, got %v", err)
	}
}

func TestReduce_KeepsAveragePrice(t *testing.T) {
	r, err := Reduce(Holding{Contracts: d("10"), AvgPrice: d("0.5")}, d("4"))
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if r.Closed {
		t.Error("expected holding to stay open")
	}
	if !r.Holding.Contracts.Equal(d("6")) || !r.Holding.AvgPrice.Equal(d("0.5")) {
		t.Errorf("unexpected holding %+v", r.Holding)
	}
}

func TestReduce_ClosesAtZero(t *testing.T) {
	r, err := Reduce(Holding{Contracts: d("18.95"), AvgPrice: d("0.5")}, d("18.95"))
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if !r.Closed {
		t.Error("expected closed holding")
	}
}

func TestReduce_Insufficient(t *testing.T) {
	_, err := Reduce(Holding{Contracts: d("5"), AvgPrice: d("0.5")}, d("5.000001"))
	if !errors.Is(err, ErrInsufficientContracts) {
		t.Errorf("expected ErrInsufficientContracts, got %v", err)
	}
}
