package fees

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculate_SpecExample(t *testing.T) {
	// 20 contracts at 0.5: ceil(0.35) + 0.05 = 1.05
	b := Calculate(d("20"), d("0.5"))

	if !b.ProbabilityFactor.Equal(d("0.25")) {
		t.Errorf("expected probability factor 0.25, got %s", b.ProbabilityFactor)
	}
	if !b.Component1.Equal(d("1")) {
		t.Errorf("expected component1=1, got %s", b.Component1)
	}
	if !b.Component2.Equal(d("0.05")) {
		t.Errorf("expected component2=0.05, got %s", b.Component2)
	}
	if !b.Total.Equal(d("1.05")) {
		t.Errorf("expected total=1.05, got %s", b.Total)
	}
}

func TestCalculate_ComponentOneIsCeiled(t *testing.T) {
	tests := []struct {
		contracts, price string
		want             string
	}{
		{"18.95", "0.5", "1"},  // 0.331625 → 1
		{"100", "0.5", "2"},    // 1.75 → 2
		{"1", "0.1", "1"},      // 0.0063 → 1
		{"400", "0.5", "7"},    // 7.0 exactly → 7
		{"1000", "0.9", "7"},   // 6.3 → 7
		{"0.000001", "0.5", "1"},
	}
	for _, tt := range tests {
		b := Calculate(d(tt.contracts), d(tt.price))
		if !b.Component1.Equal(d(tt.want)) {
			t.Errorf("c=%s p=%s: expected component1=%s, got %s",
				tt.contracts, tt.price, tt.want, b.Component1)
		}
	}
}

func TestCalculate_SellScenario(t *testing.T) {
	b := Calculate(d("18.95"), d("0.5"))
	if !b.Total.Equal(d("1.047375")) {
		t.Errorf("expected total=1.047375, got %s", b.Total)
	}
	if !b.ToDollars().Equal(d("0.5236875")) {
		t.Errorf("expected fee dollars=0.5236875, got %s", b.ToDollars())
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	a := Calculate(d("37.123456"), d("0.4321"))
	b := Calculate(d("37.123456"), d("0.4321"))
	if !a.Total.Equal(b.Total) || !a.Component1.Equal(b.Component1) || !a.Component2.Equal(b.Component2) {
		t.Errorf("fee not deterministic: %+v vs %+v", a, b)
	}
}

func TestCalculate_NonNegative(t *testing.T) {
	for _, p := range []string{"0.01", "0.25", "0.5", "0.75", "0.99"} {
		b := Calculate(d("10"), d(p))
		if b.Total.IsNegative() {
			t.Errorf("fee should be >= 0 at p=%s, got %s", p, b.Total)
		}
		if !b.Total.IsPositive() {
			t.Errorf("fee should be > 0 for interior price %s, got %s", p, b.Total)
		}
	}
}

func TestCalculate_ZeroAtEdges(t *testing.T) {
	for _, p := range []string{"0", "1"} {
		b := Calculate(d("10"), d(p))
		if !b.Total.IsZero() {
			t.Errorf("expected zero fee at p=%s, got %s", p, b.Total)
		}
	}
	if b := Calculate(decimal.Zero, d("0.5")); !b.Total.IsZero() {
		t.Errorf("expected zero fee for zero contracts, got %s", b.Total)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(d("1"), d("0.5")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Validate(decimal.Zero, d("0.5")); err != ErrNonPositiveContracts {
		t.Errorf("expected ErrNonPositiveContracts, got %v", err)
	}
	for _, p := range []string{"0", "1", "-0.1", "1.2"} {
		if err := Validate(d("1"), d(p)); err != ErrDegeneratePrice {
			t.Errorf("expected ErrDegeneratePrice for p=%s, got %v", p, err)
		}
	}
}
