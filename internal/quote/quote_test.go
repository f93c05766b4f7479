package quote

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/predictarena/arena-engine/internal/gateway"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func i32(v int32) *int32 { return &v }

func TestNormalize_NoLegsDefaultsToSix(t *testing.T) {
	a, err := Normalize(&gateway.Quote{InAmount: "10000000", OutAmount: "20000000"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !a.In.Equal(d("10")) || !a.Out.Equal(d("20")) {
		t.Errorf("expected 10/20, got %s/%s", a.In, a.Out)
	}
	if !a.Price().Equal(d("0.5")) {
		t.Errorf("expected price 0.5, got %s", a.Price())
	}
}

func TestNormalize_UsesFirstAndLastLeg(t *testing.T) {
	q := &gateway.Quote{
		InAmount:  "1000000000",
		OutAmount: "2500",
		RoutePlan: []gateway.RouteLeg{
			{InputMintDecimals: i32(9), OutputMintDecimals: i32(6)},
			{InputMintDecimals: i32(6), OutputMintDecimals: i32(2)},
		},
	}
	a, err := Normalize(q)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !a.In.Equal(d("1")) {
		t.Errorf("expected in=1, got %s", a.In)
	}
	if !a.Out.Equal(d("25")) {
		t.Errorf("expected out=25, got %s", a.Out)
	}
	if a.InDecimals != 9 || a.OutDecimals != 2 {
		t.Errorf("unexpected decimals %d/%d", a.InDecimals, a.OutDecimals)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name string
		q    *gateway.Quote
	}{
		{"nil", nil},
		{"non-numeric", &gateway.Quote{InAmount: "abc", OutAmount: "1"}},
		{"fractional", &gateway.Quote{InAmount: "1.5", OutAmount: "1"}},
		{"negative", &gateway.Quote{InAmount: "1", OutAmount: "-1"}},
		{"leg missing decimals", &gateway.Quote{InAmount: "1", OutAmount: "1",
			RoutePlan: []gateway.RouteLeg{{InputMintDecimals: i32(6)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Normalize(tt.q); !errors.Is(err, gateway.ErrMalformedResponse) {
				t.Errorf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestAmounts_PriceZeroOut(t *testing.T) {
	a := Amounts{In: d("10"), Out: decimal.Zero}
	if !a.Price().IsZero() {
		t.Errorf("expected zero price, got %s", a.Price())
	}
}

func TestScaleAmount(t *testing.T) {
	tests := []struct {
		in   string
		dec  int32
		want int64
	}{
		{"10", 6, 10_000_000},
		{"18.95", 6, 18_950_000},
		{"0.0000005", 6, 1},
		{"0.0000004", 6, 0},
		{"1.5", 0, 2},
		{"9223372036854.775807", 6, 9223372036854775807},
	}
	for _, tt := range tests {
		got, err := ScaleAmount(d(tt.in), tt.dec)
		if err != nil {
			t.Fatalf("ScaleAmount(%s, %d): %v", tt.in, tt.dec, err)
		}
		if got != tt.want {
			t.Errorf("ScaleAmount(%s, %d) = %d, want %d", tt.in, tt.dec, got, tt.want)
		}
	}
}

func TestScaleAmount_OutOfRange(t *testing.T) {
	for _, in := range []string{
		"9223372036854.775808",
		"18446744073719.551616",
		"1e30",
		"-9223372036854.775809",
	} {
		got, err := ScaleAmount(d(in), 6)
		if !errors.Is(err, ErrAmountOutOfRange) {
			t.Errorf("ScaleAmount(%s): expected ErrAmountOutOfRange, got %d, %v", in, got, err)
		}
	}
}
