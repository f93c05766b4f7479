package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if !cfg.StartingBalance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected starting balance 1000, got %s", cfg.StartingBalance)
	}
	if cfg.GatewayAttempts != 3 || cfg.GatewayBackoff != 500*time.Millisecond {
		t.Errorf("unexpected retry defaults %d/%s", cfg.GatewayAttempts, cfg.GatewayBackoff)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Errorf("storage should default to in-process, got %q %q", cfg.DatabaseURL, cfg.RedisURL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STARTING_BALANCE", "250.5")
	t.Setenv("GATEWAY_TIMEOUT", "2s")
	t.Setenv("USDC_MINT", "mint-abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || cfg.CollateralMint != "mint-abc" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if !cfg.StartingBalance.Equal(decimal.RequireFromString("250.5")) {
		t.Errorf("expected 250.5, got %s", cfg.StartingBalance)
	}
	if cfg.GatewayTimeout != 2*time.Second {
		t.Errorf("expected 2s timeout, got %s", cfg.GatewayTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("STARTING_BALANCE", "-1")
	t.Setenv("GATEWAY_MAX_ATTEMPTS", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"STARTING_BALANCE", "GATEWAY_MAX_ATTEMPTS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %q", want, err)
		}
	}
}
