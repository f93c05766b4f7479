// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
)

// Config is passed explicitly to every component at construction.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigin  string `env:"CORS_ORIGIN" envDefault:"*"`

	// DatabaseURL selects PostgreSQL; empty runs on the in-memory store.
	DatabaseURL string        `env:"DATABASE_URL"`
	LockTimeout time.Duration `env:"DB_LOCK_TIMEOUT" envDefault:"5s"`

	// RedisURL backs the leaderboard market cache; empty keeps it in process.
	RedisURL       string        `env:"REDIS_URL"`
	MarketCacheTTL time.Duration `env:"MARKET_CACHE_TTL" envDefault:"30s"`
	LeaderboardTTL time.Duration `env:"LEADERBOARD_TTL" envDefault:"5s"`

	MetadataURL     string        `env:"DFLOW_METADATA_API_URL" envDefault:"https://dev-prediction-markets-api.dflow.net"`
	TradingURL      string        `env:"DFLOW_TRADE_API_URL" envDefault:"https://dev-quote-api.dflow.net"`
	APIKey          string        `env:"DFLOW_API_KEY"`
	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`
	GatewayAttempts int           `env:"GATEWAY_MAX_ATTEMPTS" envDefault:"3"`
	GatewayBackoff  time.Duration `env:"GATEWAY_BASE_BACKOFF" envDefault:"500ms"`

	CollateralMint  string          `env:"USDC_MINT" envDefault:"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"`
	StartingBalance decimal.Decimal `env:"STARTING_BALANCE" envDefault:"1000"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.CollateralMint == "" {
		errs = append(errs, errors.New("USDC_MINT must not be empty"))
	}
	if c.MetadataURL == "" || c.TradingURL == "" {
		errs = append(errs, errors.New("DFLOW_METADATA_API_URL and DFLOW_TRADE_API_URL are required"))
	}
	if c.StartingBalance.IsNegative() {
		errs = append(errs, fmt.Errorf("STARTING_BALANCE must not be negative, got %s", c.StartingBalance))
	}
	if c.GatewayAttempts < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1, got %d", c.GatewayAttempts))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
