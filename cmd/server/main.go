package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/predictarena/arena-engine/internal/config"
	"github.com/predictarena/arena-engine/internal/gateway"
	"github.com/predictarena/arena-engine/internal/leaderboard"
	"github.com/predictarena/arena-engine/internal/ledger"
	"github.com/predictarena/arena-engine/internal/logging"
	"github.com/predictarena/arena-engine/internal/marketcache"
	"github.com/predictarena/arena-engine/internal/metrics"
	"github.com/predictarena/arena-engine/internal/store"
	"github.com/predictarena/arena-engine/internal/trade"
)

const serviceName = "arena-engine"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, serviceName, cfg.Environment)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			logger.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool, cfg.LockTimeout)
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Leaderboard market cache ---
	var cache marketcache.Cache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cache = marketcache.NewRedisCache(rdb, cfg.MarketCacheTTL, "")
		logger.Info("Redis market cache enabled")
	} else {
		cache = marketcache.NewMemoryCache(cfg.MarketCacheTTL)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Upstream gateway ---
	gw := gateway.New(gateway.Config{
		MetadataURL: cfg.MetadataURL,
		TradingURL:  cfg.TradingURL,
		APIKey:      cfg.APIKey,
		Timeout:     cfg.GatewayTimeout,
		MaxAttempts: cfg.GatewayAttempts,
		BaseBackoff: cfg.GatewayBackoff,
	}, nil, logger)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(logger)
	go wsHub.Run(ctx)

	// --- Settlement engine, leaderboard, HTTP service ---
	engine := ledger.New(ledger.Config{
		CollateralMint:  cfg.CollateralMint,
		StartingBalance: cfg.StartingBalance,
	}, gw, st, logger, wsHub)

	board := leaderboard.New(st, marketcache.NewReader(cache, gw, logger), cfg.LeaderboardTTL, logger)
	tradeSvc := trade.NewService(engine, st, board, wsHub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", cfg.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	tradeSvc.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(serviceName+" listening", "port", cfg.Port, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down " + serviceName + "...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	fmt.Println(serviceName + " stopped")
}
