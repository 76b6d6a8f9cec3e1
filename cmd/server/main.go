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
	"github.com/spf13/cobra"

	"github.com/tribevault/clearing-engine/internal/archive"
	"github.com/tribevault/clearing-engine/internal/auth"
	"github.com/tribevault/clearing-engine/internal/bank"
	"github.com/tribevault/clearing-engine/internal/clearing"
	"github.com/tribevault/clearing-engine/internal/config"
	"github.com/tribevault/clearing-engine/internal/metrics"
	"github.com/tribevault/clearing-engine/internal/oracle"
	"github.com/tribevault/clearing-engine/internal/ratelimit"
	"github.com/tribevault/clearing-engine/internal/store"
	"github.com/tribevault/clearing-engine/internal/waterfall"
)

func main() {
	root := &cobra.Command{
		Use:   "clearing-engine",
		Short: "Perpetual futures clearing engine on a virtual AMM",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Analytics archive ---
	var sink *archive.Archive
	if cfg.ClickHouseDSN != "" {
		var err error
		sink, err = archive.Open(ctx, cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse connection failed: %w", err)
		}
		cleanup = append(cleanup, func() { sink.Close() })
		slog.Info("ClickHouse archive enabled")
	}

	// --- Engine collaborators ---
	ledger := bank.NewLedger()
	fund := waterfall.New(ledger)
	registry := auth.NewRegistry(cfg.Owner)
	feed := oracle.NewFeed()

	// Re-register fee bookkeeping for markets surviving a restart.
	if markets, err := st.ListMarkets(ctx); err == nil {
		for _, m := range markets {
			fund.RegisterMarket(m.Symbol)
			fund.SetExposure(m.Symbol, m.OpenInterestNotional.IsPositive())
		}
	}

	// --- WebSocket hub ---
	hub := clearing.NewHub()
	go hub.Run()

	// --- Clearing service ---
	svc := clearing.NewService(st, ledger, fund, registry, feed, hub, sink)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(ratelimit.New(cfg.RateLimit, cfg.RateBurst).Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"clearing-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time engine events.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("clearing-engine listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down clearing-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("clearing-engine stopped")
	return nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
