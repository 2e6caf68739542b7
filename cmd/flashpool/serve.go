package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/flashpool/internal/api"
	"github.com/atmx/flashpool/internal/config"
	"github.com/atmx/flashpool/internal/flashloan"
	"github.com/atmx/flashpool/internal/limits"
	"github.com/atmx/flashpool/internal/metrics"
	"github.com/atmx/flashpool/internal/pool"
	"github.com/atmx/flashpool/internal/store"
	"github.com/atmx/flashpool/internal/swap"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
	config.Flags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	closeLog := setupLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Swap venues ---
	venues := swap.DefaultRouter(cfg.Decimals)
	for _, p := range cfg.SwapPools {
		if err := venues.ParsePool(p); err != nil {
			return err
		}
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run()
	defer hub.Stop()

	// --- Pool and loan services ---
	pools := pool.NewManager(st, pool.WithDefaults(pool.Defaults{
		FeeBps:   cfg.FeeBps,
		MinLoan:  cfg.MinLoan,
		Decimals: cfg.Decimals,
	}))
	loans := flashloan.NewController(st,
		flashloan.WithLimiter(limits.NewLoanLimiter(cfg.MaxUtilizationBps, cfg.BorrowRate, cfg.BorrowBurst)),
		flashloan.WithNotifier(hub),
	)
	svc := api.NewService(pools, loans, venues, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"flashpool"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("flashpool listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down flashpool")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

// openStore picks the ledger backend: PostgreSQL, then LevelDB, then
// memory. Redis wraps either persistent backend when configured.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	var (
		st      store.Store
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch {
	case cfg.DatabaseURL != "":
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		closers = append(closers, pgPool.Close)

		pg := store.NewPostgresStore(pgPool)
		if err := pg.Migrate(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.LevelDBPath != "":
		ldb, err := store.OpenLevelStore(cfg.LevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { ldb.Close() })
		st = ldb
		slog.Info("opened LevelDB ledger", "path", cfg.LevelDBPath)

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), cleanup, nil
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("invalid redis-url: %w", err)
		}
		rdb := redis.NewClient(opt)
		closers = append(closers, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, cleanup, nil
}
