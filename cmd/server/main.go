package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-vault/internal/api"
	"github.com/atmx/options-vault/internal/auction"
	"github.com/atmx/options-vault/internal/config"
	"github.com/atmx/options-vault/internal/ledger"
	"github.com/atmx/options-vault/internal/metrics"
	"github.com/atmx/options-vault/internal/model"
	"github.com/atmx/options-vault/internal/options"
	"github.com/atmx/options-vault/internal/store"
	"github.com/atmx/options-vault/internal/vault"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/vault.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store setup failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- Ledger, options protocol, auction ---
	l := ledger.NewMemoryLedger()
	sim := options.NewSimulator(l, cfg.Options.Account, options.WithDisputePeriod(cfg.Options.DisputePeriod))
	for asset, price := range cfg.Options.SpotPrices {
		if err := sim.SetSpotPrice(model.AssetID(asset), price); err != nil {
			slog.Error("invalid spot price", "asset", asset, "err", err)
			os.Exit(1)
		}
	}

	clearer := auction.NewClearer(l, cfg.AuctionOwner(), st)
	switch book, err := st.GetAuctionBook(ctx); {
	case err == nil:
		clearer.Restore(book)
		slog.Info("auction book restored", "offers", len(book.Offers))
	case !errors.Is(err, store.ErrNotFound):
		slog.Error("auction book load failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Vault ---
	v, err := openVault(ctx, cfg, vault.Deps{
		Ledger:   l,
		Protocol: sim,
		Strikes: options.StepStrikeSelector{
			Spot:       sim,
			Underlying: cfg.Vault.Params.Underlying,
			Step:       cfg.Options.StrikeStep,
			OTMBps:     cfg.Options.OTMBps,
			Delta:      cfg.Options.Delta,
		},
		Pricer:     options.FlatPricer{RateBps: cfg.Options.PremiumBps, Decimals: cfg.Vault.Params.Decimals},
		Auction:    clearer,
		Store:      st,
		Publisher:  wsHub,
		ReserveBps: cfg.Vault.ReserveBps,
	})
	if err != nil {
		slog.Error("vault setup failed", "err", err)
		os.Exit(1)
	}

	svc := api.NewService(api.Deps{
		Vault:   v,
		Auction: clearer,
		Ledger:  l,
		Store:   st,
		Oracle:  sim,
		Faucet:  cfg.Server.Faucet,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"options-vault","vault":%q,"round":%d}`, v.ID(), v.State().Round)
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", wsHub.HandleWS)
	r.Mount("/api/v1", svc.Routes())

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("options-vault listening", "port", cfg.Server.Port, "vault", v.ID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down options-vault...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("options-vault stopped")
}

func setupLogger(cfg *config.Config) {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Logging.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// openStore connects PostgreSQL, optionally behind a Redis read-through
// cache, or falls back to memory.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	done := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Store.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), done, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, done, fmt.Errorf("database connection: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if cfg.Store.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			done()
			return nil, func() {}, fmt.Errorf("migrate: %w", err)
		}
	}
	slog.Info("connected to PostgreSQL")
	var st store.Store = pg

	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			done()
			return nil, func() {}, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL)
	}
	return st, done, nil
}

// openVault loads the configured vault or creates it on first start.
func openVault(ctx context.Context, cfg *config.Config, deps vault.Deps) (*vault.Vault, error) {
	if cfg.Vault.ID != "" {
		v, err := vault.Open(ctx, deps, cfg.Vault.ID)
		if err == nil {
			slog.Info("vault opened", "vault", v.ID(), "round", v.State().Round)
			return v, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	vc, err := cfg.VaultConfig()
	if err != nil {
		return nil, err
	}
	return vault.Create(ctx, deps, vault.Spec{
		ID:      cfg.Vault.ID,
		Address: cfg.Vault.Address,
		Params:  cfg.Vault.Params,
		Config:  vc,
		Roles:   cfg.Roles(),
	})
}
