package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-indexer/internal/api"
	"github.com/atmx/perp-indexer/internal/chain"
	"github.com/atmx/perp-indexer/internal/config"
	"github.com/atmx/perp-indexer/internal/consumer"
	"github.com/atmx/perp-indexer/internal/model"
	"github.com/atmx/perp-indexer/internal/projection"
	"github.com/atmx/perp-indexer/internal/reconcile"
	"github.com/atmx/perp-indexer/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { _ = rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.AssetsJSON != "" {
		if err := seedAssets(ctx, st, cfg.AssetsJSON); err != nil {
			slog.Error("asset seeding failed", "err", err)
			os.Exit(1)
		}
	}

	// --- Chain side ---
	client := chain.NewClient(cfg.ChainHTTPURL, cfg.ContractAddr, int64(cfg.RPCConc))
	gateway := chain.NewGateway(cfg.ChainWSURL, cfg.ContractAddr, cfg.WatchdogTimeout)

	// --- Projection ---
	machine := projection.NewMachine(st)
	hub := api.NewWSHub()
	go hub.Run()
	machine.OnChange(hub.BroadcastPosition)

	rec := reconcile.New(st, client, cfg.RPCConc, cfg.DBConc)
	backfill := reconcile.NewBackfill(st, client, rec, cfg.BackfillChunk, cfg.BackfillPage)

	// One full gap scan before the consumers settle in.
	go func() {
		if _, err := backfill.Run(ctx); err != nil {
			slog.Warn("startup backfill incomplete", "err", err)
		}
	}()

	// --- Consumers: four independent failure domains ---
	var wg sync.WaitGroup
	for _, kind := range chain.Kinds {
		cc := consumer.Config{}
		if kind == chain.KindOpened {
			cc.Backfill = backfill
		}
		c := consumer.New(kind, gateway, machine, cc)
		wg.Add(1)
		go func(kind chain.EventKind) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil {
				slog.Error("consumer exited", "kind", kind.String(), "err", err)
			}
		}(kind)
	}

	// --- Read API ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewServer(st, rec, hub).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("perp-indexer listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down perp-indexer...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	wg.Wait()
}

// seedAssets upserts the static asset metadata from the ASSETS_JSON
// env payload.
func seedAssets(ctx context.Context, st store.Store, payload string) error {
	var assets []model.Asset
	if err := json.Unmarshal([]byte(payload), &assets); err != nil {
		return err
	}
	for i := range assets {
		if err := st.UpsertAsset(ctx, &assets[i]); err != nil {
			return err
		}
		slog.Info("asset seeded", "asset", assets[i].ID, "symbol", assets[i].Symbol)
	}
	return nil
}
