// Package app assembles the store, price lookup, event hub and trade
// service from settings. Both the HTTP server and the CLI start here.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/sim-engine/internal/config"
	"github.com/papertrade/sim-engine/internal/events"
	"github.com/papertrade/sim-engine/internal/ledger"
	"github.com/papertrade/sim-engine/internal/prices"
	"github.com/papertrade/sim-engine/internal/store"
	"github.com/papertrade/sim-engine/internal/trade"
)

// App is a wired simulation backend.
type App struct {
	Settings config.Settings
	Store    store.Store
	Lookup   prices.Lookup
	Hub      *events.Hub
	Service  *trade.Service

	cleanup []func()
}

// SetupLogger installs a JSON slog handler writing to w at the configured
// level as the default logger.
func SetupLogger(s config.Settings, w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: s.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

// Open connects every configured backend. Without DATABASE_URL the ledger
// lives in memory; without CLICKHOUSE_DSN closes come from CSV files.
func Open(ctx context.Context, s config.Settings) (*App, error) {
	a := &App{Settings: s}

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st

	lookup, err := a.openLookup(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Lookup = lookup

	a.Hub = events.NewHub()
	a.Service = trade.NewService(ledger.New(st), s, lookup, a.Hub)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.Settings.Storage
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, a.Settings.RedisTTL())
		slog.Info("Redis cache enabled", "ttl", a.Settings.RedisTTL().String())
	}
	return st, nil
}

func (a *App) openLookup(ctx context.Context) (prices.Lookup, error) {
	cfg := a.Settings.Storage
	if cfg.ClickHouseDSN == "" {
		slog.Info("daily closes from CSV", "dir", cfg.PricesDir)
		return prices.NewCachedLookup(prices.NewCSVLookup(cfg.PricesDir)), nil
	}

	conn, err := prices.OpenClickHouse(ctx, cfg.ClickHouseDSN)
	if err != nil {
		return nil, err
	}
	a.cleanup = append(a.cleanup, func() { conn.Close() })
	slog.Info("daily closes from ClickHouse", "database", cfg.ClickHouseDatabase, "table", cfg.ClickHouseTable)

	ch := prices.NewClickHouseLookup(conn, cfg.ClickHouseDatabase, cfg.ClickHouseTable, a.Settings.Location())
	return prices.NewCachedLookup(prices.NewBreaker("clickhouse-closes", ch, 5, 30*time.Second)), nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
