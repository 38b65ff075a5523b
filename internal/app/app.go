// Package app wires the matching service from configuration. Both the API
// server and the location consumer build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/tow-matching/internal/bids"
	"github.com/example/tow-matching/internal/config"
	"github.com/example/tow-matching/internal/dispatch"
	"github.com/example/tow-matching/internal/eta"
	"github.com/example/tow-matching/internal/geo"
	httpapi "github.com/example/tow-matching/internal/http"
	"github.com/example/tow-matching/internal/ingest"
	"github.com/example/tow-matching/internal/matcher"
	"github.com/example/tow-matching/internal/payments"
	"github.com/example/tow-matching/internal/requests"
	"github.com/example/tow-matching/internal/storage"
	"github.com/example/tow-matching/internal/trips"
)

type App struct {
	Config   config.ServerConfig
	Logger   *slog.Logger
	Store    storage.Store
	Service  *matcher.Service
	Settings *config.SettingsProvider
	WS       *dispatch.WSRegistry
	// Producer is nil when no Kafka brokers are configured.
	Producer *ingest.KafkaProducer
	Checks   []httpapi.Check

	closers []func() error
}

// New connects every backing service named in cfg. Absent Postgres, Redis or
// Kafka settings fall back to in-process implementations.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, WS: dispatch.NewWSRegistry()}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	a.Checks = append(a.Checks, httpapi.Check{Name: "store", Fn: store.Ping})

	registry := storage.Registry{Store: store}
	lc := trips.NewLifecycle(store, nil)
	svc := &matcher.Service{
		DB:            store,
		Requests:      requests.NewStore(store, nil),
		Bids:          bids.NewStore(store, lc, nil),
		Trips:         lc,
		Drivers:       registry,
		Geo:           geo.NewIndex(registry),
		Payments:      payments.NoHold{},
		Logger:        logger,
		NotifyTimeout: cfg.NotifyTimeout,
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rc.Close)
		a.Checks = append(a.Checks, httpapi.Check{Name: "redis", Fn: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey, registry)
		svc.Geo = rg
		svc.Positions = rg
		logger.Info("geo index backed by redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	sinks := dispatch.Fanout{a.WS}
	if len(cfg.KafkaBrokers) > 0 {
		a.Producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaNotifyTopic)
		a.closers = append(a.closers, a.Producer.Close)
		sinks = append(sinks, a.Producer)
	}
	if cfg.NotifyEndpoint != "" {
		sinks = append(sinks, dispatch.NewPushDispatcher(cfg.NotifyEndpoint, cfg.NotifyKey))
	}
	svc.Notify = sinks

	if cfg.StripeKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeKey, cfg.StripeCurrency)
	}

	route := &eta.Fallback{Cache: eta.NewCache(cfg.ETACacheTTL)}
	if cfg.OSRMEndpoint != "" {
		route.Primary = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	svc.ETA = route

	a.Settings = config.NewSettingsProvider(storage.LoadSettings(store), logger)
	if err := a.Settings.Refresh(ctx); err != nil {
		logger.Warn("initial settings load failed, using defaults", "error", err)
	}
	svc.Settings = a.Settings

	a.Service = svc
	return a, nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return pg, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
