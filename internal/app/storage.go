package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/oolio-pos/internal/cache"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
	"github.com/xenking/oolio-pos/internal/domain/promotion"
	"github.com/xenking/oolio-pos/internal/domain/settlement"
	"github.com/xenking/oolio-pos/internal/seed"
	"github.com/xenking/oolio-pos/internal/storage/memory"
	"github.com/xenking/oolio-pos/internal/storage/postgres"
	"github.com/xenking/oolio-pos/pkg/health"
)

// backends are the collaborators of the register, either PostgreSQL-backed
// or in memory.
type backends struct {
	inventory inventory.Inventory
	sales     settlement.SaleStore
	ledger    settlement.Ledger
	catalog   promotion.Catalog

	checks  []health.Check
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, lg *zap.Logger, cfg *Config) (_ *backends, rerr error) {
	b := &backends{}
	defer func() {
		if rerr != nil {
			b.close()
		}
	}()

	if cfg.DatabaseURL == "" {
		if err := b.openMemory(lg, cfg); err != nil {
			return nil, err
		}
	} else if err := b.openPostgres(ctx, lg, cfg); err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		client := redis.NewClient(opts)
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.checks = append(b.checks, health.Check{
			Name:    "redis",
			Kind:    health.Readiness,
			Timeout: 2 * time.Second,
			Func:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		b.catalog = cache.NewPromotionCache(client, b.catalog, cache.PromotionOptions{
			Logger: lg.Named("promo_cache"),
			TTL:    cfg.PromoCache.TTL,
			Jitter: cfg.PromoCache.Jitter,
		})
		lg.Info("Promotion cache enabled", zap.Duration("ttl", cfg.PromoCache.TTL))
	}
	return b, nil
}

func (b *backends) openMemory(lg *zap.Logger, cfg *Config) error {
	var catalog seed.Catalog
	if cfg.Demo {
		c, err := seed.Default()
		if err != nil {
			return errors.Wrap(err, "load demo catalog")
		}
		catalog = *c
	}
	b.inventory = memory.NewInventory(catalog.Products...)
	b.catalog = memory.NewPromotions(catalog.Promotions...)
	b.sales = memory.NewSaleStore()
	b.ledger = memory.NewRegister(cfg.Register.OpenOnStart)
	lg.Warn("No database configured, sales are kept in memory", zap.Bool("demo", cfg.Demo))
	return nil
}

func (b *backends) openPostgres(ctx context.Context, lg *zap.Logger, cfg *Config) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	b.closers = append(b.closers, pool.Close)

	if err := postgres.RunMigrations(pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	register := postgres.NewRegisterRepository(pool, cfg.Register.ID)
	if cfg.Register.OpenOnStart {
		id, err := register.Open(ctx)
		switch {
		case errors.Is(err, postgres.ErrSessionAlreadyOpen):
			lg.Info("Register session already open", zap.String("register", cfg.Register.ID))
		case err != nil:
			return errors.Wrap(err, "open register")
		default:
			lg.Info("Register session opened", zap.String("register", cfg.Register.ID), zap.String("session", id))
		}
	}

	b.inventory = postgres.NewInventoryRepository(pool)
	b.sales = postgres.NewSaleRepository(pool)
	b.ledger = register
	b.catalog = postgres.NewPromotionRepository(pool)
	b.checks = append(b.checks, health.Check{
		Name:    "postgres",
		Kind:    health.Readiness,
		Timeout: 5 * time.Second,
		Func:    health.PingCheck(pool),
	})
	return nil
}
