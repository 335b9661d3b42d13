// Package app assembles the cart engine's runtime dependencies from config.
package app

import (
	"context"
	"fmt"

	"cartengine/internal/config"
	"cartengine/internal/db"
	cartrepo "cartengine/internal/repository/cart"
	catalogrepo "cartengine/internal/repository/catalog"
	couponrepo "cartengine/internal/repository/coupon"
	cartsvc "cartengine/internal/service/cart"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend holds the opened cart store and the optional collaborators that
// share its connections.
type Backend struct {
	Store   cartrepo.Store
	Catalog catalogrepo.Repository
	Coupons couponrepo.Repository

	pool  *pgxpool.Pool
	redis *redis.Client
}

// Open connects the configured store. Postgres is also opened for the redis
// and memory stores when cfg.CatalogDB is set.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Backend, error) {
	b := &Backend{}
	storeOpts := []cartrepo.Option{cartrepo.WithLogger(logger.Named("store"))}

	if cfg.Store == config.StorePostgres || cfg.CatalogDB {
		pool, err := db.Connect(ctx, cfg.DBConnString)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		b.pool = pool
		b.Catalog = catalogrepo.NewPostgres(pool, logger)
		b.Coupons = couponrepo.NewPostgres(pool, logger)
	}

	switch cfg.Store {
	case config.StorePostgres:
		b.Store = cartrepo.NewPostgres(b.pool, storeOpts...)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			b.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		b.redis = client
		b.Store = cartrepo.NewRedis(client, cfg.RedisPrefix, storeOpts...)
	case config.StoreMemory:
		logger.Warn("using in-memory cart store; carts are lost on restart")
		b.Store = cartrepo.NewMemory(storeOpts...)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown cart store %q", cfg.Store)
	}
	logger.Info("cart store ready", zap.String("store", cfg.Store), zap.Bool("catalog", b.Catalog != nil))
	return b, nil
}

// Ready pings every opened connection.
func (b *Backend) Ready(ctx context.Context) error {
	if b.pool != nil {
		if err := b.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// CartService builds the orchestrator over b.Store with cfg's pricing and
// retry settings.
func CartService(b *Backend, cfg config.Config, logger *zap.Logger) *cartsvc.Service {
	return cartsvc.New(b.Store, cartsvc.Options{
		Currency: cfg.Currency,
		Rules:    cfg.Pricing,
		GuestTTL: cfg.GuestTTL,
		Timeout:  cfg.MutationTimeout,
		Retry: cartsvc.RetryPolicy{
			MaxAttempts: cfg.MutationMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
		},
		Logger: logger.Named("cart"),
	})
}
