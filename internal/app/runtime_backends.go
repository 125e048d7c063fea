package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/readyscope/crm-audit/internal/config"
	"github.com/readyscope/crm-audit/internal/credstore"
	"github.com/redis/go-redis/v9"
)

// NewStoreBackend builds the configured credential store. Unlike the in-memory
// backend, the redis and postgres backends verify connectivity up front so a
// misconfigured deployment fails at startup instead of on the first install.
func NewStoreBackend(ctx context.Context, cfg *config.Config) (credstore.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "", "memory":
		return credstore.NewMemoryStore(), nil
	case "redis":
		return newRedisStoreFromConfig(ctx, cfg)
	case "postgres":
		return newPostgresStoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func newRedisStoreFromConfig(ctx context.Context, cfg *config.Config) (*credstore.RedisStore, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return credstore.NewRedisStore(redisClient, credstore.RedisStoreConfig{
		Namespace: cfg.Store.Namespace,
	}), nil
}

func newPostgresStoreFromConfig(ctx context.Context, cfg *config.Config) (*credstore.PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := credstore.NewPostgresStore(pool)

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(bootCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure credential schema: %w", err)
	}
	return store, nil
}
