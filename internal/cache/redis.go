package cache

import (
	"context"

	"github.com/fiskalwerk/rksv/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient connects to redis when enabled, otherwise returns nil. Every
// consumer treats a nil client as "run without the shared cache".
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		log.Info("redis disabled, running with in-process state only")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis unreachable at startup", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Module = fx.Module("cache",
	fx.Provide(NewRedisClient),
)
