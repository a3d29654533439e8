package repositories

import (
	"context"

	"castwave/internal/core/ports"
	"castwave/internal/infrastructure/repositories/memory"
	redisrepo "castwave/internal/infrastructure/repositories/redis"
	"castwave/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	channel     string
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to redis when enabled. An unreachable redis
// is not fatal: the factory falls back to in-process storage.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		channel:  cfg.Redis.Channel,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"address", cfg.Redis.Address,
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("using Redis repositories", "channel", cfg.Redis.Channel)
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

// UsingRedis reports whether repositories are backed by redis.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// CreateBroadcastRepository creates the broadcast state store (Redis or memory with fallback)
func (f *RepositoryFactory) CreateBroadcastRepository() ports.BroadcastStateRepository {
	if f.UsingRedis() {
		return redisrepo.NewRedisBroadcastRepository(f.redisClient, f.channel, f.logger)
	}
	return memory.NewMemoryBroadcastRepository()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
