package bootstrap

import (
	"context"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	infraredis "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/redis"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/config"
	"github.com/redis/go-redis/v9"
)

// SetupRedis returns a client for the classifier decision cache, or nil
// when Redis is not configured or unreachable.
func SetupRedis(ctx context.Context, cfg *config.Config, log infralogger.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		log.Info("Redis not configured, classifier cache disabled")
		return nil
	}

	client, err := infraredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Warn("Redis not available, classifier cache disabled",
			infralogger.String("redis_address", cfg.Redis.Address),
			infralogger.Error(err),
		)
		return nil
	}

	log.Info("Redis connected", infralogger.String("redis_address", cfg.Redis.Address))
	return client
}
