package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "product-ingest:classify:"

// Cache stores model decisions so re-crawls of unchanged pages skip the model.
type Cache interface {
	Get(ctx context.Context, url, content string) (Decision, bool)
	Put(ctx context.Context, url, content string, d Decision)
}

// RedisCache is a Cache backed by Redis. Errors are logged and treated as
// misses; the cache never fails a classification.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    infralogger.Logger
}

// NewRedisCache creates a Redis-backed decision cache.
func NewRedisCache(client *redis.Client, ttl time.Duration, log infralogger.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func cacheKey(url, content string) string {
	sum := sha256.Sum256([]byte(url + "\x00" + content))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached decision for the page, if any.
func (c *RedisCache) Get(ctx context.Context, url, content string) (Decision, bool) {
	key := cacheKey(url, content)

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("Decision cache read failed",
				infralogger.String("url", url),
				infralogger.Error(err),
			)
		}
		return Decision{}, false
	}

	var d Decision
	if err = json.Unmarshal(data, &d); err != nil {
		c.log.Warn("Decision cache entry is corrupt",
			infralogger.String("redis_key", key),
			infralogger.Error(err),
		)
		return Decision{}, false
	}
	d.Strategy = StrategyCache
	return d, true
}

// Put stores d for the page.
func (c *RedisCache) Put(ctx context.Context, url, content string, d Decision) {
	data, err := json.Marshal(d)
	if err != nil {
		c.log.Warn("Decision cache encode failed", infralogger.Error(err))
		return
	}

	if err = c.client.Set(ctx, cacheKey(url, content), data, c.ttl).Err(); err != nil {
		c.log.Warn("Decision cache write failed",
			infralogger.String("url", url),
			infralogger.Error(fmt.Errorf("set decision: %w", err)),
		)
	}
}
