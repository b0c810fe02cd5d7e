package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/logger"
)

// releaseScript deletes a lock only if it still carries the caller's token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisCache caches validated model responses and holds per-document run
// locks
type RedisCache struct {
	client *redis.Client
	config *Config
	logger *logger.Logger
	stats  *cacheStats
	owner  string
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// New connects to Redis and verifies the connection
func New(config *Config, log *logger.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	rc := newWithClient(redis.NewClient(opts), config, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.ping(ctx); err != nil {
		_ = rc.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rc.logger.Info("Redis cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("default_ttl", config.DefaultTTL),
		zap.Duration("lock_ttl", config.LockTTL))

	return rc, nil
}

func newWithClient(client *redis.Client, config *Config, log *logger.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		config: config,
		logger: log.WithComponent("cache"),
		stats:  &cacheStats{},
		owner:  uuid.NewString(),
	}
}

// ping tests the Redis connection
func (rc *RedisCache) ping(ctx context.Context) error {
	_, err := rc.client.Ping(ctx).Result()
	return err
}

// Get returns the cached model response for key
func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := rc.client.Get(ctx, rc.responseKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		rc.stats.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	rc.stats.hits.Add(1)
	return data, true, nil
}

// Set stores a model response under key with the default TTL
func (rc *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := rc.client.Set(ctx, rc.responseKey(key), value, rc.config.DefaultTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache response: %w", err)
	}
	return nil
}

// Acquire takes the run lock for key. It returns false when another run
// already holds it.
func (rc *RedisCache) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := rc.client.SetNX(ctx, rc.lockKey(key), rc.owner, rc.config.LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// Release drops the run lock for key if this process still owns it
func (rc *RedisCache) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, rc.client, []string{rc.lockKey(key)}, rc.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// GetStats returns hit/miss counters and the number of keys in the database
func (rc *RedisCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:   rc.stats.hits.Load(),
		Misses: rc.stats.misses.Load(),
	}

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	keys, err := rc.client.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get key count: %w", err)
	}
	stats.TotalKeys = keys

	return stats, nil
}

// Clear removes all cached responses. Locks are left alone.
func (rc *RedisCache) Clear(ctx context.Context) error {
	iter := rc.client.Scan(ctx, 0, rc.config.KeyPrefix+"resp:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	// Delete keys in batches
	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := rc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	rc.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	if rc.client != nil {
		return rc.client.Close()
	}
	return nil
}

func (rc *RedisCache) responseKey(key string) string {
	return rc.config.KeyPrefix + "resp:" + key
}

func (rc *RedisCache) lockKey(key string) string {
	return rc.config.KeyPrefix + "lock:" + key
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
