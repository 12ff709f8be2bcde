package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

const redisKeyPrefix = "sbs:normalize:"

// CacheStats represents cache performance statistics
type CacheStats struct {
	MemoryHits   int64     `json:"memory_hits"`
	MemoryMisses int64     `json:"memory_misses"`
	RedisHits    int64     `json:"redis_hits"`
	RedisMisses  int64     `json:"redis_misses"`
	Writes       int64     `json:"writes"`
	Errors       int64     `json:"errors"`
	LastReset    time.Time `json:"last_reset"`
}

// Cache is a two-tier description cache: an in-process expirable LRU backed
// by an optional Redis instance. Only positive results are stored.
type Cache struct {
	memory *expirable.LRU[string, domain.NormalizationResult]
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger

	statsMu sync.Mutex
	stats   CacheStats
}

// cachedResult is the Redis payload.
type cachedResult struct {
	Result   domain.NormalizationResult `json:"result"`
	CachedAt time.Time                  `json:"cached_at"`
}

// NewCache creates a description cache. redisClient may be nil.
func NewCache(config domain.CacheConfig, redisClient *redis.Client, logger *logrus.Logger) *Cache {
	if config.MemoryItems <= 0 {
		config.MemoryItems = 10000
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 24 * time.Hour
	}
	return &Cache{
		memory: expirable.NewLRU[string, domain.NormalizationResult](config.MemoryItems, nil, config.DefaultTTL),
		redis:  redisClient,
		ttl:    config.DefaultTTL,
		logger: logger,
		stats:  CacheStats{LastReset: time.Now()},
	}
}

// NewRedisClient connects to Redis using the cache configuration.
func NewRedisClient(config domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Get returns the cached result for a description key.
func (c *Cache) Get(ctx context.Context, key string) (*domain.NormalizationResult, bool) {
	if r, ok := c.memory.Get(key); ok {
		c.record(func(s *CacheStats) { s.MemoryHits++ })
		return &r, true
	}
	c.record(func(s *CacheStats) { s.MemoryMisses++ })

	if c.redis == nil {
		return nil, false
	}

	val, err := c.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		c.record(func(s *CacheStats) { s.RedisMisses++ })
		return nil, false
	}
	if err != nil {
		c.record(func(s *CacheStats) { s.Errors++ })
		c.logger.WithError(err).WithField("key", key).Warn("Redis cache read failed")
		return nil, false
	}

	var cached cachedResult
	if err := json.Unmarshal(val, &cached); err != nil {
		c.redis.Del(ctx, redisKeyPrefix+key)
		c.record(func(s *CacheStats) { s.RedisMisses++ })
		return nil, false
	}

	c.record(func(s *CacheStats) { s.RedisHits++ })
	c.memory.Add(key, cached.Result)
	return &cached.Result, true
}

// Set stores a result in both tiers.
func (c *Cache) Set(ctx context.Context, key string, result *domain.NormalizationResult) {
	if result == nil {
		return
	}
	c.memory.Add(key, *result)
	c.record(func(s *CacheStats) { s.Writes++ })

	if c.redis == nil {
		return
	}
	data, err := json.Marshal(cachedResult{Result: *result, CachedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		c.record(func(s *CacheStats) { s.Errors++ })
		c.logger.WithError(err).WithField("key", key).Warn("Redis cache write failed")
	}
}

// Invalidate removes a key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.memory.Remove(key)
	if c.redis != nil {
		c.redis.Del(ctx, redisKeyPrefix+key)
	}
}

// Len returns the number of entries in the memory tier.
func (c *Cache) Len() int {
	return c.memory.Len()
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() CacheStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Cache) record(f func(*CacheStats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}
