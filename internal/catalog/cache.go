package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sentryal/insar-pipeline/internal/insar"
)

// CacheConfig controls the Redis read-through cache.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// CachedSource wraps a PointSource with a Redis read-through cache. Point
// sets change rarely relative to how often jobs reference them, and cache
// trouble degrades to an origin fetch rather than an error.
type CachedSource struct {
	source insar.PointSource
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedSource constructs a CachedSource.
func NewCachedSource(cfg CacheConfig, source insar.PointSource, logger *zap.Logger) (*CachedSource, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if source == nil {
		return nil, fmt.Errorf("point source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &CachedSource{source: source, rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Close releases the Redis connection.
func (c *CachedSource) Close() error {
	return c.rdb.Close()
}

func cacheKey(infrastructureID string) string {
	return "insar:points:" + infrastructureID
}

// Points returns the cached point set, falling back to the origin on a miss
// or any cache error.
func (c *CachedSource) Points(ctx context.Context, infrastructureID string) ([]insar.Point, error) {
	key := cacheKey(infrastructureID)
	cached, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var points []insar.Point
		if err := json.Unmarshal(cached, &points); err == nil {
			return points, nil
		}
		c.logger.Warn("dropping corrupt cache entry", zap.String("key", key))
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.logger.Warn("delete cache entry", zap.String("key", key), zap.Error(err))
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("points cache read failed", zap.String("key", key), zap.Error(err))
	}

	points, err := c.source.Points(ctx, infrastructureID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(points)
	if err == nil {
		if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("points cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return points, nil
}
