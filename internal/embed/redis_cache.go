package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/pkg/logger"
)

// RedisCache shares the embedding cache across instances. Failures are
// treated as misses; a flaky cache must never fail a detection.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(host string, port int, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis embedding cache initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, fmt.Sprintf("embedding:%s", key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logger.Warn("Failed to read embedding cache", zap.Error(err))
		return nil, false
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		logger.Warn("Failed to unmarshal cached embedding", zap.Error(err))
		return nil, false
	}

	logger.Debug("Embedding cache hit", zap.String("content_hash", key))
	return vector, true
}

func (c *RedisCache) Set(ctx context.Context, key string, vector []float32) {
	data, err := json.Marshal(vector)
	if err != nil {
		logger.Warn("Failed to marshal embedding", zap.Error(err))
		return
	}

	if err := c.client.Set(ctx, fmt.Sprintf("embedding:%s", key), data, c.ttl).Err(); err != nil {
		logger.Warn("Failed to write embedding cache", zap.Error(err))
	}
}
