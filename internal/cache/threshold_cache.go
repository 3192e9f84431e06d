package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"prickless/internal/evaluator"
	"prickless/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const thresholdKeyPrefix = "prickless:user:"

// ThresholdCache 用户阈值读穿缓存（Redis，带 TTL）
// Redis 故障时直接回源，不影响告警判定
type ThresholdCache struct {
	source      evaluator.ThresholdSource
	redisClient *redis.Client
	ttl         time.Duration
	logger      *zap.Logger
}

// NewThresholdCache 创建阈值缓存
func NewThresholdCache(source evaluator.ThresholdSource, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *ThresholdCache {
	return &ThresholdCache{
		source:      source,
		redisClient: redisClient,
		ttl:         ttl,
		logger:      logger,
	}
}

func thresholdKey(userID int64) string {
	return fmt.Sprintf("%s%d:thresholds", thresholdKeyPrefix, userID)
}

// GetThresholds 先查缓存，未命中回源并写回
func (c *ThresholdCache) GetThresholds(ctx context.Context, userID int64) (*models.UserThresholds, error) {
	key := thresholdKey(userID)

	val, err := c.redisClient.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var th models.UserThresholds
		if jsonErr := json.Unmarshal(val, &th); jsonErr == nil {
			return &th, nil
		}
		c.logger.Warn("Discarding corrupt threshold cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("Threshold cache read failed, falling back to database",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}

	th, err := c.source.GetThresholds(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(th); err == nil {
		if err := c.redisClient.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Failed to cache thresholds", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return th, nil
}

// Invalidate 删除用户阈值缓存
func (c *ThresholdCache) Invalidate(ctx context.Context, userID int64) error {
	return c.redisClient.Del(ctx, thresholdKey(userID)).Err()
}
