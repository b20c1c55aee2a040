package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"clocktrust-service/internal/util"
)

const submitRateLimitPrefix = "rate_limit:submit:"

type RateLimitCache struct {
	client Store
}

func NewRateLimitCache(client Store) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// Allow counts one submission for key in a fixed window and reports whether
// the count is still within limit.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	count, err := c.client.IncrWithExpire(ctx, submitRateLimitPrefix+key, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	allowed := limit <= 0 || int(count) <= limit
	if !allowed {
		util.Warn("Submission rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit))
	}
	return allowed, int(count), nil
}
