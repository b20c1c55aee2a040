package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clocktrust-service/internal/pipeline"
	"clocktrust-service/internal/util"
)

const (
	employeeLockPrefix = "clock_lock:"
	lockRetryInterval  = 25 * time.Millisecond
)

// releaseScript deletes the lock only while it still holds our token, so an
// expired lock taken over by another instance is left alone.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockCache is a distributed per-employee lock. It satisfies pipeline.Locker.
type LockCache struct {
	client Store
	ttl    time.Duration
	wait   time.Duration
}

func NewLockCache(client Store, ttl, wait time.Duration) *LockCache {
	return &LockCache{client: client, ttl: ttl, wait: wait}
}

// Lock polls SETNX until it wins, ctx ends or the wait budget runs out.
func (c *LockCache) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := employeeLockPrefix + key
	token := uuid.NewString()

	if c.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.wait)
		defer cancel()
	}

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := c.client.SetNX(ctx, lockKey, token, c.ttl)
		if err != nil && ctx.Err() == nil {
			util.Error("Failed to acquire employee lock", zap.String("key", key), zap.Error(err))
			return nil, fmt.Errorf("failed to acquire employee lock: %w", err)
		}
		if ok {
			util.Debug("Employee lock acquired", zap.String("key", key), zap.Duration("ttl", c.ttl))
			return c.releaser(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *LockCache) releaser(lockKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { c.release(lockKey, token) })
	}
}

func (c *LockCache) release(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.client.Eval(ctx, releaseScript, []string{lockKey}, token)
	if err != nil {
		util.Warn("Failed to release employee lock", zap.String("key", lockKey), zap.Error(err))
		return
	}
	if n, ok := res.(int64); ok && n == 0 {
		util.Warn("Employee lock expired before release", zap.String("key", lockKey), zap.Duration("ttl", c.ttl))
	}
}
