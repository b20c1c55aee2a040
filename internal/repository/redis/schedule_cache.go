package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"clocktrust-service/internal/client"
	"clocktrust-service/internal/model"
	"clocktrust-service/internal/util"
)

const schedulePrefix = "schedule:"

// ScheduleStore is the durable schedule source behind the cache.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, employeeID string) (*model.WeeklySchedule, error)
	PutSchedule(ctx context.Context, s *model.WeeklySchedule) error
}

// ScheduleCache reads through to the backing store and invalidates on write.
// Cache failures degrade to the backing store.
type ScheduleCache struct {
	client  Store
	backing ScheduleStore
	ttl     time.Duration
}

func NewScheduleCache(client Store, backing ScheduleStore, ttl time.Duration) *ScheduleCache {
	return &ScheduleCache{client: client, backing: backing, ttl: ttl}
}

func (c *ScheduleCache) GetSchedule(ctx context.Context, employeeID string) (*model.WeeklySchedule, error) {
	key := schedulePrefix + employeeID

	raw, err := c.client.Get(ctx, key)
	switch {
	case err == nil:
		var s model.WeeklySchedule
		if jsonErr := json.Unmarshal([]byte(raw), &s); jsonErr == nil {
			return &s, nil
		}
		util.Warn("Dropping unreadable cached schedule", zap.String("employee_id", employeeID))
		_ = c.client.Del(ctx, key)
	case !errors.Is(err, client.ErrCacheMiss):
		util.Warn("Schedule cache read failed", zap.String("employee_id", employeeID), zap.Error(err))
	}

	s, err := c.backing.GetSchedule(ctx, employeeID)
	if err != nil || s == nil {
		return s, err
	}

	if data, err := json.Marshal(s); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
			util.Warn("Schedule cache write failed", zap.String("employee_id", employeeID), zap.Error(err))
		}
	}
	return s, nil
}

func (c *ScheduleCache) PutSchedule(ctx context.Context, s *model.WeeklySchedule) error {
	if err := c.backing.PutSchedule(ctx, s); err != nil {
		return err
	}
	if err := c.client.Del(ctx, schedulePrefix+s.EmployeeID); err != nil {
		return fmt.Errorf("failed to invalidate cached schedule: %w", err)
	}
	return nil
}
