package scylla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"clocktrust-service/internal/model"
	"clocktrust-service/internal/util"
)

type ScheduleRepository struct {
	client *ScyllaClient
}

func NewScheduleRepository(client *ScyllaClient) *ScheduleRepository {
	return &ScheduleRepository{client: client}
}

// GetSchedule returns nil when the employee has no rows.
func (r *ScheduleRepository) GetSchedule(ctx context.Context, employeeID string) (*model.WeeklySchedule, error) {
	iter := r.client.Prepared.GetSchedule.Bind(employeeID).WithContext(ctx).Iter()

	sched := &model.WeeklySchedule{EmployeeID: employeeID}
	var (
		day     model.DaySchedule
		weekday int
	)
	for iter.Scan(&weekday, &day.IsWorkDay, &day.StartTime, &day.EndTime,
		&day.BreakStart, &day.BreakEnd, &day.ToleranceMinutes) {
		day.DayOfWeek = time.Weekday(weekday)
		sched.Days = append(sched.Days, day)
		day = model.DaySchedule{}
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to load schedule", zap.String("employee_id", employeeID), zap.Error(err))
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}

	if len(sched.Days) == 0 {
		return nil, nil
	}
	sort.Slice(sched.Days, func(i, j int) bool { return sched.Days[i].DayOfWeek < sched.Days[j].DayOfWeek })
	return sched, nil
}

// PutSchedule replaces the whole week. Days absent from s are deleted.
func (r *ScheduleRepository) PutSchedule(ctx context.Context, s *model.WeeklySchedule) error {
	now := time.Now().UTC()
	present := make(map[time.Weekday]bool, len(s.Days))

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	for _, d := range s.Days {
		present[d.DayOfWeek] = true
		batch.Query(r.client.Prepared.InsertScheduleDay.Statement(),
			s.EmployeeID, int(d.DayOfWeek), d.IsWorkDay, d.StartTime, d.EndTime,
			d.BreakStart, d.BreakEnd, d.ToleranceMinutes, now)
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if !present[wd] {
			batch.Query(r.client.Prepared.DeleteScheduleDay.Statement(), s.EmployeeID, int(wd))
		}
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to store schedule", zap.String("employee_id", s.EmployeeID), zap.Error(err))
		return fmt.Errorf("failed to store schedule: %w", err)
	}

	util.Info("Schedule stored",
		zap.String("employee_id", s.EmployeeID),
		zap.Int("days", len(s.Days)))
	return nil
}
