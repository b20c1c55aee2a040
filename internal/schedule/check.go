package schedule

import (
	"fmt"
	"strings"
	"time"

	"clocktrust-service/internal/model"
)

// Check rejects schedules the validator could not evaluate. Overnight shifts
// (end before start) are not supported.
func Check(s *model.WeeklySchedule) error {
	if s == nil {
		return fmt.Errorf("%w: schedule is required", model.ErrInvalidSchedule)
	}
	if strings.TrimSpace(s.EmployeeID) == "" {
		return fmt.Errorf("%w: employee_id is required", model.ErrInvalidSchedule)
	}

	seen := make(map[time.Weekday]bool, len(s.Days))
	for _, d := range s.Days {
		if d.DayOfWeek < time.Sunday || d.DayOfWeek > time.Saturday {
			return fmt.Errorf("%w: day_of_week %d out of range", model.ErrInvalidSchedule, d.DayOfWeek)
		}
		if seen[d.DayOfWeek] {
			return fmt.Errorf("%w: %s listed twice", model.ErrInvalidSchedule, d.DayOfWeek)
		}
		seen[d.DayOfWeek] = true

		if err := checkDay(d); err != nil {
			return fmt.Errorf("%w: %s: %v", model.ErrInvalidSchedule, d.DayOfWeek, err)
		}
	}
	return nil
}

func checkDay(d model.DaySchedule) error {
	if d.ToleranceMinutes < 0 {
		return fmt.Errorf("negative tolerance")
	}
	if !d.IsWorkDay {
		return nil
	}

	start, err := ParseClock(d.StartTime)
	if err != nil {
		return fmt.Errorf("start time: %w", err)
	}
	end, err := ParseClock(d.EndTime)
	if err != nil {
		return fmt.Errorf("end time: %w", err)
	}
	if end <= start {
		return fmt.Errorf("end time %s is not after start time %s", d.EndTime, d.StartTime)
	}

	if d.BreakStart == "" && d.BreakEnd == "" {
		return nil
	}
	if d.BreakStart == "" || d.BreakEnd == "" {
		return fmt.Errorf("break needs both start and end")
	}
	bs, err := ParseClock(d.BreakStart)
	if err != nil {
		return fmt.Errorf("break start: %w", err)
	}
	be, err := ParseClock(d.BreakEnd)
	if err != nil {
		return fmt.Errorf("break end: %w", err)
	}
	if be <= bs || bs < start || be > end {
		return fmt.Errorf("break %s-%s must lie inside %s-%s", d.BreakStart, d.BreakEnd, d.StartTime, d.EndTime)
	}
	return nil
}
