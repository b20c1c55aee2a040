package schedule

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clocktrust-service/internal/model"
)

// seedFile is the YAML layout of SCHEDULE_SEED_FILE:
//
//	schedules:
//	  - employee_id: emp-1
//	    days:
//	      - day: monday
//	        start_time: "08:00"
//	        end_time: "17:00"
//	        break_start: "12:00"
//	        break_end: "13:00"
//	        tolerance_minutes: 15
//
// Listed days are work days unless work_day is false; missing days are off.
type seedFile struct {
	Schedules []seedSchedule `yaml:"schedules"`
}

type seedSchedule struct {
	EmployeeID string    `yaml:"employee_id"`
	Days       []seedDay `yaml:"days"`
}

type seedDay struct {
	Day              string `yaml:"day"`
	WorkDay          *bool  `yaml:"work_day"`
	StartTime        string `yaml:"start_time"`
	EndTime          string `yaml:"end_time"`
	BreakStart       string `yaml:"break_start"`
	BreakEnd         string `yaml:"break_end"`
	ToleranceMinutes int    `yaml:"tolerance_minutes"`
}

func LoadSeedFile(path string) ([]*model.WeeklySchedule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open schedule seed file: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// ParseSeed decodes and checks every schedule in r.
func ParseSeed(r io.Reader) ([]*model.WeeklySchedule, error) {
	var file seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode schedule seed: %w", err)
	}

	out := make([]*model.WeeklySchedule, 0, len(file.Schedules))
	for i, s := range file.Schedules {
		week := &model.WeeklySchedule{EmployeeID: s.EmployeeID}
		for _, d := range s.Days {
			wd, err := ParseWeekday(d.Day)
			if err != nil {
				return nil, fmt.Errorf("schedule %d: %w", i, err)
			}
			workDay := d.WorkDay == nil || *d.WorkDay
			week.Days = append(week.Days, model.DaySchedule{
				DayOfWeek:        wd,
				IsWorkDay:        workDay,
				StartTime:        d.StartTime,
				EndTime:          d.EndTime,
				BreakStart:       d.BreakStart,
				BreakEnd:         d.BreakEnd,
				ToleranceMinutes: d.ToleranceMinutes,
			})
		}
		if err := Check(week); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		out = append(out, week)
	}
	return out, nil
}

// ParseWeekday accepts English day names, three letter abbreviations or 0-6
// with Sunday as 0.
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", model.ErrInvalidSchedule, s)
}
