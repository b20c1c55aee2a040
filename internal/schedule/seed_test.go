package schedule

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clocktrust-service/internal/model"
)

const seedYAML = `
schedules:
  - employee_id: emp-1
    days:
      - day: monday
        start_time: "08:00"
        end_time: "17:00"
        break_start: "12:00"
        break_end: "13:00"
        tolerance_minutes: 15
      - day: Tue
        start_time: "09:00"
        end_time: "18:00"
      - day: "6"
        work_day: false
  - employee_id: emp-2
    days: []
`

func TestParseSeed(t *testing.T) {
	schedules, err := ParseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Len(t, schedules, 2)

	emp1 := schedules[0]
	assert.Equal(t, "emp-1", emp1.EmployeeID)
	require.Len(t, emp1.Days, 3)

	mon, ok := emp1.Day(time.Monday)
	require.True(t, ok)
	assert.True(t, mon.IsWorkDay)
	assert.Equal(t, "12:00", mon.BreakStart)
	assert.Equal(t, 15, mon.ToleranceMinutes)

	tue, ok := emp1.Day(time.Tuesday)
	require.True(t, ok)
	assert.Equal(t, "09:00", tue.StartTime)

	sat, ok := emp1.Day(time.Saturday)
	require.True(t, ok)
	assert.False(t, sat.IsWorkDay)

	assert.Empty(t, schedules[1].Days)
}

func TestParseSeedRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown weekday", "schedules:\n  - employee_id: e\n    days:\n      - day: funday\n"},
		{"unknown field", "schedules:\n  - employee_id: e\n    shift: night\n"},
		{"overnight shift", "schedules:\n  - employee_id: e\n    days:\n      - day: mon\n        start_time: \"22:00\"\n        end_time: \"06:00\"\n"},
		{"missing employee", "schedules:\n  - days: []\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSeed(strings.NewReader(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseSeedEmpty(t *testing.T) {
	schedules, err := ParseSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	schedules, err := LoadSeedFile(path)
	require.NoError(t, err)
	assert.Len(t, schedules, 2)

	_, err = LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(officeWeek()))

	tests := []struct {
		name   string
		mutate func(s *model.WeeklySchedule)
	}{
		{"no employee", func(s *model.WeeklySchedule) { s.EmployeeID = "" }},
		{"duplicate day", func(s *model.WeeklySchedule) { s.Days = append(s.Days, s.Days[1]) }},
		{"day out of range", func(s *model.WeeklySchedule) { s.Days[0].DayOfWeek = 9 }},
		{"bad start", func(s *model.WeeklySchedule) { s.Days[1].StartTime = "8am" }},
		{"seconds out of range", func(s *model.WeeklySchedule) { s.Days[1].StartTime = "08:00:99" }},
		{"end before start", func(s *model.WeeklySchedule) { s.Days[1].EndTime = "07:00" }},
		{"half break", func(s *model.WeeklySchedule) { s.Days[1].BreakEnd = "" }},
		{"break outside shift", func(s *model.WeeklySchedule) { s.Days[1].BreakEnd = "18:00" }},
		{"negative tolerance", func(s *model.WeeklySchedule) { s.Days[1].ToleranceMinutes = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := officeWeek()
			tc.mutate(s)
			assert.ErrorIs(t, Check(s), model.ErrInvalidSchedule)
		})
	}
	assert.ErrorIs(t, Check(nil), model.ErrInvalidSchedule)
}
