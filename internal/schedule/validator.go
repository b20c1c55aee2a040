package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clocktrust-service/internal/model"
)

// BreakToleranceMinutes is the fixed band around scheduled break boundaries.
// It does not depend on the day's tolerance or the grace period.
const BreakToleranceMinutes = 15

var ErrInvalidClockTime = errors.New("invalid clock time")

// Issue codes
const (
	CodeNotWorkDay       = "NOT_WORK_DAY"
	CodeMissingConfig    = "MISSING_SCHEDULE_CONFIG"
	CodeLateEntry        = "LATE_ENTRY"
	CodeEarlyEntry       = "EARLY_ENTRY"
	CodeEarlyDeparture   = "EARLY_DEPARTURE"
	CodeLateExit         = "LATE_EXIT"
	CodeBreakOutOfWindow = "BREAK_OUT_OF_WINDOW"
	CodeBreakDuration    = "BREAK_DURATION"
	CodeBreakMissing     = "BREAK_NOT_TAKEN"
)

type Config struct {
	AllowEarlyEntry      bool `json:"allow_early_entry"`
	AllowLateExit        bool `json:"allow_late_exit"`
	MaxEarlyEntryMinutes int  `json:"max_early_entry_minutes"`
	MaxLateExitMinutes   int  `json:"max_late_exit_minutes"`
	RequireBreak         bool `json:"require_break"`
	MinBreakMinutes      int  `json:"min_break_minutes"`
	MaxBreakMinutes      int  `json:"max_break_minutes"`
	GracePeriodMinutes   int  `json:"grace_period_minutes"`
	// StrictLateness turns late entries into hard violations.
	StrictLateness bool `json:"strict_lateness"`
}

func DefaultConfig() Config {
	return Config{
		AllowEarlyEntry:      true,
		AllowLateExit:        true,
		MaxEarlyEntryMinutes: 30,
		MaxLateExitMinutes:   120,
		RequireBreak:         false,
		MinBreakMinutes:      30,
		MaxBreakMinutes:      90,
		GracePeriodMinutes:   0,
	}
}

type Verdict struct {
	IsValid               bool          `json:"is_valid"`
	IsWithinTolerance     bool          `json:"is_within_tolerance"`
	ExpectedMinutes       int           `json:"expected_minutes"` // minutes since midnight
	ActualMinutes         int           `json:"actual_minutes"`
	DelayMinutes          int           `json:"delay_minutes,omitempty"`
	EarlyMinutes          int           `json:"early_minutes,omitempty"`
	EarlyDepartureMinutes int           `json:"early_departure_minutes,omitempty"`
	LateExitMinutes       int           `json:"late_exit_minutes,omitempty"`
	BreakDeviationMinutes int           `json:"break_deviation_minutes,omitempty"`
	Errors                []model.Issue `json:"errors"`
	Warnings              []model.Issue `json:"warnings"`
}

func newVerdict() Verdict {
	return Verdict{IsValid: true, Errors: []model.Issue{}, Warnings: []model.Issue{}}
}

func (v *Verdict) fail(code, msg string) {
	v.IsValid = false
	v.IsWithinTolerance = false
	v.Errors = append(v.Errors, model.Hard(code, msg))
}

func (v *Verdict) warn(code, msg string) {
	v.Warnings = append(v.Warnings, model.Soft(code, msg))
}

// Validate checks an event timestamp against the employee's weekly schedule.
// The timestamp is read in its own location: weekday and minutes since
// midnight are event-local.
func Validate(eventType model.EventType, ts time.Time, sched *model.WeeklySchedule, cfg Config) Verdict {
	v := newVerdict()
	v.ActualMinutes = ts.Hour()*60 + ts.Minute()

	day, ok := sched.Day(ts.Weekday())
	if !ok || !day.IsWorkDay {
		v.fail(CodeNotWorkDay, fmt.Sprintf("%s is not a scheduled work day", ts.Weekday()))
		return v
	}

	switch eventType {
	case model.EventEntry:
		validateEntry(&v, day, cfg)
	case model.EventExit:
		validateExit(&v, day, cfg)
	case model.EventBreakStart:
		validateBreakBoundary(&v, "break start", day.BreakStart)
	case model.EventBreakEnd:
		validateBreakBoundary(&v, "break end", day.BreakEnd)
	default:
		// callers validate event types before reaching here
		panic(fmt.Sprintf("schedule: unknown event type %q", eventType))
	}
	return v
}

func validateEntry(v *Verdict, day model.DaySchedule, cfg Config) {
	expected, ok := workBounds(v, day)
	if !ok {
		return
	}
	start := expected[0]
	lo, hi := window(start, day.ToleranceMinutes, cfg.GracePeriodMinutes)
	v.ExpectedMinutes = start

	switch {
	case v.ActualMinutes > hi:
		v.DelayMinutes = v.ActualMinutes - hi
		msg := fmt.Sprintf("late entry: outside work hours by %d minutes", v.DelayMinutes)
		if cfg.StrictLateness {
			v.fail(CodeLateEntry, msg)
		} else {
			v.warn(CodeLateEntry, msg)
		}
	case v.ActualMinutes < lo:
		v.EarlyMinutes = lo - v.ActualMinutes
		if !cfg.AllowEarlyEntry {
			v.fail(CodeEarlyEntry, fmt.Sprintf("early entry not allowed: %d minutes before the allowed window", v.EarlyMinutes))
		} else if v.EarlyMinutes > cfg.MaxEarlyEntryMinutes {
			v.fail(CodeEarlyEntry, fmt.Sprintf("entry %d minutes early exceeds the %d minute limit", v.EarlyMinutes, cfg.MaxEarlyEntryMinutes))
		} else {
			v.warn(CodeEarlyEntry, fmt.Sprintf("early entry by %d minutes", v.EarlyMinutes))
		}
	default:
		v.IsWithinTolerance = true
	}
}

func validateExit(v *Verdict, day model.DaySchedule, cfg Config) {
	expected, ok := workBounds(v, day)
	if !ok {
		return
	}
	end := expected[1]
	lo, hi := window(end, day.ToleranceMinutes, cfg.GracePeriodMinutes)
	v.ExpectedMinutes = end

	switch {
	case v.ActualMinutes < lo:
		v.EarlyDepartureMinutes = lo - v.ActualMinutes
		v.warn(CodeEarlyDeparture, fmt.Sprintf("early departure by %d minutes", v.EarlyDepartureMinutes))
	case v.ActualMinutes > hi:
		v.LateExitMinutes = v.ActualMinutes - hi
		if !cfg.AllowLateExit {
			v.fail(CodeLateExit, fmt.Sprintf("late exit not allowed: %d minutes after the allowed window", v.LateExitMinutes))
		} else if v.LateExitMinutes > cfg.MaxLateExitMinutes {
			v.fail(CodeLateExit, fmt.Sprintf("exit %d minutes late exceeds the %d minute limit", v.LateExitMinutes, cfg.MaxLateExitMinutes))
		} else {
			v.warn(CodeLateExit, fmt.Sprintf("late exit by %d minutes", v.LateExitMinutes))
		}
	default:
		v.IsWithinTolerance = true
	}
}

func validateBreakBoundary(v *Verdict, label, boundary string) {
	if boundary == "" {
		v.fail(CodeMissingConfig, fmt.Sprintf("no %s configured for a work day", label))
		return
	}
	expected, err := ParseClock(boundary)
	if err != nil {
		v.fail(CodeMissingConfig, fmt.Sprintf("invalid %s %q", label, boundary))
		return
	}
	v.ExpectedMinutes = expected

	diff := v.ActualMinutes - expected
	if diff < 0 {
		diff = -diff
	}
	if diff <= BreakToleranceMinutes {
		v.IsWithinTolerance = true
		return
	}
	v.BreakDeviationMinutes = diff - BreakToleranceMinutes
	v.warn(CodeBreakOutOfWindow, fmt.Sprintf("%s outside the scheduled window by %d minutes", label, v.BreakDeviationMinutes))
}

// workBounds returns [start, end] in minutes, failing the verdict when either is
// missing or malformed.
func workBounds(v *Verdict, day model.DaySchedule) ([2]int, bool) {
	if day.StartTime == "" || day.EndTime == "" {
		v.fail(CodeMissingConfig, "work day has no start or end time configured")
		return [2]int{}, false
	}
	start, err := ParseClock(day.StartTime)
	if err != nil {
		v.fail(CodeMissingConfig, fmt.Sprintf("invalid start time %q", day.StartTime))
		return [2]int{}, false
	}
	end, err := ParseClock(day.EndTime)
	if err != nil {
		v.fail(CodeMissingConfig, fmt.Sprintf("invalid end time %q", day.EndTime))
		return [2]int{}, false
	}
	return [2]int{start, end}, true
}

// window returns the compliant range around expected. Tolerance and grace add up.
func window(expected, tolerance, grace int) (int, int) {
	slack := tolerance + grace
	return expected - slack, expected + slack
}

// ParseClock parses "HH:MM" (or "HH:MM:SS") into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	if len(parts) == 3 {
		// seconds are checked but do not change the minute
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
		}
	}
	return h*60 + m, nil
}
