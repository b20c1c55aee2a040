package schedule

import (
	"fmt"
	"sort"
	"time"

	"clocktrust-service/internal/model"
)

// ValidateBreakDuration checks a completed break against the configured
// minimum and maximum length. Out-of-range breaks are warnings only.
func ValidateBreakDuration(start, end time.Time, cfg Config) Verdict {
	v := newVerdict()
	minutes := int(end.Sub(start).Minutes())
	v.ActualMinutes = minutes

	switch {
	case minutes < 0:
		v.warn(CodeBreakDuration, "break ended before it started")
	case cfg.MinBreakMinutes > 0 && minutes < cfg.MinBreakMinutes:
		v.warn(CodeBreakDuration, fmt.Sprintf("break of %d minutes is shorter than the %d minute minimum", minutes, cfg.MinBreakMinutes))
	case cfg.MaxBreakMinutes > 0 && minutes > cfg.MaxBreakMinutes:
		v.warn(CodeBreakDuration, fmt.Sprintf("break of %d minutes exceeds the %d minute maximum", minutes, cfg.MaxBreakMinutes))
	default:
		v.IsWithinTolerance = true
	}
	return v
}

// ValidateDayBreaks is run for an EXIT: when breaks are required, the day must
// contain a BREAK_START followed by a BREAK_END before the exit.
func ValidateDayBreaks(exit time.Time, today []model.ClockEvent, cfg Config) Verdict {
	v := newVerdict()
	if !cfg.RequireBreak {
		v.IsWithinTolerance = true
		return v
	}

	events := make([]model.ClockEvent, 0, len(today))
	for _, e := range today {
		if e.Timestamp.Before(exit) {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	var started *time.Time
	for i := range events {
		switch events[i].Type {
		case model.EventBreakStart:
			started = &events[i].Timestamp
		case model.EventBreakEnd:
			if started != nil {
				v.IsWithinTolerance = true
				return v
			}
		}
	}
	v.warn(CodeBreakMissing, "no break was recorded before exit")
	return v
}

// LastBreakStart returns the most recent BREAK_START before t, if any.
func LastBreakStart(t time.Time, today []model.ClockEvent) (time.Time, bool) {
	var last time.Time
	found := false
	for _, e := range today {
		if e.Type == model.EventBreakStart && e.Timestamp.Before(t) && (!found || e.Timestamp.After(last)) {
			last = e.Timestamp
			found = true
		}
	}
	return last, found
}
