package duplicate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"clocktrust-service/internal/device"
	"clocktrust-service/internal/model"
)

var ErrUnknownStrategy = errors.New("unknown duplicate detection strategy")

type Strategy string

const (
	StrategyTimeWindow Strategy = "TIME_WINDOW"
	StrategyLocation   Strategy = "LOCATION_BASED"
	StrategyDevice     Strategy = "DEVICE_BASED"
	StrategyHybrid     Strategy = "HYBRID"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyTimeWindow, StrategyLocation, StrategyDevice, StrategyHybrid:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

type Type string

const (
	TypeNone       Type = "NONE"
	TypeTimeWindow Type = "TIME_WINDOW"
	TypeLocation   Type = "LOCATION"
	TypeDevice     Type = "DEVICE"
	TypeIP         Type = "IP"
	TypeSameType   Type = "SAME_TYPE"
	TypeMaxDaily   Type = "MAX_DAILY"
)

// Weight scores a check as min(Cap, matches × PerMatch).
type Weight struct {
	PerMatch float64 `json:"per_match"`
	Cap      float64 `json:"cap"`
}

func (w Weight) score(matches int) float64 {
	return math.Min(w.Cap, float64(matches)*w.PerMatch)
}

type Config struct {
	TimeWindowMinutes int `json:"time_window_minutes"`
	// CorrelationWindowMinutes bounds the history considered by the
	// location, device and IP checks.
	CorrelationWindowMinutes int     `json:"correlation_window_minutes"`
	LocationThresholdMeters  float64 `json:"location_threshold_meters"`
	AllowMultipleSameType    bool    `json:"allow_multiple_same_type"`
	MaxRecordsPerDay         int     `json:"max_records_per_day"`

	Time     Weight `json:"time"`
	Location Weight `json:"location"`
	Device   Weight `json:"device"`
	IP       Weight `json:"ip"`

	SameTypeConfidence float64 `json:"same_type_confidence"`
	MaxDailyConfidence float64 `json:"max_daily_confidence"`

	DuplicateThreshold      float64 `json:"duplicate_threshold"`
	HighConfidenceThreshold float64 `json:"high_confidence_threshold"`
}

func DefaultConfig() Config {
	return Config{
		TimeWindowMinutes:        5,
		CorrelationWindowMinutes: 30,
		LocationThresholdMeters:  50,
		AllowMultipleSameType:    false,
		MaxRecordsPerDay:         8,

		Time:     Weight{PerMatch: 0.3, Cap: 0.9},
		Location: Weight{PerMatch: 0.25, Cap: 0.8},
		Device:   Weight{PerMatch: 0.2, Cap: 0.7},
		IP:       Weight{PerMatch: 0.15, Cap: 0.6},

		SameTypeConfidence: 0.95,
		MaxDailyConfidence: 0.9,

		DuplicateThreshold:      0.5,
		HighConfidenceThreshold: 0.7,
	}
}

// CheckResult is the outcome of one independent check.
type CheckResult struct {
	Type       Type               `json:"type"`
	Confidence float64            `json:"confidence"`
	Matches    []model.ClockEvent `json:"-"`
}

type Verdict struct {
	IsDuplicate              bool               `json:"is_duplicate"`
	DuplicateType            Type               `json:"duplicate_type"`
	Confidence               float64            `json:"confidence"`
	SimilarEvents            []model.ClockEvent `json:"similar_events"`
	TimeDifferenceMinutes    *float64           `json:"time_difference_minutes,omitempty"`
	LocationDifferenceMeters *float64           `json:"location_difference_meters,omitempty"`
	Reason                   string             `json:"reason,omitempty"`
	Checks                   []CheckResult      `json:"checks"`
	Warnings                 []model.Issue      `json:"warnings"`
}

// Detect scores ev against the employee's history. Every check runs
// independently and the highest confidence wins; on a tie the earlier check
// is kept.
func Detect(ev model.ClockEvent, history []model.ClockEvent, cfg Config, strategy Strategy) Verdict {
	v := Verdict{
		DuplicateType: TypeNone,
		SimilarEvents: []model.ClockEvent{},
		Checks:        []CheckResult{},
		Warnings:      []model.Issue{},
	}

	past := make([]model.ClockEvent, 0, len(history))
	for _, h := range history {
		if ev.ID != "" && h.ID == ev.ID {
			continue
		}
		past = append(past, h)
	}
	correlated := within(ev, past, cfg.CorrelationWindowMinutes)

	switch strategy {
	case StrategyTimeWindow:
		v.Checks = append(v.Checks, checkTime(ev, past, cfg))
	case StrategyLocation:
		v.Checks = append(v.Checks, checkLocation(ev, correlated, cfg))
	case StrategyDevice:
		v.Checks = append(v.Checks, checkDevice(ev, correlated, cfg), checkIP(ev, correlated, cfg))
	case StrategyHybrid:
		v.Checks = append(v.Checks,
			checkTime(ev, past, cfg),
			checkLocation(ev, correlated, cfg),
			checkDevice(ev, correlated, cfg),
			checkIP(ev, correlated, cfg),
		)
	default:
		panic(fmt.Sprintf("duplicate: unknown strategy %q", strategy))
	}

	// business rules apply under every strategy
	today := sameDay(ev, past)
	v.Checks = append(v.Checks, checkSameType(ev, today, cfg), checkMaxDaily(today, cfg))

	var best *CheckResult
	for i := range v.Checks {
		c := &v.Checks[i]
		if c.Confidence > 0 && (best == nil || c.Confidence > best.Confidence) {
			best = c
		}
	}
	if best == nil {
		return v
	}

	v.DuplicateType = best.Type
	v.Confidence = math.Round(best.Confidence*1000) / 1000
	v.SimilarEvents = best.Matches
	v.IsDuplicate = v.Confidence > cfg.DuplicateThreshold

	if closest, ok := closestEvent(ev, best.Matches); ok {
		minutes := math.Round(math.Abs(ev.Timestamp.Sub(closest.Timestamp).Minutes())*100) / 100
		v.TimeDifferenceMinutes = &minutes
		if ev.HasLocation() && closest.HasLocation() {
			meters := math.Round(Distance(pointOf(ev), pointOf(closest))*100) / 100
			v.LocationDifferenceMeters = &meters
		}
		v.Reason = describe(best.Type, ev, closest, minutes, cfg)
	}

	switch {
	case v.Confidence > cfg.HighConfidenceThreshold:
		v.Warnings = append(v.Warnings, model.Soft("DUPLICATE_HIGH_PROBABILITY",
			fmt.Sprintf("high probability of duplicate submission (%s, confidence %.2f)", v.DuplicateType, v.Confidence)))
	case v.Confidence > cfg.DuplicateThreshold:
		v.Warnings = append(v.Warnings, model.Soft("DUPLICATE_POSSIBLE",
			fmt.Sprintf("possible duplicate submission (%s, confidence %.2f)", v.DuplicateType, v.Confidence)))
	}
	return v
}

func checkTime(ev model.ClockEvent, past []model.ClockEvent, cfg Config) CheckResult {
	matches := within(ev, past, cfg.TimeWindowMinutes)
	return CheckResult{Type: TypeTimeWindow, Confidence: cfg.Time.score(len(matches)), Matches: matches}
}

func checkLocation(ev model.ClockEvent, candidates []model.ClockEvent, cfg Config) CheckResult {
	res := CheckResult{Type: TypeLocation}
	if !ev.HasLocation() {
		return res
	}
	here := pointOf(ev)
	for _, h := range candidates {
		if h.HasLocation() && Distance(here, pointOf(h)) <= cfg.LocationThresholdMeters {
			res.Matches = append(res.Matches, h)
		}
	}
	res.Confidence = cfg.Location.score(len(res.Matches))
	return res
}

// checkDevice only distinguishes mobile from non-mobile devices.
func checkDevice(ev model.ClockEvent, candidates []model.ClockEvent, cfg Config) CheckResult {
	res := CheckResult{Type: TypeDevice}
	class, ok := deviceClassOf(ev)
	if !ok {
		return res
	}
	mobile := device.IsMobileClass(class)
	for _, h := range candidates {
		if hc, ok := deviceClassOf(h); ok && device.IsMobileClass(hc) == mobile {
			res.Matches = append(res.Matches, h)
		}
	}
	res.Confidence = cfg.Device.score(len(res.Matches))
	return res
}

func checkIP(ev model.ClockEvent, candidates []model.ClockEvent, cfg Config) CheckResult {
	res := CheckResult{Type: TypeIP}
	if ev.IPAddress == "" {
		return res
	}
	for _, h := range candidates {
		if h.IPAddress == ev.IPAddress {
			res.Matches = append(res.Matches, h)
		}
	}
	res.Confidence = cfg.IP.score(len(res.Matches))
	return res
}

func checkSameType(ev model.ClockEvent, today []model.ClockEvent, cfg Config) CheckResult {
	res := CheckResult{Type: TypeSameType}
	if cfg.AllowMultipleSameType {
		return res
	}
	for _, h := range today {
		if h.Type == ev.Type {
			res.Matches = append(res.Matches, h)
		}
	}
	if len(res.Matches) > 0 {
		res.Confidence = cfg.SameTypeConfidence
	}
	return res
}

func checkMaxDaily(today []model.ClockEvent, cfg Config) CheckResult {
	res := CheckResult{Type: TypeMaxDaily}
	if cfg.MaxRecordsPerDay > 0 && len(today) >= cfg.MaxRecordsPerDay {
		res.Matches = today
		res.Confidence = cfg.MaxDailyConfidence
	}
	return res
}

func within(ev model.ClockEvent, past []model.ClockEvent, minutes int) []model.ClockEvent {
	limit := time.Duration(minutes) * time.Minute
	out := make([]model.ClockEvent, 0)
	for _, h := range past {
		d := ev.Timestamp.Sub(h.Timestamp)
		if d < 0 {
			d = -d
		}
		if d <= limit {
			out = append(out, h)
		}
	}
	return out
}

func sameDay(ev model.ClockEvent, past []model.ClockEvent) []model.ClockEvent {
	out := make([]model.ClockEvent, 0)
	for _, h := range past {
		if ev.SameDay(h.Timestamp) {
			out = append(out, h)
		}
	}
	return out
}

// deviceClassOf prefers the recorded class and falls back to the descriptor.
// An unknown class carries no information.
func deviceClassOf(e model.ClockEvent) (model.DeviceClass, bool) {
	class := e.DeviceClass
	if class == "" || class == model.DeviceUnknown {
		class = device.ClassifyUserAgent(e.DeviceDescriptor)
	}
	return class, class != model.DeviceUnknown
}

func closestEvent(ev model.ClockEvent, events []model.ClockEvent) (model.ClockEvent, bool) {
	var best model.ClockEvent
	bestDiff := time.Duration(math.MaxInt64)
	for _, h := range events {
		d := ev.Timestamp.Sub(h.Timestamp)
		if d < 0 {
			d = -d
		}
		if d < bestDiff {
			best, bestDiff = h, d
		}
	}
	return best, len(events) > 0
}

func pointOf(e model.ClockEvent) Point {
	return Point{Lat: *e.Latitude, Lon: *e.Longitude}
}

func describe(t Type, ev, closest model.ClockEvent, minutes float64, cfg Config) string {
	switch t {
	case TypeSameType:
		return fmt.Sprintf("%s already recorded today at %s", ev.Type, closest.Timestamp.Format("15:04"))
	case TypeMaxDaily:
		return fmt.Sprintf("daily limit of %d records reached", cfg.MaxRecordsPerDay)
	case TypeLocation:
		return fmt.Sprintf("duplicate of %s recorded %.0f minutes ago at the same location", closest.Type, minutes)
	case TypeDevice:
		return fmt.Sprintf("duplicate of %s recorded %.0f minutes ago from a similar device", closest.Type, minutes)
	case TypeIP:
		return fmt.Sprintf("duplicate of %s recorded %.0f minutes ago from the same IP address", closest.Type, minutes)
	}
	return fmt.Sprintf("duplicate of %s %.0f minutes ago", closest.Type, minutes)
}
