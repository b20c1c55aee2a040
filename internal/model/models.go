package model

import (
	"fmt"
	"time"
)

// -------------------- CLOCK EVENT MODEL --------------------

type EventType string

const (
	EventEntry      EventType = "ENTRY"
	EventExit       EventType = "EXIT"
	EventBreakStart EventType = "BREAK_START"
	EventBreakEnd   EventType = "BREAK_END"
)

// ParseEventType returns an error for anything outside the four known types.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventEntry, EventExit, EventBreakStart, EventBreakEnd:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEventType, s)
}

func (t EventType) IsBreak() bool {
	return t == EventBreakStart || t == EventBreakEnd
}

type ClockEvent struct {
	ID               string           `json:"id" db:"event_id"`
	EmployeeID       string           `json:"employee_id" db:"employee_id"`
	CompanyID        string           `json:"company_id" db:"company_id"`
	UserID           string           `json:"user_id" db:"user_id"`
	Type             EventType        `json:"type" db:"event_type"`
	Timestamp        time.Time        `json:"timestamp" db:"event_time"`             // event-local wall clock
	Latitude         *float64         `json:"latitude,omitempty" db:"latitude"`
	Longitude        *float64         `json:"longitude,omitempty" db:"longitude"`
	IPAddress        string           `json:"ip_address,omitempty" db:"ip_address"`
	DeviceDescriptor string           `json:"device_descriptor,omitempty" db:"device_descriptor"` // free-text UA summary
	DeviceID         string           `json:"device_id,omitempty" db:"device_id"`
	DeviceClass      DeviceClass      `json:"device_class,omitempty" db:"device_class"`
	PhotoRef         string           `json:"photo_ref,omitempty" db:"photo_ref"`
	NFCTag           string           `json:"nfc_tag,omitempty" db:"nfc_tag"`
	IntegrityBundle  *IntegrityBundle `json:"integrity_bundle,omitempty" db:"-"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}

// HasLocation reports whether both coordinates were captured.
func (e *ClockEvent) HasLocation() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// Validate checks the fields every submission needs before it can enter the pipeline.
func (e *ClockEvent) Validate() error {
	if e.EmployeeID == "" {
		return fmt.Errorf("%w: employee_id is required", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	if _, err := ParseEventType(string(e.Type)); err != nil {
		return err
	}
	if (e.Latitude == nil) != (e.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be provided together", ErrInvalidEvent)
	}
	if e.HasLocation() {
		if *e.Latitude < -90 || *e.Latitude > 90 || *e.Longitude < -180 || *e.Longitude > 180 {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidEvent)
		}
	}
	return nil
}

// SameDay reports whether t falls on the same calendar day as the event, in the event's zone.
func (e *ClockEvent) SameDay(t time.Time) bool {
	loc := e.Timestamp.Location()
	y1, m1, d1 := e.Timestamp.Date()
	y2, m2, d2 := t.In(loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// -------------------- DEVICE SIGNAL MODEL --------------------

type DeviceClass string

const (
	DeviceMobile  DeviceClass = "MOBILE"
	DeviceDesktop DeviceClass = "DESKTOP"
	DeviceTablet  DeviceClass = "TABLET"
	DeviceUnknown DeviceClass = "UNKNOWN"
)

type DeviceSignal struct {
	DeviceID         string      `json:"device_id"`
	DeviceClass      DeviceClass `json:"device_class"`
	Platform         string      `json:"platform"`
	Browser          string      `json:"browser"`
	BrowserVersion   string      `json:"browser_version"`
	ScreenResolution string      `json:"screen_resolution"`
	Timezone         string      `json:"timezone"`
	IsSecureContext  bool        `json:"is_secure_context"`
	IsVirtualMachine bool        `json:"is_virtual_machine"`
	IsEmulator       bool        `json:"is_emulator"`
	Confidence       float64     `json:"confidence"`
}

// -------------------- SCHEDULE MODEL --------------------

type DaySchedule struct {
	DayOfWeek        time.Weekday `json:"day_of_week" yaml:"day_of_week" db:"day_of_week"`
	IsWorkDay        bool         `json:"is_work_day" yaml:"is_work_day" db:"is_work_day"`
	StartTime        string       `json:"start_time,omitempty" yaml:"start_time" db:"start_time"` // "HH:MM"
	EndTime          string       `json:"end_time,omitempty" yaml:"end_time" db:"end_time"`
	BreakStart       string       `json:"break_start,omitempty" yaml:"break_start" db:"break_start"`
	BreakEnd         string       `json:"break_end,omitempty" yaml:"break_end" db:"break_end"`
	ToleranceMinutes int          `json:"tolerance_minutes" yaml:"tolerance_minutes" db:"tolerance_minutes"`
}

type WeeklySchedule struct {
	EmployeeID string        `json:"employee_id" yaml:"employee_id"`
	Days       []DaySchedule `json:"days" yaml:"days"`
}

// Day returns the entry for the given weekday, if one exists.
func (w *WeeklySchedule) Day(day time.Weekday) (DaySchedule, bool) {
	if w == nil {
		return DaySchedule{}, false
	}
	for _, d := range w.Days {
		if d.DayOfWeek == day {
			return d, true
		}
	}
	return DaySchedule{}, false
}

// -------------------- INTEGRITY BUNDLE MODEL --------------------

type IntegrityBundle struct {
	Hash           string   `json:"hash"`
	Salt           string   `json:"salt"`
	Signature      string   `json:"signature"`
	Timestamp      int64    `json:"timestamp"` // unix millis, precision-truncated
	Version        string   `json:"version"`
	IncludedFields []string `json:"included_fields"`
	Checksum       string   `json:"checksum"`
	Algorithm      string   `json:"algorithm"`
	Encoding       string   `json:"encoding"`
	Precision      string   `json:"precision"`
}
