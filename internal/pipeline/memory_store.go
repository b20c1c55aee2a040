package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clocktrust-service/internal/model"
)

// MemoryStore keeps events and schedules in process memory. It serves tests
// and the development profile.
type MemoryStore struct {
	mu         sync.RWMutex
	byEmployee map[string][]model.ClockEvent
	byID       map[string]model.ClockEvent
	schedules  map[string]model.WeeklySchedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEmployee: make(map[string][]model.ClockEvent),
		byID:       make(map[string]model.ClockEvent),
		schedules:  make(map[string]model.WeeklySchedule),
	}
}

func (m *MemoryStore) RecentEvents(ctx context.Context, employeeID string, since, until time.Time) ([]model.ClockEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ClockEvent, 0)
	for _, e := range m.byEmployee[employeeID] {
		if !e.Timestamp.Before(since) && !e.Timestamp.After(until) {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveEvent(ctx context.Context, ev *model.ClockEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[ev.ID]; exists {
		return fmt.Errorf("%w: %s", model.ErrEventExists, ev.ID)
	}
	stored := cloneEvent(*ev)
	m.byID[ev.ID] = stored
	events := append(m.byEmployee[ev.EmployeeID], cloneEvent(stored))
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	m.byEmployee[ev.EmployeeID] = events
	return nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, eventID string) (*model.ClockEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.byID[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrEventNotFound, eventID)
	}
	ev = cloneEvent(ev)
	return &ev, nil
}

func (m *MemoryStore) GetSchedule(ctx context.Context, employeeID string) (*model.WeeklySchedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[employeeID]
	if !ok {
		return nil, nil
	}
	s.Days = append([]model.DaySchedule(nil), s.Days...)
	return &s, nil
}

func (m *MemoryStore) PutSchedule(ctx context.Context, s *model.WeeklySchedule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.Days = append([]model.DaySchedule(nil), s.Days...)
	m.schedules[s.EmployeeID] = cp
	return nil
}

// Count returns the number of stored events.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// cloneEvent copies the pointer fields so stored rows never alias a caller's
// event.
func cloneEvent(e model.ClockEvent) model.ClockEvent {
	if e.Latitude != nil {
		lat := *e.Latitude
		e.Latitude = &lat
	}
	if e.Longitude != nil {
		lon := *e.Longitude
		e.Longitude = &lon
	}
	if e.IntegrityBundle != nil {
		b := *e.IntegrityBundle
		b.IncludedFields = append([]string(nil), b.IncludedFields...)
		e.IntegrityBundle = &b
	}
	return e
}
