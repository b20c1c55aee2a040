package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clocktrust-service/internal/device"
	"clocktrust-service/internal/integrity"
	"clocktrust-service/internal/model"
)

const desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// 2024-03-04 is a Monday.
func at(hour, minute int) time.Time {
	return time.Date(2024, time.March, 4, hour, minute, 0, 0, time.UTC)
}

func officeWeek(employeeID string) *model.WeeklySchedule {
	s := &model.WeeklySchedule{EmployeeID: employeeID}
	for d := time.Sunday; d <= time.Saturday; d++ {
		day := model.DaySchedule{DayOfWeek: d}
		if d != time.Saturday && d != time.Sunday {
			day.IsWorkDay = true
			day.StartTime = "08:00"
			day.EndTime = "17:00"
			day.BreakStart = "12:00"
			day.BreakEnd = "13:00"
			day.ToleranceMinutes = 15
		}
		s.Days = append(s.Days, day)
	}
	return s
}

func newTestPipeline(t *testing.T) (*Pipeline, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	for _, id := range []string{"emp-1", "emp-2"} {
		require.NoError(t, store.PutSchedule(context.Background(), officeWeek(id)))
	}
	sealer := integrity.NewSealerWithClock(func() time.Time { return at(8, 5) })
	return New(DefaultConfig(), NewKeyedMutex(), store, store, sealer, nil), store
}

func submission(employeeID string, typ model.EventType, ts time.Time) Submission {
	return Submission{
		Event: model.ClockEvent{
			EmployeeID:       employeeID,
			CompanyID:        "co-1",
			UserID:           "u-" + employeeID,
			Type:             typ,
			Timestamp:        ts,
			DeviceDescriptor: desktopUA,
			IPAddress:        "10.0.0.7",
		},
	}
}

func TestSubmitAcceptsCleanEntry(t *testing.T) {
	p, store := newTestPipeline(t)

	res, err := p.Submit(context.Background(), submission("emp-1", model.EventEntry, at(8, 3)))
	require.NoError(t, err)

	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, http.StatusCreated, res.HTTPStatus())
	assert.True(t, res.DeviceOK)
	assert.True(t, res.ScheduleOK)
	assert.True(t, res.DuplicateOK)
	assert.True(t, res.IntegrityOK)
	assert.Empty(t, res.Reasons)
	require.NotNil(t, res.IntegrityBundle)
	assert.NotEmpty(t, res.Event.ID)
	assert.Equal(t, model.DeviceDesktop, res.Event.DeviceClass)
	assert.Len(t, res.Event.DeviceID, 16)
	assert.Equal(t, 1, store.Count())

	_, verification, err := p.Verify(context.Background(), res.Event.ID)
	require.NoError(t, err)
	assert.True(t, verification.IsValid)
}

func TestSubmitRejectsSameTypeDuplicate(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Submit(ctx, submission("emp-1", model.EventEntry, at(8, 0)))
	require.NoError(t, err)

	res, err := p.Submit(ctx, submission("emp-1", model.EventEntry, at(10, 0)))
	require.NoError(t, err)

	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, http.StatusConflict, res.HTTPStatus())
	assert.False(t, res.DuplicateOK)
	assert.Equal(t, 0.95, res.Duplicate.Confidence)
	require.Len(t, res.Reasons, 1)
	assert.Contains(t, res.Reasons[0], "already recorded today")
	assert.Nil(t, res.IntegrityBundle)
	assert.Equal(t, 1, store.Count())
}

func TestSubmitRejectsScheduleAndDeviceViolations(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	saturday := time.Date(2024, time.March, 9, 9, 0, 0, 0, time.UTC)
	res, err := p.Submit(ctx, submission("emp-1", model.EventEntry, saturday))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, http.StatusUnprocessableEntity, res.HTTPStatus())
	assert.False(t, res.ScheduleOK)
	assert.NotEmpty(t, res.Reasons)

	sub := submission("emp-1", model.EventEntry, at(8, 0))
	sub.Probe = device.StaticProbe{
		UA:       "Mozilla/5.0 (Linux; Android 13; sdk_gphone64_x86_64) Mobile",
		Vendor:   "Google Inc.",
		Renderer: "Android Emulator OpenGL ES Translator",
	}
	res, err = p.Submit(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.False(t, res.DeviceOK)

	assert.Zero(t, store.Count())
}

func TestSubmitFullDay(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	day := []Submission{
		submission("emp-1", model.EventEntry, at(8, 5)),
		submission("emp-1", model.EventBreakStart, at(12, 0)),
		submission("emp-1", model.EventBreakEnd, at(12, 45)),
		submission("emp-1", model.EventExit, at(17, 0)),
	}
	for _, sub := range day {
		res, err := p.Submit(ctx, sub)
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, res.Status, sub.Event.Type)
	}
	assert.Equal(t, 4, store.Count())
}

func TestSubmitSerializesPerEmployee(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	const workers = 8
	results := make([]*Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Submit(ctx, submission("emp-1", model.EventEntry, at(8, i)))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Accepted() {
			accepted++
		} else {
			assert.Equal(t, StatusDuplicate, r.Status)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, store.Count())
}

func TestSubmitBatch(t *testing.T) {
	p, store := newTestPipeline(t)

	subs := []Submission{
		submission("emp-1", model.EventEntry, at(8, 0)),
		submission("emp-2", model.EventEntry, at(8, 1)),
		submission("emp-1", model.EventEntry, at(9, 0)),
		{Event: model.ClockEvent{Type: model.EventEntry, Timestamp: at(8, 0)}},
	}
	items := p.SubmitBatch(context.Background(), subs)
	require.Len(t, items, len(subs))

	assert.Equal(t, StatusAccepted, items[0].Result.Status)
	assert.Equal(t, StatusAccepted, items[1].Result.Status)
	assert.Equal(t, StatusDuplicate, items[2].Result.Status)
	assert.ErrorIs(t, items[3].Err, model.ErrInvalidEvent)
	assert.Nil(t, items[3].Result)
	assert.Equal(t, 2, store.Count())
}

func TestVerifyDetectsTamperedStorage(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.Submit(ctx, submission("emp-1", model.EventEntry, at(8, 0)))
	require.NoError(t, err)

	stored := store.byID[res.Event.ID]
	stored.Timestamp = stored.Timestamp.Add(-30 * time.Minute)
	store.byID[res.Event.ID] = stored

	_, verification, err := p.Verify(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.False(t, verification.IsValid)
	assert.False(t, verification.Integrity)

	_, _, err = p.Verify(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrEventNotFound)
}

func TestSubmitInvalidInput(t *testing.T) {
	p, _ := newTestPipeline(t)

	_, err := p.Submit(context.Background(), Submission{Event: model.ClockEvent{EmployeeID: "emp-1", Type: "LUNCH", Timestamp: at(8, 0)}})
	assert.ErrorIs(t, err, model.ErrInvalidEventType)
}

type failingStore struct{ *MemoryStore }

func (failingStore) RecentEvents(context.Context, string, time.Time, time.Time) ([]model.ClockEvent, error) {
	return nil, errors.New("connection refused")
}

func TestSubmitPropagatesStoreErrors(t *testing.T) {
	store := NewMemoryStore()
	p := New(DefaultConfig(), NewKeyedMutex(), failingStore{store}, store, nil, nil)

	_, err := p.Submit(context.Background(), submission("emp-1", model.EventEntry, at(8, 0)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load history")
}

func TestSubmitDetectsDuplicateOnForwardDatedDay(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	nextMonday := at(8, 0).AddDate(0, 0, 7)

	_, err := p.Submit(ctx, submission("emp-1", model.EventEntry, nextMonday))
	require.NoError(t, err)

	res, err := p.Submit(ctx, submission("emp-1", model.EventEntry, nextMonday.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, 1, store.Count())
}

func TestMemoryStoreRecentEventsWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i, ts := range []time.Time{at(8, 0).Add(-25 * time.Hour), at(8, 0), at(8, 0).Add(25 * time.Hour)} {
		ev := submission("emp-1", model.EventEntry, ts).Event
		ev.ID = fmt.Sprintf("ev-%d", i)
		require.NoError(t, store.SaveEvent(ctx, &ev))
	}

	got, err := store.RecentEvents(ctx, "emp-1", at(8, 0).Add(-24*time.Hour), at(8, 0).Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ev-1", got[0].ID)
}

func TestMemoryStoreDoesNotAliasCallerEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	lat, lon := 40.7, -74.0
	ev := submission("emp-1", model.EventEntry, at(8, 0)).Event
	ev.ID = "ev-1"
	ev.Latitude, ev.Longitude = &lat, &lon
	ev.IntegrityBundle = &model.IntegrityBundle{Hash: "sealed", IncludedFields: []string{"employeeId"}}
	require.NoError(t, store.SaveEvent(ctx, &ev))

	lat = 0
	ev.IntegrityBundle.Hash = "forged"
	ev.IntegrityBundle.IncludedFields[0] = "ipAddress"

	got, err := store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, 40.7, *got.Latitude)
	assert.Equal(t, "sealed", got.IntegrityBundle.Hash)
	assert.Equal(t, []string{"employeeId"}, got.IntegrityBundle.IncludedFields)

	*got.Longitude = 0
	got.IntegrityBundle.Hash = "forged"

	again, err := store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, -74.0, *again.Longitude)
	assert.Equal(t, "sealed", again.IntegrityBundle.Hash)
}

func TestVerifyReportsUnknownBundleParams(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.Submit(ctx, submission("emp-1", model.EventEntry, at(8, 0)))
	require.NoError(t, err)

	store.byID[res.Event.ID].IntegrityBundle.Algorithm = "SHA-1"

	_, verification, err := p.Verify(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.False(t, verification.IsValid)
	require.NotEmpty(t, verification.Errors)
	assert.Equal(t, integrity.CodeUnknownParams, verification.Errors[0].Code)
}
