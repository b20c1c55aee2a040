package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clocktrust-service/internal/device"
	"clocktrust-service/internal/integrity"
	"clocktrust-service/internal/model"
	"clocktrust-service/internal/pipeline"
)

const desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type published struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, key, value, headers})
	return f.err
}

type fakeAudit struct {
	mu            sync.Mutex
	submissions   []string
	verifications []string
}

func (f *fakeAudit) IndexSubmission(_ context.Context, res *pipeline.Result, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, res.Event.ID)
	return nil
}

func (f *fakeAudit) IndexVerification(_ context.Context, ev *model.ClockEvent, _ integrity.VerificationResult, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifications = append(f.verifications, ev.ID)
	return nil
}

type fakeAnalytics struct {
	mu      sync.Mutex
	results []*pipeline.Result
}

func (f *fakeAnalytics) Record(res *pipeline.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
}

type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, int, error) {
	if l.err != nil {
		return false, 0, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[key]++
	return l.counts[key] <= limit, l.counts[key], nil
}

type fixture struct {
	svc       *ClockEventService
	store     *pipeline.MemoryStore
	publisher *fakePublisher
	audit     *fakeAudit
	analytics *fakeAnalytics
	limiter   *countingLimiter
}

func officeWeek(employeeID string) *model.WeeklySchedule {
	s := &model.WeeklySchedule{EmployeeID: employeeID}
	for d := time.Monday; d <= time.Friday; d++ {
		s.Days = append(s.Days, model.DaySchedule{
			DayOfWeek:        d,
			IsWorkDay:        true,
			StartTime:        "08:00",
			EndTime:          "17:00",
			BreakStart:       "12:00",
			BreakEnd:         "13:00",
			ToleranceMinutes: 15,
		})
	}
	return s
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	store := pipeline.NewMemoryStore()
	require.NoError(t, store.PutSchedule(context.Background(), officeWeek("emp-1")))

	f := &fixture{
		store:     store,
		publisher: &fakePublisher{},
		audit:     &fakeAudit{},
		analytics: &fakeAnalytics{},
		limiter:   &countingLimiter{},
	}
	p := pipeline.New(pipeline.DefaultConfig(), pipeline.NewKeyedMutex(), store, store, nil, nil)
	f.svc = NewClockEventService(Dependencies{
		Pipeline:  p,
		Schedules: store,
		Limiter:   f.limiter,
		Publisher: f.publisher,
		Audit:     f.audit,
		Analytics: f.analytics,
	}, Options{VerdictTopic: "clock-event-verdicts", RateLimit: limit, RateLimitWindow: time.Minute})
	return f
}

// 2024-03-04 is a Monday.
func entry(employeeID string, hour, minute int) SubmitRequest {
	return SubmitRequest{
		EmployeeID: employeeID,
		CompanyID:  "co-1",
		UserID:     "u-1",
		Type:       "ENTRY",
		Timestamp:  time.Date(2024, time.March, 4, hour, minute, 0, 0, time.UTC),
	}
}

var meta = RequestMeta{RequestID: "req-1", ClientIP: "10.0.0.7", UserAgent: desktopUA, AcceptLanguage: "en-US"}

func TestSubmitPublishesAuditsAndRecords(t *testing.T) {
	f := newFixture(t, 10)

	res, err := f.svc.Submit(context.Background(), entry("emp-1", 8, 2), meta)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAccepted, res.Status)
	assert.Equal(t, "10.0.0.7", res.Event.IPAddress)
	assert.Equal(t, desktopUA, res.Event.DeviceDescriptor)

	require.Len(t, f.publisher.msgs, 1)
	msg := f.publisher.msgs[0]
	assert.Equal(t, "clock-event-verdicts", msg.topic)
	assert.Equal(t, []byte("emp-1"), msg.key)
	assert.Equal(t, "ACCEPTED", msg.headers["status"])
	assert.Equal(t, "req-1", msg.headers["request-id"])

	var verdict VerdictMessage
	require.NoError(t, json.Unmarshal(msg.value, &verdict))
	assert.Equal(t, res.Event.ID, verdict.EventID)
	assert.Equal(t, res.IntegrityBundle.Hash, verdict.Hash)

	assert.Equal(t, []string{res.Event.ID}, f.audit.submissions)
	assert.Len(t, f.analytics.results, 1)
}

func TestSubmitReportsDuplicatesWithoutError(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, entry("emp-1", 8, 0), meta)
	require.NoError(t, err)
	res, err := f.svc.Submit(ctx, entry("emp-1", 9, 0), meta)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusDuplicate, res.Status)
	assert.Equal(t, 1, f.store.Count())
	assert.Len(t, f.publisher.msgs, 2)
	assert.Len(t, f.analytics.results, 2)
}

func TestSubmitInvalidInput(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	req := entry("emp-1", 8, 0)
	req.Type = "LUNCH"
	_, err := f.svc.Submit(ctx, req, meta)
	assert.ErrorIs(t, err, ErrInvalidInput)

	req = entry("", 8, 0)
	_, err = f.svc.Submit(ctx, req, meta)
	assert.ErrorIs(t, err, ErrInvalidInput)

	req = entry("emp-1", 8, 0)
	req.UserID = "<script>alert(1)</script>"
	_, err = f.svc.Submit(ctx, req, meta)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, f.publisher.msgs)
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, entry("emp-1", 8, 0), meta)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, entry("emp-1", 9, 0), meta)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSubmitFailsOpenWhenLimiterDown(t *testing.T) {
	f := newFixture(t, 1)
	f.limiter.err = errors.New("connection refused")

	res, err := f.svc.Submit(context.Background(), entry("emp-1", 8, 0), meta)
	require.NoError(t, err)
	assert.True(t, res.Accepted())
}

func TestSubmitIgnoresPublishFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.publisher.err = errors.New("broker unavailable")

	res, err := f.svc.Submit(context.Background(), entry("emp-1", 8, 0), meta)
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, 1, f.store.Count())
}

func TestSubmitWithDeviceReport(t *testing.T) {
	f := newFixture(t, 10)

	req := entry("emp-1", 8, 0)
	req.Device = &device.ClientReport{
		UserAgent:      "Mozilla/5.0 (Linux; Android 13; sdk_gphone64_x86_64) Mobile",
		RendererVendor: "Google Inc.",
		Renderer:       "Android Emulator OpenGL ES Translator",
	}

	res, err := f.svc.Submit(context.Background(), req, meta)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRejected, res.Status)
	assert.False(t, res.DeviceOK)
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t, 10)

	bad := entry("emp-1", 8, 0)
	bad.Type = "NAP"
	results, err := f.svc.SubmitBatch(context.Background(), []SubmitRequest{
		entry("emp-1", 8, 0),
		bad,
		entry("emp-1", 9, 0),
	}, meta)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, pipeline.StatusAccepted, results[0].Result.Status)
	assert.ErrorIs(t, results[1].Err(), ErrInvalidInput)
	assert.NotEmpty(t, results[1].Error)
	assert.Nil(t, results[1].Result)
	assert.Equal(t, pipeline.StatusDuplicate, results[2].Result.Status)
	assert.Equal(t, 2, results[2].Index)

	_, err = f.svc.SubmitBatch(context.Background(), nil, meta)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.SubmitBatch(context.Background(), make([]SubmitRequest, MaxBatchSize+1), meta)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestVerify(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, entry("emp-1", 8, 0), meta)
	require.NoError(t, err)

	out, err := f.svc.Verify(ctx, res.Event.ID, meta)
	require.NoError(t, err)
	assert.True(t, out.Verification.IsValid)
	assert.Equal(t, []string{res.Event.ID}, f.audit.verifications)

	_, err = f.svc.Verify(ctx, "nope", meta)
	assert.ErrorIs(t, err, ErrEventNotFound)
	_, err = f.svc.Verify(ctx, "  ", meta)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEvaluateDevice(t *testing.T) {
	f := newFixture(t, 10)

	v := f.svc.EvaluateDevice(device.ClientReport{UserAgent: desktopUA}, meta)
	assert.True(t, v.IsValid)
	assert.Equal(t, model.DeviceDesktop, v.Signal.DeviceClass)
}

func TestSchedules(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.svc.GetSchedule(ctx, "emp-9")
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	require.NoError(t, f.svc.PutSchedule(ctx, officeWeek("emp-9")))
	got, err := f.svc.GetSchedule(ctx, "emp-9")
	require.NoError(t, err)
	assert.Len(t, got.Days, 5)

	broken := officeWeek("emp-9")
	broken.Days[0].EndTime = "07:00"
	assert.ErrorIs(t, f.svc.PutSchedule(ctx, broken), ErrInvalidInput)
}

func TestSeedSchedules(t *testing.T) {
	f := newFixture(t, 10)

	path := filepath.Join(t.TempDir(), "schedules.yaml")
	seed := `schedules:
  - employee_id: emp-7
    days:
      - day: monday
        work_day: true
        start_time: "09:00"
        end_time: "18:00"
`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	n, err := f.svc.SeedSchedules(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetSchedule(context.Background(), "emp-7")
	require.NoError(t, err)
	assert.Equal(t, "emp-7", got.EmployeeID)
}
