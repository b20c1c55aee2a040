package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clocktrust-service/internal/device"
	"clocktrust-service/internal/duplicate"
	"clocktrust-service/internal/integrity"
	"clocktrust-service/internal/model"
	"clocktrust-service/internal/schedule"
)

var ErrLockTimeout = errors.New("timed out waiting for employee lock")

// Locker serializes the read-check-write cycle for one employee.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type HistoryStore interface {
	// RecentEvents returns the employee's events with since <= timestamp <= until.
	RecentEvents(ctx context.Context, employeeID string, since, until time.Time) ([]model.ClockEvent, error)
	SaveEvent(ctx context.Context, ev *model.ClockEvent) error
	GetEvent(ctx context.Context, eventID string) (*model.ClockEvent, error)
}

// ScheduleProvider returns nil without error when the employee has no schedule.
type ScheduleProvider interface {
	GetSchedule(ctx context.Context, employeeID string) (*model.WeeklySchedule, error)
}

type Config struct {
	Device           device.Config
	Schedule         schedule.Config
	Duplicate        duplicate.Config
	Strategy         duplicate.Strategy
	Integrity        integrity.Config
	HistoryLookback  time.Duration
	BatchConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Device:           device.DefaultConfig(),
		Schedule:         schedule.DefaultConfig(),
		Duplicate:        duplicate.DefaultConfig(),
		Strategy:         duplicate.StrategyHybrid,
		Integrity:        integrity.DefaultConfig(),
		HistoryLookback:  24 * time.Hour,
		BatchConcurrency: 8,
	}
}

// Submission is one candidate event. Device, when set, is a verdict computed
// earlier and takes precedence over Probe.
type Submission struct {
	Event  model.ClockEvent
	Probe  device.CapabilityProbe
	Device *device.Verdict
}

type Status string

const (
	StatusAccepted  Status = "ACCEPTED"
	StatusDuplicate Status = "DUPLICATE"
	StatusRejected  Status = "REJECTED"
)

type Result struct {
	Event           *model.ClockEvent             `json:"event"`
	Status          Status                        `json:"status"`
	DeviceOK        bool                          `json:"device_ok"`
	ScheduleOK      bool                          `json:"schedule_ok"`
	DuplicateOK     bool                          `json:"duplicate_ok"`
	IntegrityOK     bool                          `json:"integrity_ok"`
	IntegrityBundle *model.IntegrityBundle        `json:"integrity_bundle,omitempty"`
	Reasons         []string                      `json:"reasons"`
	Warnings        []model.Issue                 `json:"warnings"`
	Device          device.Verdict                `json:"device"`
	Schedule        schedule.Verdict              `json:"schedule"`
	Duplicate       duplicate.Verdict             `json:"duplicate"`
	Verification    *integrity.VerificationResult `json:"verification,omitempty"`
}

func (r *Result) Accepted() bool {
	return r.Status == StatusAccepted
}

// HTTPStatus maps the outcome onto the response code of the submit endpoint.
func (r *Result) HTTPStatus() int {
	switch r.Status {
	case StatusAccepted:
		return http.StatusCreated
	case StatusDuplicate:
		return http.StatusConflict
	}
	return http.StatusUnprocessableEntity
}

type Pipeline struct {
	cfg       Config
	locker    Locker
	history   HistoryStore
	schedules ScheduleProvider
	sealer    *integrity.Sealer
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg Config, locker Locker, history HistoryStore, schedules ScheduleProvider, sealer *integrity.Sealer, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sealer == nil {
		sealer = integrity.NewSealer()
	}
	return &Pipeline{
		cfg:       cfg,
		locker:    locker,
		history:   history,
		schedules: schedules,
		sealer:    sealer,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

// Submit runs the device, schedule and duplicate validators and seals and
// stores the event when all of them pass. Domain rejections are reported in
// the Result; the error is reserved for invalid input and I/O failures.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (*Result, error) {
	ev := sub.Event
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	deviceVerdict := p.evaluateDevice(sub, &ev)

	unlock, err := p.locker.Lock(ctx, ev.EmployeeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		sched   *model.WeeklySchedule
		history []model.ClockEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := p.schedules.GetSchedule(gctx, ev.EmployeeID)
		if err != nil {
			return fmt.Errorf("failed to load schedule: %w", err)
		}
		sched = s
		return nil
	})
	g.Go(func() error {
		// the window is centred on the event, not the server clock, so
		// forward-dated events still see their own day
		since, until := ev.Timestamp.Add(-p.cfg.HistoryLookback), ev.Timestamp.Add(p.cfg.HistoryLookback)
		h, err := p.history.RecentEvents(gctx, ev.EmployeeID, since, until)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		history = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Event:     &ev,
		Device:    deviceVerdict,
		Schedule:  p.validateSchedule(&ev, sched, history),
		Duplicate: duplicate.Detect(ev, history, p.cfg.Duplicate, p.cfg.Strategy),
		Reasons:   []string{},
		Warnings:  []model.Issue{},
	}
	res.DeviceOK = res.Device.IsValid
	res.ScheduleOK = res.Schedule.IsValid
	res.DuplicateOK = !res.Duplicate.IsDuplicate

	res.Reasons = append(res.Reasons, model.Messages(res.Device.Errors)...)
	res.Reasons = append(res.Reasons, model.Messages(res.Schedule.Errors)...)
	if !res.DuplicateOK {
		res.Reasons = append(res.Reasons, res.Duplicate.Reason)
	}
	res.Warnings = append(res.Warnings, res.Device.Warnings...)
	res.Warnings = append(res.Warnings, res.Schedule.Warnings...)
	res.Warnings = append(res.Warnings, res.Duplicate.Warnings...)

	switch {
	case !res.DeviceOK || !res.ScheduleOK:
		res.Status = StatusRejected
	case !res.DuplicateOK:
		res.Status = StatusDuplicate
	}
	if res.Status != "" {
		p.logger.Info("Clock event rejected",
			zap.String("event_id", ev.ID),
			zap.String("employee_id", ev.EmployeeID),
			zap.String("status", string(res.Status)),
			zap.Strings("reasons", res.Reasons),
		)
		return res, nil
	}

	if err := p.seal(&ev, res); err != nil {
		return nil, err
	}
	if !res.IntegrityOK {
		res.Status = StatusRejected
		p.logger.Error("Sealed bundle failed self-verification",
			zap.String("event_id", ev.ID),
			zap.Strings("reasons", res.Reasons),
		)
		return res, nil
	}

	ev.CreatedAt = p.now().UTC()
	if err := p.history.SaveEvent(ctx, &ev); err != nil {
		return nil, fmt.Errorf("failed to save clock event: %w", err)
	}
	res.Status = StatusAccepted

	p.logger.Debug("Clock event accepted",
		zap.String("event_id", ev.ID),
		zap.String("employee_id", ev.EmployeeID),
		zap.String("type", string(ev.Type)),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

func (p *Pipeline) evaluateDevice(sub Submission, ev *model.ClockEvent) device.Verdict {
	var v device.Verdict
	switch {
	case sub.Device != nil:
		v = *sub.Device
	case sub.Probe != nil:
		v = device.Evaluate(sub.Probe, p.cfg.Device)
	default:
		probe := device.NewClientReportProbe(device.ClientReport{}, ev.DeviceDescriptor, "")
		v = device.Evaluate(probe, p.cfg.Device)
	}
	if ev.DeviceID == "" {
		ev.DeviceID = v.Signal.DeviceID
	}
	if ev.DeviceClass == "" {
		ev.DeviceClass = v.Signal.DeviceClass
	}
	return v
}

func (p *Pipeline) validateSchedule(ev *model.ClockEvent, sched *model.WeeklySchedule, history []model.ClockEvent) schedule.Verdict {
	v := schedule.Validate(ev.Type, ev.Timestamp, sched, p.cfg.Schedule)
	if !v.IsValid {
		return v
	}

	today := make([]model.ClockEvent, 0, len(history))
	for _, h := range history {
		if h.ID != ev.ID && ev.SameDay(h.Timestamp) {
			today = append(today, h)
		}
	}

	switch ev.Type {
	case model.EventBreakEnd:
		if start, ok := schedule.LastBreakStart(ev.Timestamp, today); ok {
			v.Warnings = append(v.Warnings, schedule.ValidateBreakDuration(start, ev.Timestamp, p.cfg.Schedule).Warnings...)
		}
	case model.EventExit:
		v.Warnings = append(v.Warnings, schedule.ValidateDayBreaks(ev.Timestamp, today, p.cfg.Schedule).Warnings...)
	}
	return v
}

// seal attaches a bundle to ev and verifies it before anything is stored.
func (p *Pipeline) seal(ev *model.ClockEvent, res *Result) error {
	bundle, err := p.sealer.Seal(ev, p.cfg.Integrity)
	if err != nil {
		return fmt.Errorf("failed to seal clock event: %w", err)
	}
	check, err := integrity.Verify(ev, bundle, p.cfg.Integrity)
	if err != nil {
		return fmt.Errorf("failed to verify sealed bundle: %w", err)
	}

	res.Verification = &check
	res.IntegrityOK = check.IsValid
	if !check.IsValid {
		res.Reasons = append(res.Reasons, model.Messages(check.Errors)...)
		return nil
	}
	res.Warnings = append(res.Warnings, check.Warnings...)
	ev.IntegrityBundle = bundle
	res.IntegrityBundle = bundle
	return nil
}

// Verify reloads a stored event and re-runs integrity verification.
func (p *Pipeline) Verify(ctx context.Context, eventID string) (*model.ClockEvent, integrity.VerificationResult, error) {
	ev, err := p.history.GetEvent(ctx, eventID)
	if err != nil {
		return nil, integrity.VerificationResult{}, err
	}
	res, err := integrity.Verify(ev, ev.IntegrityBundle, p.cfg.Integrity)
	if err != nil {
		return ev, res, err
	}
	if !res.IsValid {
		p.logger.Warn("Stored clock event failed verification",
			zap.String("event_id", eventID),
			zap.Strings("reasons", model.Messages(res.Errors)),
		)
	}
	return ev, res, nil
}
