package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clocktrust-service/internal/device"
	"clocktrust-service/internal/integrity"
	"clocktrust-service/internal/model"
	"clocktrust-service/internal/pipeline"
	"clocktrust-service/internal/schedule"
	"clocktrust-service/internal/util"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrRateLimited      = errors.New("too many submissions")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrEventNotFound    = model.ErrEventNotFound
	ErrEventExists      = model.ErrEventExists
	ErrLockTimeout      = pipeline.ErrLockTimeout
)

const MaxBatchSize = 100

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

type VerdictPublisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type AuditIndexer interface {
	IndexSubmission(ctx context.Context, res *pipeline.Result, requestID string) error
	IndexVerification(ctx context.Context, ev *model.ClockEvent, result integrity.VerificationResult, requestID string) error
}

type AnalyticsRecorder interface {
	Record(res *pipeline.Result)
}

type ScheduleStore interface {
	GetSchedule(ctx context.Context, employeeID string) (*model.WeeklySchedule, error)
	PutSchedule(ctx context.Context, s *model.WeeklySchedule) error
}

// Dependencies wires the service. Limiter, Publisher, Audit and Analytics are
// optional.
type Dependencies struct {
	Pipeline  *pipeline.Pipeline
	Schedules ScheduleStore
	Limiter   RateLimiter
	Publisher VerdictPublisher
	Audit     AuditIndexer
	Analytics AnalyticsRecorder
	Logger    *zap.Logger
}

type Options struct {
	VerdictTopic    string
	RateLimit       int
	RateLimitWindow time.Duration
}

// SubmitRequest is the wire form of a candidate clock event.
type SubmitRequest struct {
	EventID          string               `json:"event_id,omitempty"`
	EmployeeID       string               `json:"employee_id"`
	CompanyID        string               `json:"company_id"`
	UserID           string               `json:"user_id"`
	Type             string               `json:"type"`
	Timestamp        time.Time            `json:"timestamp"`
	Latitude         *float64             `json:"latitude,omitempty"`
	Longitude        *float64             `json:"longitude,omitempty"`
	DeviceDescriptor string               `json:"device_descriptor,omitempty"`
	PhotoRef         string               `json:"photo_ref,omitempty"`
	NFCTag           string               `json:"nfc_tag,omitempty"`
	Device           *device.ClientReport `json:"device,omitempty"`
}

// RequestMeta is what the transport knows about the caller.
type RequestMeta struct {
	RequestID      string
	ClientIP       string
	UserAgent      string
	AcceptLanguage string
}

type BatchResult struct {
	Index  int              `json:"index"`
	Result *pipeline.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	err    error
}

func (b BatchResult) Err() error {
	return b.err
}

type VerifyResponse struct {
	Event        *model.ClockEvent             `json:"event"`
	Verification integrity.VerificationResult `json:"verification"`
}

// VerdictMessage is published for every pipeline outcome.
type VerdictMessage struct {
	EventID      string          `json:"event_id"`
	EmployeeID   string          `json:"employee_id"`
	CompanyID    string          `json:"company_id,omitempty"`
	EventType    model.EventType `json:"event_type"`
	EventTime    time.Time       `json:"event_time"`
	Status       pipeline.Status `json:"status"`
	Reasons      []string        `json:"reasons"`
	WarningCodes []string        `json:"warning_codes"`
	Hash         string          `json:"hash,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	PublishedAt  time.Time       `json:"published_at"`
}

type ClockEventService struct {
	pipeline  *pipeline.Pipeline
	schedules ScheduleStore
	limiter   RateLimiter
	publisher VerdictPublisher
	audit     AuditIndexer
	analytics AnalyticsRecorder
	opts      Options
	logger    *zap.Logger
}

func NewClockEventService(deps Dependencies, opts Options) *ClockEventService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClockEventService{
		pipeline:  deps.Pipeline,
		schedules: deps.Schedules,
		limiter:   deps.Limiter,
		publisher: deps.Publisher,
		audit:     deps.Audit,
		analytics: deps.Analytics,
		opts:      opts,
		logger:    logger,
	}
}

// Submit runs one event through the pipeline. Domain rejections come back in
// the result; errors are reserved for bad input, throttling and I/O.
func (s *ClockEventService) Submit(ctx context.Context, req SubmitRequest, meta RequestMeta) (*pipeline.Result, error) {
	sub, err := s.toSubmission(req, meta)
	if err != nil {
		return nil, err
	}
	if err := s.allow(ctx, sub.Event.EmployeeID); err != nil {
		return nil, err
	}

	res, err := s.pipeline.Submit(ctx, sub)
	if err != nil {
		return nil, s.mapPipelineError(err)
	}
	s.afterSubmit(ctx, res, meta)
	return res, nil
}

// SubmitBatch validates every request up front; the valid ones share one
// pipeline batch. Results line up with reqs.
func (s *ClockEventService) SubmitBatch(ctx context.Context, reqs []SubmitRequest, meta RequestMeta) ([]BatchResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", ErrInvalidInput)
	}
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch exceeds %d events", ErrInvalidInput, MaxBatchSize)
	}

	out := make([]BatchResult, len(reqs))
	subs := make([]pipeline.Submission, 0, len(reqs))
	positions := make([]int, 0, len(reqs))
	for i, req := range reqs {
		out[i].Index = i
		sub, err := s.toSubmission(req, meta)
		if err == nil {
			err = s.allow(ctx, sub.Event.EmployeeID)
		}
		if err != nil {
			out[i].err, out[i].Error = err, err.Error()
			continue
		}
		subs = append(subs, sub)
		positions = append(positions, i)
	}

	for j, item := range s.pipeline.SubmitBatch(ctx, subs) {
		i := positions[j]
		if item.Err != nil {
			err := s.mapPipelineError(item.Err)
			out[i].err, out[i].Error = err, err.Error()
			continue
		}
		out[i].Result = item.Result
		s.afterSubmit(ctx, item.Result, meta)
	}
	return out, nil
}

func (s *ClockEventService) Verify(ctx context.Context, eventID string, meta RequestMeta) (*VerifyResponse, error) {
	eventID = util.SanitizeInput(eventID)
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}

	ev, result, err := s.pipeline.Verify(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		if err := s.audit.IndexVerification(ctx, ev, result, meta.RequestID); err != nil {
			s.logger.Warn("Failed to audit verification", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return &VerifyResponse{Event: ev, Verification: result}, nil
}

// EvaluateDevice scores a device report without submitting anything.
func (s *ClockEventService) EvaluateDevice(report device.ClientReport, meta RequestMeta) device.Verdict {
	report.UserAgent = util.SanitizeDescriptor(report.UserAgent)
	probe := device.NewClientReportProbe(report, util.SanitizeDescriptor(meta.UserAgent), meta.AcceptLanguage)
	return device.Evaluate(probe, s.pipeline.Config().Device)
}

func (s *ClockEventService) GetSchedule(ctx context.Context, employeeID string) (*model.WeeklySchedule, error) {
	employeeID = util.SanitizeInput(employeeID)
	if employeeID == "" {
		return nil, fmt.Errorf("%w: employee id is required", ErrInvalidInput)
	}
	sched, err := s.schedules.GetSchedule(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, employeeID)
	}
	return sched, nil
}

func (s *ClockEventService) PutSchedule(ctx context.Context, sched *model.WeeklySchedule) error {
	if sched != nil {
		sched.EmployeeID = util.SanitizeInput(sched.EmployeeID)
	}
	if err := schedule.Check(sched); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.schedules.PutSchedule(ctx, sched); err != nil {
		return err
	}
	s.logger.Info("Schedule updated", zap.String("employee_id", sched.EmployeeID), zap.Int("days", len(sched.Days)))
	return nil
}

// SeedSchedules stores every schedule from a YAML seed file.
func (s *ClockEventService) SeedSchedules(ctx context.Context, path string) (int, error) {
	schedules, err := schedule.LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	for _, sched := range schedules {
		if err := s.schedules.PutSchedule(ctx, sched); err != nil {
			return 0, fmt.Errorf("failed to seed schedule for %s: %w", sched.EmployeeID, err)
		}
	}
	return len(schedules), nil
}

func (s *ClockEventService) toSubmission(req SubmitRequest, meta RequestMeta) (pipeline.Submission, error) {
	// identifiers only; free-text references are escaped instead
	for _, f := range []string{req.EventID, req.EmployeeID, req.CompanyID, req.UserID, req.NFCTag} {
		if util.ContainsSuspicious(f) {
			return pipeline.Submission{}, fmt.Errorf("%w: suspicious characters in request", ErrInvalidInput)
		}
	}

	eventType, err := model.ParseEventType(req.Type)
	if err != nil {
		return pipeline.Submission{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	descriptor := util.SanitizeDescriptor(req.DeviceDescriptor)
	if descriptor == "" && req.Device != nil {
		descriptor = util.SanitizeDescriptor(req.Device.UserAgent)
	}
	if descriptor == "" {
		descriptor = util.SanitizeDescriptor(meta.UserAgent)
	}

	ev := model.ClockEvent{
		ID:               util.SanitizeInput(req.EventID),
		EmployeeID:       util.SanitizeInput(req.EmployeeID),
		CompanyID:        util.SanitizeInput(req.CompanyID),
		UserID:           util.SanitizeInput(req.UserID),
		Type:             eventType,
		Timestamp:        req.Timestamp,
		Latitude:         req.Latitude,
		Longitude:        req.Longitude,
		IPAddress:        meta.ClientIP,
		DeviceDescriptor: descriptor,
		PhotoRef:         util.SanitizeInput(req.PhotoRef),
		NFCTag:           util.SanitizeInput(req.NFCTag),
	}
	if err := ev.Validate(); err != nil {
		return pipeline.Submission{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	sub := pipeline.Submission{Event: ev}
	if req.Device != nil {
		report := *req.Device
		report.UserAgent = util.SanitizeDescriptor(report.UserAgent)
		sub.Probe = device.NewClientReportProbe(report, util.SanitizeDescriptor(meta.UserAgent), meta.AcceptLanguage)
	} else if meta.UserAgent != "" || meta.AcceptLanguage != "" {
		sub.Probe = device.NewClientReportProbe(device.ClientReport{}, descriptor, meta.AcceptLanguage)
	}
	return sub, nil
}

func (s *ClockEventService) allow(ctx context.Context, employeeID string) error {
	if s.limiter == nil || s.opts.RateLimit <= 0 {
		return nil
	}
	ok, count, err := s.limiter.Allow(ctx, employeeID, s.opts.RateLimit, s.opts.RateLimitWindow)
	if err != nil {
		// fail open; the pipeline lock still guards consistency
		s.logger.Warn("Rate limiter unavailable", zap.String("employee_id", employeeID), zap.Error(err))
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %d submissions for %s in %s", ErrRateLimited, count, employeeID, s.opts.RateLimitWindow)
	}
	return nil
}

func (s *ClockEventService) mapPipelineError(err error) error {
	switch {
	case errors.Is(err, model.ErrInvalidEvent), errors.Is(err, model.ErrInvalidEventType):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}

// afterSubmit fans the outcome out to Kafka, the audit index and analytics.
// None of them can change the outcome; failures are logged.
func (s *ClockEventService) afterSubmit(ctx context.Context, res *pipeline.Result, meta RequestMeta) {
	if s.analytics != nil {
		s.analytics.Record(res)
	}

	var g errgroup.Group
	if s.publisher != nil && s.opts.VerdictTopic != "" {
		g.Go(func() error {
			if err := s.publishVerdict(ctx, res, meta); err != nil {
				s.logger.Warn("Failed to publish verdict", zap.String("event_id", res.Event.ID), zap.Error(err))
			}
			return nil
		})
	}
	if s.audit != nil {
		g.Go(func() error {
			if err := s.audit.IndexSubmission(ctx, res, meta.RequestID); err != nil {
				s.logger.Warn("Failed to audit submission", zap.String("event_id", res.Event.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *ClockEventService) publishVerdict(ctx context.Context, res *pipeline.Result, meta RequestMeta) error {
	ev := res.Event
	msg := VerdictMessage{
		EventID:      ev.ID,
		EmployeeID:   ev.EmployeeID,
		CompanyID:    ev.CompanyID,
		EventType:    ev.Type,
		EventTime:    ev.Timestamp,
		Status:       res.Status,
		Reasons:      res.Reasons,
		WarningCodes: model.Codes(res.Warnings),
		RequestID:    meta.RequestID,
		PublishedAt:  time.Now().UTC(),
	}
	if res.IntegrityBundle != nil {
		msg.Hash = res.IntegrityBundle.Hash
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode verdict: %w", err)
	}
	headers := map[string]string{
		"event-type": "clock_event.verdict",
		"status":     string(res.Status),
	}
	if meta.RequestID != "" {
		headers["request-id"] = meta.RequestID
	}
	return s.publisher.ProduceMessage(ctx, s.opts.VerdictTopic, []byte(ev.EmployeeID), value, headers)
}
