package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"clocktrust-service/internal/client"
	"clocktrust-service/internal/integrity"
	"clocktrust-service/internal/model"
	"clocktrust-service/internal/pipeline"
)

const (
	KindSubmission   = "submission"
	KindVerification = "verification"
)

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) (*esapi.Response, error)
}

// Record is one audit document. Submissions are keyed by event ID, so a retry
// overwrites rather than duplicates; every verification gets its own document.
type Record struct {
	Kind            string                 `json:"kind"`
	EventID         string                 `json:"event_id"`
	EmployeeID      string                 `json:"employee_id"`
	CompanyID       string                 `json:"company_id,omitempty"`
	EventType       model.EventType        `json:"event_type"`
	EventTime       time.Time              `json:"event_time"`
	Status          string                 `json:"status"`
	Valid           bool                   `json:"valid"`
	Reasons         []string               `json:"reasons"`
	WarningCodes    []string               `json:"warning_codes"`
	DeviceClass     model.DeviceClass      `json:"device_class,omitempty"`
	DeviceID        string                 `json:"device_id,omitempty"`
	IntegrityBundle *model.IntegrityBundle `json:"integrity_bundle,omitempty"`
	TimestampSkewMs int64                  `json:"timestamp_skew_ms,omitempty"`
	RequestID       string                 `json:"request_id,omitempty"`
	IndexedAt       time.Time              `json:"indexed_at"`
}

type Indexer struct {
	client DocumentIndexer
	index  string
	logger *zap.Logger
	now    func() time.Time
}

func NewIndexer(c DocumentIndexer, index string, logger *zap.Logger) *Indexer {
	return &Indexer{client: c, index: index, logger: logger, now: time.Now}
}

func (i *Indexer) IndexSubmission(ctx context.Context, res *pipeline.Result, requestID string) error {
	ev := res.Event
	rec := Record{
		Kind:            KindSubmission,
		EventID:         ev.ID,
		EmployeeID:      ev.EmployeeID,
		CompanyID:       ev.CompanyID,
		EventType:       ev.Type,
		EventTime:       ev.Timestamp,
		Status:          string(res.Status),
		Valid:           res.Accepted(),
		Reasons:         res.Reasons,
		WarningCodes:    model.Codes(res.Warnings),
		DeviceClass:     ev.DeviceClass,
		DeviceID:        ev.DeviceID,
		IntegrityBundle: res.IntegrityBundle,
		RequestID:       requestID,
		IndexedAt:       i.now().UTC(),
	}
	if res.Verification != nil {
		rec.TimestampSkewMs = res.Verification.TimestampSkewMs
	}
	return i.put(ctx, ev.ID, rec)
}

func (i *Indexer) IndexVerification(ctx context.Context, ev *model.ClockEvent, result integrity.VerificationResult, requestID string) error {
	status := "VALID"
	if !result.IsValid {
		status = "INVALID"
	}
	rec := Record{
		Kind:            KindVerification,
		EventID:         ev.ID,
		EmployeeID:      ev.EmployeeID,
		CompanyID:       ev.CompanyID,
		EventType:       ev.Type,
		EventTime:       ev.Timestamp,
		Status:          status,
		Valid:           result.IsValid,
		Reasons:         model.Messages(result.Errors),
		WarningCodes:    model.Codes(result.Warnings),
		IntegrityBundle: ev.IntegrityBundle,
		TimestampSkewMs: result.TimestampSkewMs,
		RequestID:       requestID,
		IndexedAt:       i.now().UTC(),
	}
	return i.put(ctx, ev.ID+":verify:"+uuid.NewString(), rec)
}

func (i *Indexer) put(ctx context.Context, id string, rec Record) error {
	res, err := i.client.IndexDocument(ctx, i.index, id, rec)
	if err != nil {
		return fmt.Errorf("failed to index audit record: %w", err)
	}
	if err := client.ParseResponse(res, nil); err != nil {
		return fmt.Errorf("failed to index audit record: %w", err)
	}
	i.logger.Debug("Audit record indexed",
		zap.String("kind", rec.Kind),
		zap.String("event_id", rec.EventID),
		zap.String("status", rec.Status))
	return nil
}
