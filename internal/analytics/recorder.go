package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"clocktrust-service/internal/model"
	"clocktrust-service/internal/pipeline"
)

const createVerdictTable = `
CREATE TABLE IF NOT EXISTS clock_event_verdicts (
    event_id String,
    employee_id String,
    company_id String,
    event_type LowCardinality(String),
    event_time DateTime64(3, 'UTC'),
    status LowCardinality(String),
    device_ok Bool,
    schedule_ok Bool,
    duplicate_ok Bool,
    integrity_ok Bool,
    device_class LowCardinality(String),
    duplicate_type LowCardinality(String),
    duplicate_confidence Float64,
    delay_minutes Int32,
    reasons Array(String),
    warning_codes Array(String),
    recorded_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_time)
ORDER BY (company_id, employee_id, event_time)`

const insertVerdicts = `INSERT INTO clock_event_verdicts (
    event_id, employee_id, company_id, event_type, event_time, status,
    device_ok, schedule_ok, duplicate_ok, integrity_ok, device_class,
    duplicate_type, duplicate_confidence, delay_minutes, reasons, warning_codes, recorded_at
)`

// Inserter is satisfied by client.ClickHouseClient.
type Inserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

// Recorder buffers one row per pipeline verdict and writes them in batches,
// either when batchSize rows are pending or every flushInterval.
type Recorder struct {
	inserter      Inserter
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time

	mu      sync.Mutex
	pending [][]interface{}
	full    chan struct{}
	done    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
}

func NewRecorder(inserter Inserter, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Recorder {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Recorder{
		inserter:      inserter,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		now:           time.Now,
		full:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if err := r.inserter.Exec(ctx, createVerdictTable); err != nil {
		return fmt.Errorf("failed to create clock_event_verdicts: %w", err)
	}
	return nil
}

// Start runs the background flusher until Close.
func (r *Recorder) Start() {
	r.stopped.Add(1)
	go r.loop()
}

func (r *Recorder) loop() {
	defer r.stopped.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.full:
		case <-r.done:
			return
		}
		if err := r.Flush(context.Background()); err != nil {
			r.logger.Error("Failed to flush verdict analytics", zap.Error(err))
		}
	}
}

// Record never blocks on ClickHouse.
func (r *Recorder) Record(res *pipeline.Result) {
	row := toRow(res, r.now().UTC())

	r.mu.Lock()
	r.pending = append(r.pending, row)
	n := len(r.pending)
	r.mu.Unlock()

	if n >= r.batchSize {
		select {
		case r.full <- struct{}{}:
		default:
		}
	}
}

// Flush writes everything buffered so far. Rows of a failed batch are dropped
// and logged; analytics never holds back submissions.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	rows := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := r.inserter.BatchInsert(ctx, insertVerdicts, rows); err != nil {
		return fmt.Errorf("failed to insert %d verdict rows: %w", len(rows), err)
	}
	r.logger.Debug("Verdict analytics flushed", zap.Int("rows", len(rows)))
	return nil
}

func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops the flusher and writes the remaining rows.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.done) })
	r.stopped.Wait()
	return r.Flush(ctx)
}

func toRow(res *pipeline.Result, recordedAt time.Time) []interface{} {
	ev := res.Event
	reasons := res.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return []interface{}{
		ev.ID,
		ev.EmployeeID,
		ev.CompanyID,
		string(ev.Type),
		ev.Timestamp.UTC(),
		string(res.Status),
		res.DeviceOK,
		res.ScheduleOK,
		res.DuplicateOK,
		res.IntegrityOK,
		string(ev.DeviceClass),
		string(res.Duplicate.DuplicateType),
		res.Duplicate.Confidence,
		int32(res.Schedule.DelayMinutes),
		reasons,
		model.Codes(res.Warnings),
		recordedAt,
	}
}
