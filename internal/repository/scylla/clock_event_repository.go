package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"clocktrust-service/internal/bucketing"
	"clocktrust-service/internal/encryption"
	"clocktrust-service/internal/model"
	"clocktrust-service/internal/util"
)

// FieldEncryptor protects PII columns at rest.
type FieldEncryptor interface {
	EncryptField(ctx context.Context, plaintext string) (*encryption.EncryptedData, error)
	DecryptField(ctx context.Context, data *encryption.EncryptedData) (string, error)
}

type ClockEventRepository struct {
	client    *ScyllaClient
	buckets   *bucketing.Manager
	encryptor FieldEncryptor
	now       func() time.Time
}

func NewClockEventRepository(client *ScyllaClient, buckets *bucketing.Manager, encryptor FieldEncryptor) *ClockEventRepository {
	return &ClockEventRepository{
		client:    client,
		buckets:   buckets,
		encryptor: encryptor,
		now:       time.Now,
	}
}

// eventRow is the column image of a clock event, shared by both event tables.
type eventRow struct {
	EventID          string
	EmployeeID       string
	CompanyID        string
	UserID           string
	EventType        string
	EventTime        time.Time
	UTCOffset        int
	Latitude         *float64
	Longitude        *float64
	IPEncrypted      string
	IPDEK            string
	IPKeyID          string
	DeviceDescriptor string
	DeviceID         string
	DeviceClass      string
	PhotoRef         string
	NFCTag           string
	IntegrityBundle  string
	CreatedAt        time.Time
}

func (r *eventRow) values() []interface{} {
	return []interface{}{
		r.EventID, r.EmployeeID, r.CompanyID, r.UserID, r.EventType, r.EventTime, r.UTCOffset,
		r.Latitude, r.Longitude, r.IPEncrypted, r.IPDEK, r.IPKeyID, r.DeviceDescriptor, r.DeviceID,
		r.DeviceClass, r.PhotoRef, r.NFCTag, r.IntegrityBundle, r.CreatedAt,
	}
}

func (r *eventRow) dest() []interface{} {
	return []interface{}{
		&r.EventID, &r.EmployeeID, &r.CompanyID, &r.UserID, &r.EventType, &r.EventTime, &r.UTCOffset,
		&r.Latitude, &r.Longitude, &r.IPEncrypted, &r.IPDEK, &r.IPKeyID, &r.DeviceDescriptor, &r.DeviceID,
		&r.DeviceClass, &r.PhotoRef, &r.NFCTag, &r.IntegrityBundle, &r.CreatedAt,
	}
}

func toRow(ctx context.Context, enc FieldEncryptor, ev *model.ClockEvent) (*eventRow, error) {
	_, offset := ev.Timestamp.Zone()
	row := &eventRow{
		EventID:          ev.ID,
		EmployeeID:       ev.EmployeeID,
		CompanyID:        ev.CompanyID,
		UserID:           ev.UserID,
		EventType:        string(ev.Type),
		EventTime:        ev.Timestamp.UTC(),
		UTCOffset:        offset,
		Latitude:         ev.Latitude,
		Longitude:        ev.Longitude,
		DeviceDescriptor: ev.DeviceDescriptor,
		DeviceID:         ev.DeviceID,
		DeviceClass:      string(ev.DeviceClass),
		PhotoRef:         ev.PhotoRef,
		NFCTag:           ev.NFCTag,
		CreatedAt:        ev.CreatedAt,
	}

	if ev.IPAddress != "" {
		data, err := enc.EncryptField(ctx, ev.IPAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt ip address: %w", err)
		}
		row.IPEncrypted = data.EncryptedValue
		row.IPDEK = data.EncryptedDEK
		row.IPKeyID = data.KeyID
	}

	if ev.IntegrityBundle != nil {
		raw, err := json.Marshal(ev.IntegrityBundle)
		if err != nil {
			return nil, fmt.Errorf("failed to encode integrity bundle: %w", err)
		}
		row.IntegrityBundle = string(raw)
	}
	return row, nil
}

func fromRow(ctx context.Context, enc FieldEncryptor, row *eventRow) (*model.ClockEvent, error) {
	zone := time.FixedZone("", row.UTCOffset)
	ev := &model.ClockEvent{
		ID:               row.EventID,
		EmployeeID:       row.EmployeeID,
		CompanyID:        row.CompanyID,
		UserID:           row.UserID,
		Type:             model.EventType(row.EventType),
		Timestamp:        row.EventTime.In(zone),
		Latitude:         row.Latitude,
		Longitude:        row.Longitude,
		DeviceDescriptor: row.DeviceDescriptor,
		DeviceID:         row.DeviceID,
		DeviceClass:      model.DeviceClass(row.DeviceClass),
		PhotoRef:         row.PhotoRef,
		NFCTag:           row.NFCTag,
		CreatedAt:        row.CreatedAt,
	}

	if row.IPEncrypted != "" {
		ip, err := enc.DecryptField(ctx, &encryption.EncryptedData{
			EncryptedValue: row.IPEncrypted,
			EncryptedDEK:   row.IPDEK,
			KeyID:          row.IPKeyID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt ip address of event %s: %w", row.EventID, err)
		}
		ev.IPAddress = ip
	}

	if row.IntegrityBundle != "" {
		var bundle model.IntegrityBundle
		if err := json.Unmarshal([]byte(row.IntegrityBundle), &bundle); err != nil {
			return nil, fmt.Errorf("failed to decode integrity bundle of event %s: %w", row.EventID, err)
		}
		ev.IntegrityBundle = &bundle
	}
	return ev, nil
}

// SaveEvent writes both event tables in one logged batch.
func (r *ClockEventRepository) SaveEvent(ctx context.Context, ev *model.ClockEvent) error {
	if _, err := r.GetEvent(ctx, ev.ID); err == nil {
		return fmt.Errorf("%w: %s", model.ErrEventExists, ev.ID)
	} else if !errors.Is(err, model.ErrEventNotFound) {
		return err
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now().UTC()
	}
	row, err := toRow(ctx, r.encryptor, ev)
	if err != nil {
		return err
	}

	partition := r.buckets.Partition(ev.EmployeeID, ev.Timestamp)
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Prepared.InsertEventByEmployee.Statement(),
		append([]interface{}{partition.EmployeeBucket, partition.Day}, row.values()...)...)
	batch.Query(r.client.Prepared.InsertEventByID.Statement(),
		append([]interface{}{r.buckets.EventBucket(ev.ID)}, row.values()...)...)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to save clock event",
			zap.String("event_id", ev.ID),
			zap.String("employee_id", ev.EmployeeID),
			zap.Error(err))
		return fmt.Errorf("failed to save clock event: %w", err)
	}

	util.Debug("Clock event stored",
		zap.String("event_id", ev.ID),
		zap.Int("employee_bucket", partition.EmployeeBucket),
		zap.String("day", partition.Day))
	return nil
}

func (r *ClockEventRepository) GetEvent(ctx context.Context, eventID string) (*model.ClockEvent, error) {
	row := &eventRow{}
	query := r.client.Prepared.GetEventByID.Bind(r.buckets.EventBucket(eventID), eventID).WithContext(ctx)

	if err := r.client.ScanWithRetry(query, row.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrEventNotFound, eventID)
		}
		util.Error("Failed to get clock event", zap.String("event_id", eventID), zap.Error(err))
		return nil, fmt.Errorf("failed to get clock event: %w", err)
	}
	return fromRow(ctx, r.encryptor, row)
}

// partitions lists the UTC day partitions covering [since, until]. The range
// is bounded by the caller's window only, never by the server clock.
func (r *ClockEventRepository) partitions(employeeID string, since, until time.Time) []bucketing.Partition {
	return r.buckets.Partitions(employeeID, since, until)
}

// RecentEvents scans every day partition between since and until.
func (r *ClockEventRepository) RecentEvents(ctx context.Context, employeeID string, since, until time.Time) ([]model.ClockEvent, error) {
	if until.Before(since) {
		since, until = until, since
	}

	var events []model.ClockEvent
	for _, p := range r.partitions(employeeID, since, until) {
		iter := r.client.Prepared.GetEventsByPartition.
			Bind(p.EmployeeBucket, p.Day, employeeID, since.UTC(), until.UTC()).
			WithContext(ctx).
			Iter()

		row := &eventRow{}
		for iter.Scan(row.dest()...) {
			ev, err := fromRow(ctx, r.encryptor, row)
			if err != nil {
				_ = iter.Close()
				return nil, err
			}
			events = append(events, *ev)
			row = &eventRow{}
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to read events for %s on %s: %w", employeeID, p.Day, err)
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}
