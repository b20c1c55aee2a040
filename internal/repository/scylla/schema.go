package scylla

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"clocktrust-service/internal/util"
)

type migration struct {
	Index       int
	Description string
	Query       string
}

// Events are written twice: once into the day partition of the employee's
// bucket for history scans, once keyed by event ID for verification.
var migrations = []migration{
	{
		Index:       1,
		Description: "Create clock_events_by_employee",
		Query: `CREATE TABLE IF NOT EXISTS clock_events_by_employee (
            employee_bucket int,
            day text,
            employee_id text,
            event_time timestamp,
            event_id text,
            utc_offset int,
            company_id text,
            user_id text,
            event_type text,
            latitude double,
            longitude double,
            ip_encrypted text,
            ip_dek text,
            ip_key_id text,
            device_descriptor text,
            device_id text,
            device_class text,
            photo_ref text,
            nfc_tag text,
            integrity_bundle text,
            created_at timestamp,
            PRIMARY KEY ((employee_bucket, day), employee_id, event_time, event_id)
        ) WITH CLUSTERING ORDER BY (employee_id ASC, event_time ASC, event_id ASC)`,
	},
	{
		Index:       2,
		Description: "Create clock_events_by_id",
		Query: `CREATE TABLE IF NOT EXISTS clock_events_by_id (
            event_bucket int,
            event_id text,
            employee_id text,
            event_time timestamp,
            utc_offset int,
            company_id text,
            user_id text,
            event_type text,
            latitude double,
            longitude double,
            ip_encrypted text,
            ip_dek text,
            ip_key_id text,
            device_descriptor text,
            device_id text,
            device_class text,
            photo_ref text,
            nfc_tag text,
            integrity_bundle text,
            created_at timestamp,
            PRIMARY KEY ((event_bucket, event_id))
        )`,
	},
	{
		Index:       3,
		Description: "Create employee_schedules",
		Query: `CREATE TABLE IF NOT EXISTS employee_schedules (
            employee_id text,
            day_of_week int,
            is_work_day boolean,
            start_time text,
            end_time text,
            break_start text,
            break_end text,
            tolerance_minutes int,
            updated_at timestamp,
            PRIMARY KEY ((employee_id), day_of_week)
        )`,
	},
}

// Migrate creates the tables in the session keyspace. Every statement is
// idempotent.
func (s *ScyllaClient) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if err := s.Session.Query(m.Query).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Index, m.Description, err)
		}
		util.Debug("Applied scylla migration", zap.Int("index", m.Index), zap.String("description", m.Description))
	}
	return nil
}
