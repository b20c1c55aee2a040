package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"clocktrust-service/internal/config"
	"clocktrust-service/internal/util"
)

const eventColumns = `event_id, employee_id, company_id, user_id, event_type, event_time, utc_offset,
            latitude, longitude, ip_encrypted, ip_dek, ip_key_id, device_descriptor, device_id,
            device_class, photo_ref, nfc_tag, integrity_bundle, created_at`

// PreparedStatements holds the statements the repositories run.
type PreparedStatements struct {
	InsertEventByEmployee *gocql.Query
	InsertEventByID       *gocql.Query
	GetEventsByPartition  *gocql.Query
	GetEventByID          *gocql.Query
	InsertScheduleDay     *gocql.Query
	DeleteScheduleDay     *gocql.Query
	GetSchedule           *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Migrate(ctx); err != nil {
		session.Close()
		return nil, err
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.InsertEventByEmployee = s.Session.Query(`
        INSERT INTO clock_events_by_employee (employee_bucket, day, ` + eventColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.InsertEventByID = s.Session.Query(`
        INSERT INTO clock_events_by_id (event_bucket, ` + eventColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetEventsByPartition = s.Session.Query(`
        SELECT ` + eventColumns + `
        FROM clock_events_by_employee
        WHERE employee_bucket = ? AND day = ? AND employee_id = ?
          AND event_time >= ? AND event_time <= ?`)

	prepared.GetEventByID = s.Session.Query(`
        SELECT ` + eventColumns + `
        FROM clock_events_by_id WHERE event_bucket = ? AND event_id = ?`)

	prepared.InsertScheduleDay = s.Session.Query(`
        INSERT INTO employee_schedules (
            employee_id, day_of_week, is_work_day, start_time, end_time,
            break_start, break_end, tolerance_minutes, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.DeleteScheduleDay = s.Session.Query(`
        DELETE FROM employee_schedules WHERE employee_id = ? AND day_of_week = ?`)

	prepared.GetSchedule = s.Session.Query(`
        SELECT day_of_week, is_work_day, start_time, end_time, break_start, break_end, tolerance_minutes
        FROM employee_schedules WHERE employee_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Debug("ScyllaDB prepared statements created")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries transient read failures. gocql.ErrNotFound is
// returned immediately.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
