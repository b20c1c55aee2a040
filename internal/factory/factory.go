package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clocktrust-service/internal/analytics"
	"clocktrust-service/internal/audit"
	"clocktrust-service/internal/bucketing"
	"clocktrust-service/internal/client"
	"clocktrust-service/internal/config"
	"clocktrust-service/internal/device"
	"clocktrust-service/internal/duplicate"
	"clocktrust-service/internal/encryption"
	"clocktrust-service/internal/integrity"
	"clocktrust-service/internal/pipeline"
	"clocktrust-service/internal/repository/redis"
	"clocktrust-service/internal/repository/scylla"
	"clocktrust-service/internal/schedule"
	"clocktrust-service/internal/service"
	"clocktrust-service/internal/tls"
	"clocktrust-service/internal/util"
)

const (
	storeMemory  = "memory"
	storeScylla  = "scylla"
	lockerLocal  = "local"
	lockerRedis  = "redis"
	startTimeout = 30 * time.Second
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	// Stores
	eventStore    pipeline.HistoryStore
	scheduleStore service.ScheduleStore
	locker        pipeline.Locker
	rateLimiter   *redis.RateLimitCache

	pipeline       *pipeline.Pipeline
	auditIndexer   *audit.Indexer
	recorder       *analytics.Recorder
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializePipeline(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	f.initializeSinks(ctx)

	if path := cfg.Pipeline.ScheduleSeedFile; path != "" {
		n, err := f.ServiceFactory().ClockEventService().SeedSchedules(ctx, path)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seed schedules: %w", err)
		}
		util.Info("Schedules seeded", util.String("path", path), util.Int("count", n))
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store", f.storeKind()),
		util.String("locker", f.lockerKind()),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("audit_enabled", f.auditIndexer != nil),
		util.Bool("analytics_enabled", f.recorder != nil),
	)

	return f, nil
}

// initializeClients connects to every configured backend. Outside production
// a failed backend is logged and the component that needs it falls back or
// is switched off.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error
	cfg := f.config

	// Redis
	if c, err := client.NewRedisClient(cfg, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else if err := c.HealthCheck(ctx); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		_ = c.Close()
	} else {
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
	}

	// ScyllaDB
	if cfg.Pipeline.Store == storeScylla {
		if c, err := scylla.NewScyllaClient(cfg, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			c.Close()
		} else {
			f.scyllaClient = c
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if cfg.Elasticsearch.URL != "" {
		if c, err := client.NewElasticsearchClient(cfg, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if cfg.Clickhouse.URL != "" {
		if c, err := client.NewClickHouseClient(cfg, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			_ = c.Close()
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			f.Close()
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	kmsCfg := f.config.KMS
	if kmsCfg.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, kmsCfg.Region)
		if err != nil {
			return err
		}
		f.encryptionManager = encryption.NewKMSManager(kmsClient, kmsCfg.KeyID, kmsCfg.KeyCacheTTL, util.Get())
	} else {
		mgr, err := encryption.NewLocalManager(kmsCfg.LocalKey, kmsCfg.KeyCacheTTL, util.Get())
		if err != nil {
			return err
		}
		f.encryptionManager = mgr
	}

	f.bucketingManager = bucketing.NewManager(f.config.Bucketing.EmployeeBuckets, f.config.Bucketing.EventBuckets)

	util.Info("Managers initialized successfully",
		util.Bool("kms_enabled", kmsCfg.Enabled),
		util.Int("employee_buckets", f.config.Bucketing.EmployeeBuckets),
		util.Int("event_buckets", f.config.Bucketing.EventBuckets),
	)
	return nil
}

// initializePipeline picks the history store, schedule store and locker
// from config and the clients that actually came up.
func (f *Factory) initializePipeline() error {
	pc := f.config.Pipeline

	pipelineCfg, err := PipelineConfig(f.config)
	if err != nil {
		return err
	}

	var backing redis.ScheduleStore
	if f.scyllaClient != nil {
		f.eventStore = scylla.NewClockEventRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager)
		backing = scylla.NewScheduleRepository(f.scyllaClient)
	} else {
		if pc.Store == storeScylla {
			util.Warn("ScyllaDB unavailable, using the in-memory store")
		}
		mem := pipeline.NewMemoryStore()
		f.eventStore = mem
		backing = mem
	}

	if f.redisClient != nil {
		f.scheduleStore = redis.NewScheduleCache(f.redisClient, backing, pc.ScheduleCacheTTL)
		f.rateLimiter = redis.NewRateLimitCache(f.redisClient)
	} else {
		f.scheduleStore = backing
	}

	if pc.Locker == lockerRedis && f.redisClient != nil {
		f.locker = redis.NewLockCache(f.redisClient, pc.LockTTL, pc.LockWait)
	} else {
		if pc.Locker == lockerRedis {
			util.Warn("Redis unavailable, serializing submissions in-process only")
		}
		f.locker = pipeline.NewKeyedMutex()
	}

	f.pipeline = pipeline.New(pipelineCfg, f.locker, f.eventStore, f.scheduleStore, integrity.NewSealer(), util.Get())
	return nil
}

// initializeSinks sets up the audit index and the analytics recorder.
func (f *Factory) initializeSinks(ctx context.Context) {
	if f.esClient != nil {
		f.auditIndexer = audit.NewIndexer(f.esClient, f.config.Elasticsearch.AuditIndex, util.Get())
	}

	if f.clickhouseClient != nil {
		rec := analytics.NewRecorder(f.clickhouseClient, f.config.Clickhouse.BatchSize, f.config.Clickhouse.FlushInterval, util.Get())
		if err := rec.EnsureSchema(ctx); err != nil {
			util.Warn("ClickHouse schema setup failed - proceeding without analytics", util.ErrorField(err))
			return
		}
		rec.Start()
		f.recorder = rec
	}
}

// PipelineConfig converts the loaded defaults into the pipeline's config.
func PipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	p := cfg.Pipeline
	out := pipeline.DefaultConfig()

	out.HistoryLookback = p.HistoryLookback
	out.BatchConcurrency = p.BatchConcurrency

	out.Device = device.Config{
		AllowMobile:          p.Device.AllowMobile,
		AllowDesktop:         p.Device.AllowDesktop,
		AllowTablet:          p.Device.AllowTablet,
		BlockVirtualMachines: p.Device.BlockVirtualMachines,
		BlockEmulators:       p.Device.BlockEmulators,
		RequireSecureContext: p.Device.RequireSecureContext,
	}

	out.Schedule = schedule.Config{
		AllowEarlyEntry:      p.Schedule.AllowEarlyEntry,
		AllowLateExit:        p.Schedule.AllowLateExit,
		MaxEarlyEntryMinutes: p.Schedule.MaxEarlyEntryMinutes,
		MaxLateExitMinutes:   p.Schedule.MaxLateExitMinutes,
		RequireBreak:         p.Schedule.RequireBreak,
		MinBreakMinutes:      p.Schedule.MinBreakMinutes,
		MaxBreakMinutes:      p.Schedule.MaxBreakMinutes,
		GracePeriodMinutes:   p.Schedule.GracePeriodMinutes,
		StrictLateness:       p.Schedule.StrictLateness,
	}

	strategy, err := duplicate.ParseStrategy(p.Duplicate.Strategy)
	if err != nil {
		return pipeline.Config{}, err
	}
	out.Strategy = strategy
	out.Duplicate.TimeWindowMinutes = p.Duplicate.TimeWindowMinutes
	out.Duplicate.CorrelationWindowMinutes = p.Duplicate.CorrelationWindowMinutes
	out.Duplicate.LocationThresholdMeters = p.Duplicate.LocationThresholdMeters
	out.Duplicate.AllowMultipleSameType = p.Duplicate.AllowMultipleSameType
	out.Duplicate.MaxRecordsPerDay = p.Duplicate.MaxRecordsPerDay

	out.Integrity = integrity.Config{
		Algorithm:       integrity.Algorithm(p.Integrity.Algorithm),
		Encoding:        integrity.Encoding(p.Integrity.Encoding),
		Precision:       integrity.Precision(p.Integrity.Precision),
		IncludeLocation: p.Integrity.IncludeLocation,
		IncludeDevice:   p.Integrity.IncludeDevice,
		IncludeIP:       p.Integrity.IncludeIP,
		IncludePhoto:    p.Integrity.IncludePhoto,
		IncludeNFC:      p.Integrity.IncludeNFC,
	}
	return out, nil
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		sf := service.NewServiceFactory(f.pipeline, f.scheduleStore, service.Options{
			VerdictTopic:    f.config.Kafka.VerdictTopic,
			RateLimit:       f.config.Pipeline.RateLimit,
			RateLimitWindow: f.config.Pipeline.RateLimitWindow,
		}, util.Get())
		if f.rateLimiter != nil {
			sf.WithLimiter(f.rateLimiter)
		}
		if f.kafkaProducer != nil {
			sf.WithPublisher(f.kafkaProducer)
		}
		if f.auditIndexer != nil {
			sf.WithAudit(f.auditIndexer)
		}
		if f.recorder != nil {
			sf.WithAnalytics(f.recorder)
		}
		f.serviceFactory = sf
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports failing dependencies. Kafka, Elasticsearch and
// ClickHouse only count when they were configured and came up.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else if f.config.Pipeline.Locker == lockerRedis {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	} else if f.config.Pipeline.Store == storeScylla {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}
	if f.pipeline == nil {
		healthErrors["pipeline"] = fmt.Errorf("pipeline not initialized")
	}

	return healthErrors
}

// IsHealthy ignores Kafka; verdict publishing is best effort.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.recorder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.recorder.Close(ctx); err != nil {
				util.Error("Failed to flush analytics", util.ErrorField(err))
			}
			cancel()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Pipeline() *pipeline.Pipeline {
	return f.pipeline
}

func (f *Factory) storeKind() string {
	if f.scyllaClient != nil {
		return storeScylla
	}
	return storeMemory
}

func (f *Factory) lockerKind() string {
	if _, ok := f.locker.(*redis.LockCache); ok {
		return lockerRedis
	}
	return lockerLocal
}
