package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Pipeline      PipelineConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	TLSPort        int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration // bounds one pipeline invocation
	AllowedOrigins []string

	EnableTLS   bool
	AutoCert    bool
	Domain      string
	Email       string
	CertFile    string
	KeyFile     string
	AutoCertDir string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers      []string
	VerdictTopic string
	Enabled      bool
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL           string
	Username      string
	Password      string
	Database      string
	BatchSize     int
	FlushInterval time.Duration
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string

	// LocalKey is a hex encoded 32 byte key used when KMS is disabled.
	LocalKey    string
	KeyCacheTTL time.Duration
}

type BucketingConfig struct {
	EmployeeBuckets int
	EventBuckets    int
}

// PipelineConfig carries the defaults the validators are built from.
type PipelineConfig struct {
	Store            string // "memory" or "scylla"
	Locker           string // "local" or "redis"
	LockTTL          time.Duration
	LockWait         time.Duration
	HistoryLookback  time.Duration
	BatchConcurrency int
	RateLimit        int
	RateLimitWindow  time.Duration
	ScheduleCacheTTL time.Duration
	ScheduleSeedFile string

	Device    DeviceDefaults
	Schedule  ScheduleDefaults
	Duplicate DuplicateDefaults
	Integrity IntegrityDefaults
}

type DeviceDefaults struct {
	AllowMobile          bool
	AllowDesktop         bool
	AllowTablet          bool
	BlockVirtualMachines bool
	BlockEmulators       bool
	RequireSecureContext bool
}

type ScheduleDefaults struct {
	GracePeriodMinutes   int
	AllowEarlyEntry      bool
	MaxEarlyEntryMinutes int
	AllowLateExit        bool
	MaxLateExitMinutes   int
	RequireBreak         bool
	MinBreakMinutes      int
	MaxBreakMinutes      int
	StrictLateness       bool
}

type DuplicateDefaults struct {
	Strategy                 string
	TimeWindowMinutes        int
	CorrelationWindowMinutes int
	LocationThresholdMeters  float64
	AllowMultipleSameType    bool
	MaxRecordsPerDay         int
}

type IntegrityDefaults struct {
	Algorithm       string
	Encoding        string
	Precision       string
	IncludeLocation bool
	IncludeDevice   bool
	IncludeIP       bool
	IncludePhoto    bool
	IncludeNFC      bool
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			TLSPort:        getEnvAsInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 10*time.Second),
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			EnableTLS:      getEnvAsBool("ENABLE_TLS", false),
			AutoCert:       getEnvAsBool("TLS_AUTOCERT", false),
			Domain:         getEnv("TLS_DOMAIN", ""),
			Email:          getEnv("TLS_EMAIL", ""),
			CertFile:       getEnv("TLS_CERT_FILE", "./certs/server.crt"),
			KeyFile:        getEnv("TLS_KEY_FILE", "./certs/server.key"),
			AutoCertDir:    getEnv("TLS_AUTOCERT_DIR", "./certs/autocert"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvAsSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "clocktrust"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			VerdictTopic: getEnv("KAFKA_VERDICT_TOPIC", "clock-events.verdicts"),
			Enabled:      getEnvAsBool("KAFKA_ENABLED", true),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "clock-event-audit"),
		},
		Clickhouse: ClickhouseConfig{
			URL:           getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username:      getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:      getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:      getEnv("CLICKHOUSE_DATABASE", "clocktrust"),
			BatchSize:     getEnvAsInt("CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getEnvAsDuration("CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
		},
		KMS: KMSConfig{
			Enabled:     getEnvAsBool("KMS_ENABLED", false),
			KeyID:       getEnv("KMS_KEY_ID", ""),
			Region:      getEnv("AWS_REGION", "us-east-1"),
			LocalKey:    getEnv("LOCAL_ENCRYPTION_KEY", ""),
			KeyCacheTTL: getEnvAsDuration("KMS_KEY_CACHE_TTL", time.Hour),
		},
		Bucketing: BucketingConfig{
			EmployeeBuckets: getEnvAsInt("EMPLOYEE_BUCKETS", 256),
			EventBuckets:    getEnvAsInt("EVENT_BUCKETS", 16),
		},
		Pipeline: PipelineConfig{
			Store:            getEnv("PIPELINE_STORE", "scylla"),
			Locker:           getEnv("PIPELINE_LOCKER", "redis"),
			LockTTL:          getEnvAsDuration("PIPELINE_LOCK_TTL", 10*time.Second),
			LockWait:         getEnvAsDuration("PIPELINE_LOCK_WAIT", 3*time.Second),
			HistoryLookback:  getEnvAsDuration("PIPELINE_HISTORY_LOOKBACK", 24*time.Hour),
			BatchConcurrency: getEnvAsInt("PIPELINE_BATCH_CONCURRENCY", 8),
			RateLimit:        getEnvAsInt("PIPELINE_RATE_LIMIT", 30),
			RateLimitWindow:  getEnvAsDuration("PIPELINE_RATE_LIMIT_WINDOW", time.Minute),
			ScheduleCacheTTL: getEnvAsDuration("SCHEDULE_CACHE_TTL", 15*time.Minute),
			ScheduleSeedFile: getEnv("SCHEDULE_SEED_FILE", ""),
			Device: DeviceDefaults{
				AllowMobile:          getEnvAsBool("DEVICE_ALLOW_MOBILE", true),
				AllowDesktop:         getEnvAsBool("DEVICE_ALLOW_DESKTOP", true),
				AllowTablet:          getEnvAsBool("DEVICE_ALLOW_TABLET", true),
				BlockVirtualMachines: getEnvAsBool("DEVICE_BLOCK_VM", false),
				BlockEmulators:       getEnvAsBool("DEVICE_BLOCK_EMULATORS", true),
				RequireSecureContext: getEnvAsBool("DEVICE_REQUIRE_SECURE_CONTEXT", false),
			},
			Schedule: ScheduleDefaults{
				GracePeriodMinutes:   getEnvAsInt("SCHEDULE_GRACE_MINUTES", 0),
				AllowEarlyEntry:      getEnvAsBool("SCHEDULE_ALLOW_EARLY_ENTRY", true),
				MaxEarlyEntryMinutes: getEnvAsInt("SCHEDULE_MAX_EARLY_ENTRY_MINUTES", 30),
				AllowLateExit:        getEnvAsBool("SCHEDULE_ALLOW_LATE_EXIT", true),
				MaxLateExitMinutes:   getEnvAsInt("SCHEDULE_MAX_LATE_EXIT_MINUTES", 120),
				RequireBreak:         getEnvAsBool("SCHEDULE_REQUIRE_BREAK", false),
				MinBreakMinutes:      getEnvAsInt("SCHEDULE_MIN_BREAK_MINUTES", 30),
				MaxBreakMinutes:      getEnvAsInt("SCHEDULE_MAX_BREAK_MINUTES", 90),
				StrictLateness:       getEnvAsBool("SCHEDULE_STRICT_LATENESS", false),
			},
			Duplicate: DuplicateDefaults{
				Strategy:                 getEnv("DUPLICATE_STRATEGY", "HYBRID"),
				TimeWindowMinutes:        getEnvAsInt("DUPLICATE_TIME_WINDOW_MINUTES", 5),
				CorrelationWindowMinutes: getEnvAsInt("DUPLICATE_CORRELATION_WINDOW_MINUTES", 30),
				LocationThresholdMeters:  getEnvAsFloat("DUPLICATE_LOCATION_THRESHOLD_METERS", 50),
				AllowMultipleSameType:    getEnvAsBool("DUPLICATE_ALLOW_MULTIPLE_SAME_TYPE", false),
				MaxRecordsPerDay:         getEnvAsInt("DUPLICATE_MAX_RECORDS_PER_DAY", 8),
			},
			Integrity: IntegrityDefaults{
				Algorithm:       getEnv("INTEGRITY_ALGORITHM", "SHA-256"),
				Encoding:        getEnv("INTEGRITY_ENCODING", "hex"),
				Precision:       getEnv("INTEGRITY_PRECISION", "second"),
				IncludeLocation: getEnvAsBool("INTEGRITY_INCLUDE_LOCATION", true),
				IncludeDevice:   getEnvAsBool("INTEGRITY_INCLUDE_DEVICE", true),
				IncludeIP:       getEnvAsBool("INTEGRITY_INCLUDE_IP", true),
				IncludePhoto:    getEnvAsBool("INTEGRITY_INCLUDE_PHOTO", true),
				IncludeNFC:      getEnvAsBool("INTEGRITY_INCLUDE_NFC", true),
			},
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the most recently loaded config, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server port %d out of range", c.Server.Port))
	}
	if c.Server.EnableTLS && c.Server.AutoCert && c.Server.Domain == "" {
		problems = append(problems, "autocert requires TLS_DOMAIN")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		problems = append(problems, "KMS enabled without KMS_KEY_ID")
	}
	if c.Bucketing.EmployeeBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		problems = append(problems, "bucket counts must be positive")
	}

	p := c.Pipeline
	switch p.Store {
	case "memory", "scylla":
	default:
		problems = append(problems, fmt.Sprintf("unknown pipeline store %q", p.Store))
	}
	switch p.Locker {
	case "local", "redis":
	default:
		problems = append(problems, fmt.Sprintf("unknown pipeline locker %q", p.Locker))
	}
	if p.LockTTL <= 0 {
		problems = append(problems, "lock TTL must be positive")
	}
	if p.BatchConcurrency <= 0 {
		problems = append(problems, "batch concurrency must be positive")
	}
	if p.Schedule.GracePeriodMinutes < 0 || p.Schedule.MaxEarlyEntryMinutes < 0 || p.Schedule.MaxLateExitMinutes < 0 {
		problems = append(problems, "schedule minutes must not be negative")
	}
	if p.Schedule.MinBreakMinutes > p.Schedule.MaxBreakMinutes {
		problems = append(problems, "minimum break exceeds maximum break")
	}
	if p.Duplicate.TimeWindowMinutes <= 0 || p.Duplicate.LocationThresholdMeters <= 0 {
		problems = append(problems, "duplicate window and threshold must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
