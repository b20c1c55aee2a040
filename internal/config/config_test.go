package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "clock-events.verdicts", cfg.Kafka.VerdictTopic)
	assert.Equal(t, "HYBRID", cfg.Pipeline.Duplicate.Strategy)
	assert.Equal(t, 5, cfg.Pipeline.Duplicate.TimeWindowMinutes)
	assert.True(t, cfg.Pipeline.Device.BlockEmulators)
	assert.Equal(t, "SHA-256", cfg.Pipeline.Integrity.Algorithm)
	assert.Same(t, cfg, Get())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PIPELINE_LOCK_TTL", "30s")
	t.Setenv("DUPLICATE_LOCATION_THRESHOLD_METERS", "75.5")
	t.Setenv("DEVICE_BLOCK_VM", "true")

	cfg := LoadConfig()

	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "127.0.0.1:9090", cfg.GetServerAddress())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.LockTTL)
	assert.Equal(t, 75.5, cfg.Pipeline.Duplicate.LocationThresholdMeters)
	assert.True(t, cfg.Pipeline.Device.BlockVirtualMachines)
}

func TestValidateRejectsImpossibleValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"kms without key", func(c *Config) { c.KMS.Enabled = true; c.KMS.KeyID = "" }},
		{"store", func(c *Config) { c.Pipeline.Store = "postgres" }},
		{"locker", func(c *Config) { c.Pipeline.Locker = "zookeeper" }},
		{"breaks", func(c *Config) { c.Pipeline.Schedule.MinBreakMinutes = 120 }},
		{"buckets", func(c *Config) { c.Bucketing.EmployeeBuckets = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := LoadConfig()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
