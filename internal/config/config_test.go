package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Console)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, 1000, cfg.Scheduler.DLQCapacity)
	assert.Equal(t, 50, cfg.Scheduler.AlertWarning)
	assert.Equal(t, 100, cfg.Scheduler.AlertCritical)
	assert.Equal(t, 2, cfg.Partition.InlineThreshold)
	assert.Empty(t, cfg.Scheduler.Lanes)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "laneq.json")
	data := `{
		"logging": {"level": "debug", "console": false},
		"scheduler": {
			"dlq_capacity": 50,
			"aging_interval": "250ms",
			"lanes": [
				{"name": "prompt", "max_concurrency": 2, "rate_per_minute": 30}
			]
		},
		"partition": {"inline_threshold": 5, "trivial_kinds": ["ls", "glob"]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Console)
	assert.Equal(t, 50, cfg.Scheduler.DLQCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.AgingIntervalDuration())
	require.Len(t, cfg.Scheduler.Lanes, 1)
	assert.Equal(t, "prompt", cfg.Scheduler.Lanes[0].Name)
	assert.Equal(t, 2, cfg.Scheduler.Lanes[0].MaxConcurrency)
	assert.Equal(t, 30, cfg.Scheduler.Lanes[0].RatePerMinute)
	assert.Equal(t, 5, cfg.Partition.InlineThreshold)
	assert.Equal(t, []string{"ls", "glob"}, cfg.Partition.TrivialKinds)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestAgingIntervalDuration_Fallback(t *testing.T) {
	assert.Equal(t, time.Second, SchedulerConfig{}.AgingIntervalDuration())
	assert.Equal(t, time.Second, SchedulerConfig{AgingInterval: "bogus"}.AgingIntervalDuration())
	assert.Equal(t, 5*time.Second, SchedulerConfig{AgingInterval: "5s"}.AgingIntervalDuration())
}
