package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level daemon configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" json:"metrics"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" json:"scheduler"`
	Partition PartitionConfig `mapstructure:"partition" json:"partition"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level   string `mapstructure:"level" json:"level"`
	File    string `mapstructure:"file" json:"file"`
	Console bool   `mapstructure:"console" json:"console"`
	Pretty  bool   `mapstructure:"pretty" json:"pretty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
}

// SchedulerConfig controls dispatcher behaviour.
type SchedulerConfig struct {
	Lanes          []LaneConfig `mapstructure:"lanes" json:"lanes"`
	DLQCapacity    int          `mapstructure:"dlq_capacity" json:"dlq_capacity"`
	DLQStorePath   string       `mapstructure:"dlq_store_path" json:"dlq_store_path"`
	AgingInterval  string       `mapstructure:"aging_interval" json:"aging_interval"`
	AlertWarning   int          `mapstructure:"alert_warning" json:"alert_warning"`
	AlertCritical  int          `mapstructure:"alert_critical" json:"alert_critical"`
	AuditLogPath   string       `mapstructure:"audit_log_path" json:"audit_log_path"`
	TracingEnabled bool         `mapstructure:"tracing_enabled" json:"tracing_enabled"`
}

// LaneConfig describes a single lane override. Fields left zero fall
// back to the built-in defaults for that lane name.
type LaneConfig struct {
	Name           string `mapstructure:"name" json:"name"`
	Rank           int    `mapstructure:"rank" json:"rank"`
	MinConcurrency int    `mapstructure:"min_concurrency" json:"min_concurrency"`
	MaxConcurrency int    `mapstructure:"max_concurrency" json:"max_concurrency"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" json:"max_retries"`
	RatePerMinute  int    `mapstructure:"rate_per_minute" json:"rate_per_minute"`
	BoostAfterSecs int    `mapstructure:"boost_after_seconds" json:"boost_after_seconds"`
}

// PartitionConfig controls the batch partitioner.
type PartitionConfig struct {
	InlineThreshold int      `mapstructure:"inline_threshold" json:"inline_threshold"`
	TrivialKinds    []string `mapstructure:"trivial_kinds" json:"trivial_kinds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Scheduler: SchedulerConfig{
			DLQCapacity:   1000,
			AgingInterval: "1s",
			AlertWarning:  50,
			AlertCritical: 100,
		},
		Partition: PartitionConfig{
			InlineThreshold: 2,
		},
	}
}

// Load reads configuration from the given file path. An empty path
// loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("LANEQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := ValidateFile(path); err != nil {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// AgingIntervalDuration parses the aging interval, falling back to 1s.
func (s SchedulerConfig) AgingIntervalDuration() time.Duration {
	d, err := time.ParseDuration(s.AgingInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}
