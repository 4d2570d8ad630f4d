// Package config loads layered configuration: defaults in code, optional
// YAML file, then environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the transactional store connection.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifeSecs int    `yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// CacheConfig controls the read-mostly cache tier (§5).
type CacheConfig struct {
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds" env:"CACHE_DEFAULT_TTL_SECONDS"`
	RedisAddr         string `yaml:"redis_addr" env:"CACHE_REDIS_ADDR"`
}

// PollerConfig controls C1 defaults.
type PollerConfig struct {
	DefaultIntervalMinutes int `yaml:"default_interval_minutes" env:"POLLER_DEFAULT_INTERVAL_MINUTES"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" env:"POLLER_MAX_CONSECUTIVE_FAILURES"`
	HTTPTimeoutSeconds     int `yaml:"http_timeout_seconds" env:"POLLER_HTTP_TIMEOUT_SECONDS"`
	MaxConcurrentWorkers   int `yaml:"max_concurrent_workers" env:"POLLER_MAX_CONCURRENT_WORKERS"`
	HighWaterMark          int `yaml:"high_water_mark" env:"POLLER_HIGH_WATER_MARK"`
	LowWaterMark           int `yaml:"low_water_mark" env:"POLLER_LOW_WATER_MARK"`
}

// PipelineConfig controls C2 limits (§4.2, §6).
type PipelineConfig struct {
	MaxFileBytes         int64    `yaml:"max_file_bytes" env:"PIPELINE_MAX_FILE_BYTES"`
	AllowedContentTypes  []string `yaml:"allowed_content_types"`
	DownloadTimeoutSecs  int      `yaml:"download_timeout_seconds" env:"PIPELINE_DOWNLOAD_TIMEOUT_SECONDS"`
}

// SchedulerConfig controls C3 (§4.3, §6).
type SchedulerConfig struct {
	MaxConcurrent          int `yaml:"max_concurrent" env:"SCHEDULER_MAX_CONCURRENT"`
	TickSeconds            int `yaml:"tick_seconds" env:"SCHEDULER_TICK_SECONDS"`
	DefaultTimeoutSeconds  int `yaml:"default_timeout_seconds" env:"SCHEDULER_DEFAULT_TIMEOUT_SECONDS"`
}

// WorkflowConfig controls C4 default settings (§6).
type WorkflowConfig struct {
	FailureBehavior       string `yaml:"failure_behavior" env:"WORKFLOW_FAILURE_BEHAVIOR"`
	MaxAcceptableFailures int    `yaml:"max_acceptable_failures" env:"WORKFLOW_MAX_ACCEPTABLE_FAILURES"`
	MaxDurationSeconds    int    `yaml:"max_duration_seconds" env:"WORKFLOW_MAX_DURATION_SECONDS"`
}

// DRObjectiveConfig declares one DR objective (§3, §6).
type DRObjectiveConfig struct {
	Component     string   `yaml:"component"`
	RTOMinutes    int      `yaml:"rto_minutes"`
	RPOMinutes    int      `yaml:"rpo_minutes"`
	Priority      int      `yaml:"priority"`
	Automated     bool     `yaml:"automated"`
	Checks        []string `yaml:"checks"`
}

// DRConfig controls the DR subsystem.
type DRConfig struct {
	Objectives                 []DRObjectiveConfig `yaml:"objectives"`
	BackupValidationIntervalMin int                `yaml:"backup_validation_interval_minutes" env:"DR_BACKUP_VALIDATION_INTERVAL_MINUTES"`
}

// APMConfig controls the observability plane (§4.6.1).
type APMConfig struct {
	ResourceSampleIntervalSeconds int `yaml:"resource_sample_interval_seconds" env:"APM_RESOURCE_SAMPLE_INTERVAL_SECONDS"`
	SlowQueryThresholdMillis      int `yaml:"slow_query_threshold_millis" env:"APM_SLOW_QUERY_THRESHOLD_MILLIS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
	Poller    PollerConfig    `yaml:"poller"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	DR        DRConfig        `yaml:"dr"`
	APM       APMConfig       `yaml:"apm"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifeSecs: 300},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Cache:    CacheConfig{DefaultTTLSeconds: 300},
		Poller: PollerConfig{
			DefaultIntervalMinutes: 15,
			MaxConsecutiveFailures: 5,
			HTTPTimeoutSeconds:     30,
			MaxConcurrentWorkers:   8,
			HighWaterMark:          1000,
			LowWaterMark:           200,
		},
		Pipeline: PipelineConfig{
			MaxFileBytes:        50 * 1024 * 1024,
			AllowedContentTypes: []string{"application/pdf", "text/html", "text/plain"},
			DownloadTimeoutSecs: 60,
		},
		Scheduler: SchedulerConfig{MaxConcurrent: 10, TickSeconds: 15, DefaultTimeoutSeconds: 300},
		Workflow: WorkflowConfig{
			FailureBehavior:       "stop",
			MaxAcceptableFailures: 0,
			MaxDurationSeconds:    7 * 24 * 3600,
		},
		DR:  DRConfig{BackupValidationIntervalMin: 30},
		APM: APMConfig{ResourceSampleIntervalSeconds: 30, SlowQueryThresholdMillis: 1000},
	}
}

// Load loads configuration from an optional file and environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
