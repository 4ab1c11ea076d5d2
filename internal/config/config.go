// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/marketwatch/internal/database"
	"github.com/aristath/marketwatch/internal/monitor"
	"github.com/aristath/marketwatch/internal/reliability"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment variable, e.g. MARKETWATCH_PORT
const EnvPrefix = "MARKETWATCH"

// Config holds application configuration
type Config struct {
	DataDir  string `envconfig:"DATA_DIR" default:"./data"` // Always absolute after Load
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Port     int    `envconfig:"PORT" default:"8001"`
	DevMode  bool   `envconfig:"DEV_MODE" default:"false"`

	Store    StoreConfig
	Monitor  MonitorConfig
	Queue    QueueConfig
	OCR      OCRConfig
	Backup   BackupConfig
	Schedule ScheduleConfig
}

// StoreConfig holds database and retention settings
type StoreConfig struct {
	BusyTimeout       time.Duration `envconfig:"BUSY_TIMEOUT" default:"5s"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"5"`
	TransactionBudget time.Duration `envconfig:"TRANSACTION_BUDGET" default:"30s"`
	RetentionDays     int           `envconfig:"RETENTION_DAYS" default:"30"`
	InactiveDays      int           `envconfig:"INACTIVE_DAYS" default:"7"`
}

// MonitorConfig holds change detection timing
type MonitorConfig struct {
	StatusTransitionDelay time.Duration `envconfig:"STATUS_TRANSITION_DELAY" default:"300s"`
	StatusCheckInterval   time.Duration `envconfig:"STATUS_CHECK_INTERVAL" default:"60s"`
}

// QueueConfig holds OCR queue settings
type QueueConfig struct {
	Workers       int           `envconfig:"WORKERS" default:"2"`
	MaxSize       int           `envconfig:"MAX_SIZE" default:"100"`
	SubmitTimeout time.Duration `envconfig:"SUBMIT_TIMEOUT" default:"2s"`
	MaxAttempts   int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	HistoryCap    int           `envconfig:"HISTORY_CAP" default:"1000"`
	StopTimeout   time.Duration `envconfig:"STOP_TIMEOUT" default:"10s"`
}

// OCRConfig points at the OCR service
type OCRConfig struct {
	Endpoint string        `envconfig:"ENDPOINT" default:"http://localhost:9000/ocr"`
	APIKey   string        `envconfig:"API_KEY" default:""`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"30s"`
}

// BackupConfig holds offsite backup settings (any S3-compatible bucket)
type BackupConfig struct {
	Enabled         bool   `envconfig:"ENABLED" default:"false"`
	Bucket          string `envconfig:"BUCKET" default:""`
	Endpoint        string `envconfig:"ENDPOINT" default:""`
	Region          string `envconfig:"REGION" default:"auto"`
	AccessKeyID     string `envconfig:"ACCESS_KEY_ID" default:""`
	SecretAccessKey string `envconfig:"SECRET_ACCESS_KEY" default:""`
	Prefix          string `envconfig:"PREFIX" default:"backups/"`
	Keep            int    `envconfig:"KEEP" default:"7"`
}

// ScheduleConfig holds cron expressions (with seconds). An empty schedule disables the job.
type ScheduleConfig struct {
	StatusTransitions string `envconfig:"STATUS_TRANSITIONS" default:"0 * * * * *"`
	InactiveSweep     string `envconfig:"INACTIVE_SWEEP" default:"0 0 3 * * *"`
	Retention         string `envconfig:"RETENTION" default:"0 30 3 * * *"`
	Maintenance       string `envconfig:"MAINTENANCE" default:"0 0 * * * *"`
	Backup            string `envconfig:"BACKUP" default:"0 0 4 * * *"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and required combinations
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("store max retries must not be negative")
	}
	if c.Store.BusyTimeout <= 0 || c.Store.TransactionBudget <= 0 {
		return fmt.Errorf("store busy timeout and transaction budget must be positive")
	}
	if c.Store.RetentionDays <= 0 || c.Store.InactiveDays <= 0 {
		return fmt.Errorf("retention and inactive days must be positive")
	}
	if c.Monitor.StatusTransitionDelay <= 0 {
		return fmt.Errorf("status transition delay must be positive")
	}
	if c.Monitor.StatusCheckInterval < 0 {
		return fmt.Errorf("status check interval must not be negative")
	}
	if c.Queue.Workers <= 0 || c.Queue.MaxSize <= 0 || c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue workers, max size and max attempts must be positive")
	}
	if c.Queue.HistoryCap < 0 {
		return fmt.Errorf("queue history cap must not be negative")
	}
	if c.OCR.Endpoint == "" {
		return fmt.Errorf("OCR endpoint is required")
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup bucket is required when backups are enabled")
	}
	return nil
}

// DatabasePath is where the store lives inside DataDir
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "marketwatch.db")
}

// Address returns the HTTP listen address
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RetryPolicy converts store settings to the database retry policy
func (s StoreConfig) RetryPolicy() database.RetryPolicy {
	policy := database.DefaultRetryPolicy()
	policy.MaxRetries = s.MaxRetries
	policy.Budget = s.TransactionBudget
	return policy
}

// Retention is RetentionDays as a duration
func (s StoreConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// EngineConfig converts monitor settings for the change detection engine
func (m MonitorConfig) EngineConfig() monitor.Config {
	return monitor.Config{
		StatusTransitionDelay: m.StatusTransitionDelay,
		StatusCheckInterval:   m.StatusCheckInterval,
	}
}

// S3Config converts backup settings for the S3 client
func (b BackupConfig) S3Config() reliability.S3Config {
	return reliability.S3Config{
		Bucket:          b.Bucket,
		Endpoint:        b.Endpoint,
		Region:          b.Region,
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
	}
}
