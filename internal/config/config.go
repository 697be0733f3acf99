// Package config loads the flowline server configuration.
//
// Values are resolved in order: built-in defaults, then the YAML file, then
// environment variables (FLOWLINE_*). A .env file, when present, is loaded
// into the environment first.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" envPrefix:"FLOWLINE_DATABASE_"`
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"FLOWLINE_SCHEDULER_"`
	Batch     BatchConfig     `yaml:"batch" envPrefix:"FLOWLINE_BATCH_"`
	History   HistoryConfig   `yaml:"history" envPrefix:"FLOWLINE_HISTORY_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"FLOWLINE_LOGGING_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"FLOWLINE_METRICS_"`

	// Definitions lists process definition YAML files deployed at startup.
	Definitions []string `yaml:"definitions" env:"FLOWLINE_DEFINITIONS" envSeparator:","`
}

// DatabaseConfig selects the runtime store.
type DatabaseConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// SchedulerConfig configures the job worker.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	LockOwner    string        `yaml:"lockOwner" env:"LOCK_OWNER"`
	LockTTL      time.Duration `yaml:"lockTTL" env:"LOCK_TTL"`
	PollInterval time.Duration `yaml:"pollInterval" env:"POLL_INTERVAL"`
	AcquireSize  int           `yaml:"acquireSize" env:"ACQUIRE_SIZE"`
	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY"`

	// JobRetries is the retry budget new jobs start with.
	JobRetries        int           `yaml:"jobRetries" env:"JOB_RETRIES"`
	InitialBackoff    time.Duration `yaml:"initialBackoff" env:"INITIAL_BACKOFF"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier" env:"BACKOFF_MULTIPLIER"`
	MaxBackoff        time.Duration `yaml:"maxBackoff" env:"MAX_BACKOFF"`

	MaxAgendaSteps int `yaml:"maxAgendaSteps" env:"MAX_AGENDA_STEPS"`
}

// BatchConfig configures the batch manager.
type BatchConfig struct {
	PollInterval     time.Duration `yaml:"pollInterval" env:"POLL_INTERVAL"`
	DefaultBatchSize int           `yaml:"defaultBatchSize" env:"DEFAULT_BATCH_SIZE"`
}

// HistoryConfig selects the history event store.
type HistoryConfig struct {
	// Backend is one of none, memory, sql, redis or mongo. sql stores
	// events next to the runtime tables.
	Backend string `yaml:"backend" env:"BACKEND"`

	RedisAddr   string        `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPrefix string        `yaml:"redisPrefix" env:"REDIS_PREFIX"`
	RedisTTL    time.Duration `yaml:"redisTTL" env:"REDIS_TTL"`

	MongoURI        string `yaml:"mongoURI" env:"MONGO_URI"`
	MongoDatabase   string `yaml:"mongoDatabase" env:"MONGO_DATABASE"`
	MongoCollection string `yaml:"mongoCollection" env:"MONGO_COLLECTION"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures Prometheus and tracing.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
	Tracing bool   `yaml:"tracing" env:"TRACING"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "memory"},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			LockTTL:           5 * time.Minute,
			PollInterval:      time.Second,
			AcquireSize:       10,
			Concurrency:       1,
			JobRetries:        3,
			InitialBackoff:    10 * time.Second,
			BackoffMultiplier: 2,
			MaxBackoff:        5 * time.Minute,
			MaxAgendaSteps:    10000,
		},
		Batch: BatchConfig{
			PollInterval:     30 * time.Second,
			DefaultBatchSize: 100,
		},
		History: HistoryConfig{
			Backend:         "none",
			RedisPrefix:     "flowline:",
			MongoDatabase:   "flowline",
			MongoCollection: "history",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Address: ":9090"},
	}
}

// Load resolves the configuration. path and envFile are optional; a named
// envFile must exist.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(raw, cfg); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse overlays the YAML document raw onto cfg.
func Parse(raw []byte, cfg *Config) error {
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			result = multierror.Append(result, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.History.Backend {
	case "none", "memory":
	case "sql":
		if c.Database.Driver == "memory" {
			result = multierror.Append(result, errors.New("history.backend sql needs a sql database.driver"))
		}
	case "redis":
		if c.History.RedisAddr == "" {
			result = multierror.Append(result, errors.New("history.redisAddr is required for the redis backend"))
		}
	case "mongo":
		if c.History.MongoURI == "" {
			result = multierror.Append(result, errors.New("history.mongoURI is required for the mongo backend"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown history.backend %q", c.History.Backend))
	}

	if c.Scheduler.Concurrency <= 0 {
		result = multierror.Append(result, errors.New("scheduler.concurrency must be positive"))
	}
	if c.Scheduler.JobRetries <= 0 {
		result = multierror.Append(result, errors.New("scheduler.jobRetries must be positive"))
	}
	if c.Batch.DefaultBatchSize <= 0 {
		result = multierror.Append(result, errors.New("batch.defaultBatchSize must be positive"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		result = multierror.Append(result, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	return result.ErrorOrNil()
}

// NewLogger builds the configured slog logger writing to w.
func (c LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid logging.level %q", s)
	}
	return level, nil
}
