package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "flowline.yaml", `
database:
  driver: sqlite
  dsn: file:flowline.db
scheduler:
  concurrency: 4
  lockTTL: 2m
batch:
  pollInterval: 10s
history:
  backend: sql
definitions:
  - orders.yaml
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file:flowline.db", cfg.Database.DSN)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.LockTTL)
	assert.Equal(t, time.Second, cfg.Scheduler.PollInterval, "unset keys keep their default")
	assert.Equal(t, 10*time.Second, cfg.Batch.PollInterval)
	assert.Equal(t, "sql", cfg.History.Backend)
	assert.Equal(t, []string{"orders.yaml"}, cfg.Definitions)
}

func TestLoad_EnvironmentOverridesYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "flowline.yaml", "scheduler:\n  concurrency: 4\n")
	t.Setenv("FLOWLINE_SCHEDULER_CONCURRENCY", "8")
	t.Setenv("FLOWLINE_LOGGING_FORMAT", "json")
	t.Setenv("FLOWLINE_DEFINITIONS", "a.yaml,b.yaml")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.Definitions)
}

func TestLoad_EnvFile(t *testing.T) {
	t.Chdir(t.TempDir())
	envFile := writeFile(t, "test.env", "FLOWLINE_BATCH_DEFAULT_BATCH_SIZE=250\n")
	// godotenv never overrides variables that are already set.
	t.Setenv("FLOWLINE_BATCH_DEFAULT_BATCH_SIZE", "")
	os.Unsetenv("FLOWLINE_BATCH_DEFAULT_BATCH_SIZE")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Batch.DefaultBatchSize)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "postgres"
	cfg.History.Backend = "redis"
	cfg.Logging.Level = "chatty"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn is required")
	assert.Contains(t, err.Error(), "history.redisAddr is required")
	assert.Contains(t, err.Error(), `invalid logging.level "chatty"`)
}

func TestValidate_SQLHistoryNeedsSQLStore(t *testing.T) {
	cfg := Default()
	cfg.History.Backend = "sql"
	require.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "batch_id", "b-1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"batch_id":"b-1"`)
}
