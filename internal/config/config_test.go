package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlattimore/gearqueue/internal/config"
)

// chdir changes the working directory for the duration of the test.
// (testing.T.Chdir requires Go 1.24+.)
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Errorf("restoring working directory: %v", err)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	// Run from a directory without a config file.
	chdir(t, t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Listen)
	assert.Equal(t, "gearqueue.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.False(t, cfg.Queue.RetryOnFail)
	assert.Equal(t, 100*time.Second, cfg.Reaper.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.Reaper.Interval)
	assert.Empty(t, cfg.Reaper.Cron)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gearqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
database:
  path: /var/lib/gearqueue/jobs.db
queue:
  max_attempts: 5
  retry_on_fail: true
reaper:
  heartbeat_timeout: 2m
  cron: "*/5 * * * *"
resolver:
  base_url: http://hierarchy.internal
log:
  level: debug
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/var/lib/gearqueue/jobs.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.True(t, cfg.Queue.RetryOnFail)
	assert.Equal(t, 2*time.Minute, cfg.Reaper.HeartbeatTimeout)
	assert.Equal(t, "*/5 * * * *", cfg.Reaper.Cron)
	assert.Equal(t, "http://hierarchy.internal", cfg.Resolver.BaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("GEARQUEUE_LISTEN", ":7777")
	t.Setenv("GEARQUEUE_QUEUE_MAX_ATTEMPTS", "7")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Listen)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
}

func TestLoad_Validation(t *testing.T) {
	chdir(t, t.TempDir())

	t.Setenv("GEARQUEUE_QUEUE_MAX_ATTEMPTS", "0")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "max_attempts")
}
