package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, time.Minute, cfg.Engine.SweepInterval)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, time.Second, cfg.Engine.RetryBaseDelay)
	assert.True(t, cfg.Templates.Builtin)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "careflow.yaml")
	content := `
log:
  level: debug
  format: json
storage:
  driver: redis
  redis:
    addr: redis.internal:6379
    db: 2
engine:
  sweep_interval: 30s
  max_retries: 5
templates:
  builtin: false
  paths:
    - ./templates
decisions:
  rules:
    lab-follow-up/block-2:
      critical-flag-true: "event.critical == true"
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	t.Setenv("CAREFLOW_ENGINE_WORKERS", "4")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "redis.internal:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 2, cfg.Storage.Redis.DB)
	assert.Equal(t, 30*time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.False(t, cfg.Templates.Builtin)
	assert.Equal(t, []string{"./templates"}, cfg.Templates.Paths)
	assert.Equal(t, "event.critical == true", cfg.Decisions.Rules["lab-follow-up/block-2"]["critical-flag-true"])
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Storage.Driver = "etcd"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Engine.Workers = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Engine.SweepInterval = 0
	assert.Error(t, bad.Validate())
}
