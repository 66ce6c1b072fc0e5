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

	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Transport.MinRequestGap)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 300*time.Millisecond, cfg.Retry.Jitter)
	assert.Equal(t, "exponential_jitter", cfg.Retry.Strategy)
	assert.Equal(t, 100, cfg.Cache.Capacity)
	assert.Equal(t, 5*time.Minute, cfg.Cache.MediumTTL)
	assert.Equal(t, 2*time.Second, cfg.Dedup.Window)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "netcore:credentials", cfg.Auth.CredentialKey)
	assert.Contains(t, cfg.Auth.ExcludedEndpoints, "/auth/refresh")
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.False(t, cfg.Breaker.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcore.yaml")
	yaml := `
transport:
  base_url: https://api.example.com
  timeout: 10s
retry:
  max_attempts: 5
  strategy: decorrelated_jitter
cache:
  capacity: 50
  default_tier: short
auth:
  refresh_url: /auth/refresh
  public_endpoints:
    - /posts
store:
  driver: memory
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.Transport.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "decorrelated_jitter", cfg.Retry.Strategy)
	assert.Equal(t, 50, cfg.Cache.Capacity)
	assert.Equal(t, "short", cfg.Cache.DefaultTier)
	assert.Equal(t, []string{"/posts"}, cfg.Auth.PublicEndpoints)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Dedup.Window)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NETCORE_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("NETCORE_DEDUP_WINDOW", "500ms")
	t.Setenv("NETCORE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Dedup.Window)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	v := New()
	v.Set("retry.max_attempts", 0)
	v.Set("retry.strategy", "linear")
	v.Set("store.driver", "postgres")

	_, err := FromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry.max_attempts")
	assert.Contains(t, err.Error(), `retry.strategy "linear"`)
	assert.Contains(t, err.Error(), `store.driver "postgres"`)
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	v := New()
	v.Set("cache.enabled", false)
	v.Set("cache.capacity", 0)
	v.Set("queue.enabled", false)
	v.Set("queue.max_retries", 0)

	_, err := FromViper(v)
	assert.NoError(t, err)
}
