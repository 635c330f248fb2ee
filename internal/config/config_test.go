package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", false, env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
replica_id: r1
log:
  level: debug
  environment: prod
journal:
  path: /tmp/j.db
  timeout: 3s
redis:
  addr: localhost:6379
  db: 2
`)
	cfg, err := load(path, true, env(nil))
	require.NoError(t, err)

	assert.Equal(t, "r1", cfg.ReplicaID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "prod", cfg.Log.Environment)
	assert.Equal(t, "/tmp/j.db", cfg.Journal.Path)
	assert.Equal(t, 3*time.Second, cfg.Journal.Timeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	// untouched defaults survive
	assert.Equal(t, "anchorage:doc:", cfg.Redis.Prefix)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "log:\n  level: debug\nredis:\n  addr: file:6379\n")
	cfg, err := load(path, true, env(map[string]string{
		"ANCHORAGE_LOG_LEVEL":       "warn",
		"ANCHORAGE_REDIS_ADDR":      "env:6379",
		"ANCHORAGE_REDIS_DB":        "4",
		"ANCHORAGE_JOURNAL_TIMEOUT": "250ms",
	}))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Redis.DB)
	assert.Equal(t, 250*time.Millisecond, cfg.Journal.Timeout)
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	_, err := load(missing, false, env(nil))
	require.NoError(t, err)

	_, err = load(missing, true, env(nil))
	require.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	_, err := load(writeFile(t, "log: [unterminated"), true, env(nil))
	require.Error(t, err)

	_, err = load("", false, env(map[string]string{"ANCHORAGE_REDIS_DB": "two"}))
	require.Error(t, err)
}
