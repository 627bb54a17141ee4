package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestConfigDir(t *testing.T, content string) string {
	tmpDir := t.TempDir()
	err := os.WriteFile(filepath.Join(tmpDir, EntriesFileName), []byte(content), 0644)
	require.NoError(t, err)
	return tmpDir
}

func TestLoader_LoadEntries(t *testing.T) {
	t.Setenv("TVH_TEST_PASSWORD", "from-env")

	dir := setupTestConfigDir(t, `entries:
  - title: Living Room
    host: 192.168.1.20
    username: hass
    password: "${TVH_TEST_PASSWORD}"
  - id: den
    host: tvh.example.com
    port: 443
    scheme: HTTPS
    path: /tvheadend
    username: hass
    password: plain
    limit: 250
    interval: 5m
`)

	loader := NewLoader(dir, zap.NewNop())
	entries, err := loader.LoadEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries, loader.GetEntries())

	living := entries[0]
	assert.Equal(t, "Living Room", living.Title)
	assert.Equal(t, 9981, living.Port)
	assert.Equal(t, "from-env", living.Password)
	assert.Equal(t, 1000, living.Limit)
	assert.Equal(t, 15*time.Minute, living.Interval)
	assert.Equal(t, "http://192.168.1.20:9981", living.BaseURL())
	assert.NotEmpty(t, living.EntryID())

	den := entries[1]
	assert.Equal(t, "den", den.EntryID())
	assert.Equal(t, "TVHeadend (tvh.example.com)", den.Title)
	assert.Equal(t, "https://tvh.example.com:443/tvheadend", den.BaseURL())
	assert.Equal(t, 250, den.Limit)
	assert.Equal(t, 5*time.Minute, den.Interval)
}

func TestLoader_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewLoader(t.TempDir(), zap.NewNop()).LoadEntries()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read entries config")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir := setupTestConfigDir(t, "entries: [unclosed")
		_, err := NewLoader(dir, zap.NewNop()).LoadEntries()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse entries config")
	})

	t.Run("every invalid entry is reported", func(t *testing.T) {
		dir := setupTestConfigDir(t, `entries:
  - host: a.local
  - host: b.local
    username: hass
    interval: soon
  - username: hass
`)
		_, err := NewLoader(dir, zap.NewNop()).LoadEntries()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "entry 0: username is required")
		assert.Contains(t, err.Error(), `entry 1: invalid interval "soon"`)
		assert.Contains(t, err.Error(), "entry 2: host is required")
	})

	t.Run("duplicate ids", func(t *testing.T) {
		dir := setupTestConfigDir(t, `entries:
  - host: a.local
    username: hass
  - host: a.local
    username: hass
    title: Same server
`)
		_, err := NewLoader(dir, zap.NewNop()).LoadEntries()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "same id as entry 0")
	})

	t.Run("duplicate entity slugs", func(t *testing.T) {
		dir := setupTestConfigDir(t, `entries:
  - host: tvh.local
    username: alice
  - host: tvh.local
    username: bob
`)
		_, err := NewLoader(dir, zap.NewNop()).LoadEntries()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `entity slug "tvheadend_tvh_local" already used by entry 0`)
	})
}

func TestEntriesConfig_SlugsAreUsable(t *testing.T) {
	cfgs, err := EntriesConfig{Entries: []EntryConfig{
		{Host: "tvh.local", Username: "alice", Title: "Alice"},
		{Host: "tvh.local", Username: "bob", Title: "Bob"},
		{Host: "x", Username: "hass", Title: "Телевизор"},
	}}.Resolve()
	require.NoError(t, err)
	require.Len(t, cfgs, 3)

	slugs := map[string]bool{}
	for _, c := range cfgs {
		slug := c.Slug()
		assert.NotEmpty(t, slug)
		slugs[slug] = true
	}
	assert.Len(t, slugs, 3)
}

func TestLoadEnv(t *testing.T) {
	resetEnv := func(t *testing.T) {
		for _, k := range []string{"HA_URL", "HA_TOKEN", "READ_ONLY", "CONFIG_DIR", "STORAGE_BACKEND",
			"DATA_DIR", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "API_PORT"} {
			t.Setenv(k, "")
		}
	}

	t.Run("defaults", func(t *testing.T) {
		resetEnv(t)
		env, err := LoadEnv()
		require.NoError(t, err)
		assert.False(t, env.HAEnabled())
		assert.False(t, env.ReadOnly)
		assert.Equal(t, "./configs", env.ConfigDir)
		assert.Equal(t, BackendBolt, env.StorageBackend)
		assert.Equal(t, filepath.Join("./data", "epg.db"), env.BoltPath())
		assert.Equal(t, 8081, env.APIPort)
	})

	t.Run("full", func(t *testing.T) {
		resetEnv(t)
		t.Setenv("HA_URL", "ws://ha.local:8123/api/websocket")
		t.Setenv("HA_TOKEN", "token")
		t.Setenv("READ_ONLY", "true")
		t.Setenv("STORAGE_BACKEND", "redis")
		t.Setenv("REDIS_ADDR", "localhost:6379")
		t.Setenv("REDIS_DB", "2")
		t.Setenv("API_PORT", "9090")

		env, err := LoadEnv()
		require.NoError(t, err)
		assert.True(t, env.HAEnabled())
		assert.True(t, env.ReadOnly)
		assert.Equal(t, BackendRedis, env.StorageBackend)
		assert.Equal(t, 2, env.RedisDB)
		assert.Equal(t, 9090, env.APIPort)
	})

	t.Run("invalid", func(t *testing.T) {
		resetEnv(t)
		t.Setenv("HA_URL", "ws://ha.local:8123/api/websocket")
		t.Setenv("STORAGE_BACKEND", "redis")
		t.Setenv("API_PORT", "http")

		_, err := LoadEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "REDIS_ADDR")
		assert.Contains(t, err.Error(), "API_PORT")
		assert.Contains(t, err.Error(), "HA_URL and HA_TOKEN")
	})

	t.Run("unknown backend", func(t *testing.T) {
		resetEnv(t)
		t.Setenv("STORAGE_BACKEND", "sqlite")
		_, err := LoadEnv()
		assert.ErrorContains(t, err, "unknown backend")
	})
}
