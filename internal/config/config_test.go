package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)

	t.Setenv("TEST_INT_BAD", "abc")
	_, err = envInt("TEST_INT_BAD", 0)
	assert.EqualError(t, err, `TEST_INT_BAD="abc" is not a valid integer`)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	assert.EqualError(t, err, `TEST_BOOL_BAD="maybe" is not a valid boolean`)
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err = envDuration("TEST_DUR_BAD", 0)
	assert.EqualError(t, err, `TEST_DUR_BAD="five-seconds" is not a valid duration`)
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.5")
	v, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 1e-9)

	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err = envFloat("TEST_FLOAT_BAD", 0)
	assert.Error(t, err)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, ProviderScripted, cfg.GenerationProvider)
	assert.Equal(t, cfg.DatabaseURL, cfg.NotifyURL, "notify DSN defaults to the pool DSN")
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("KAIWA_PORT", "abc")
	t.Setenv("KAIWA_POLL_INTERVAL", "soon")
	t.Setenv("KAIWA_AUTH_DISABLED", "perhaps")
	_, err := Load()
	require.Error(t, err)
	assert.ErrorContains(t, err, `KAIWA_PORT="abc"`)
	assert.ErrorContains(t, err, `KAIWA_POLL_INTERVAL="soon"`)
	assert.ErrorContains(t, err, `KAIWA_AUTH_DISABLED="perhaps"`)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAIWA_STORE", "SQLite")
	t.Setenv("KAIWA_SQLITE_PATH", "/tmp/k.db")
	t.Setenv("KAIWA_GENERATION_RPS", "2.5")
	t.Setenv("NOTIFY_URL", "postgres://direct/kaiwa")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "/tmp/k.db", cfg.SQLitePath)
	assert.InDelta(t, 2.5, cfg.GenerationRPS, 1e-9)
	assert.Equal(t, "postgres://direct/kaiwa", cfg.NotifyURL)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store = "mongo" }, "KAIWA_STORE"},
		{"postgres without dsn", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"openai without key", func(c *Config) { c.GenerationProvider = ProviderOpenAI }, "OPENAI_API_KEY"},
		{"unknown provider", func(c *Config) { c.GenerationProvider = "llama" }, "KAIWA_GENERATION_PROVIDER"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "KAIWA_POLL_INTERVAL"},
		{"port out of range", func(c *Config) { c.Port = 70000 }, "KAIWA_PORT"},
		{"zero upload cap", func(c *Config) { c.MaxUploadBytes = 0 }, "KAIWA_MAX_UPLOAD_BYTES"},
		{"zero burst", func(c *Config) { c.RunRateBurst = 0 }, "bursts"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "KAIWA_LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("memory store needs no dsn", func(t *testing.T) {
		cfg := valid()
		cfg.Store = StoreMemory
		cfg.DatabaseURL = ""
		assert.NoError(t, cfg.Validate())
	})
}
