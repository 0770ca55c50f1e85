package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseEnv(t *testing.T, vars map[string]string) (Config, error) {
	t.Helper()
	return Parse(env.Options{Prefix: Prefix, Environment: vars})
}

func TestDefaults(t *testing.T) {
	cfg, err := parseEnv(t, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "jobkeeper.db", cfg.DBPath)
	assert.Equal(t, "jobs.yaml", cfg.JobsFile)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.True(t, cfg.RecoverOnStart)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.NotifyTimeout)
	assert.Empty(t, cfg.Webhook.URL)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 3, cfg.Webhook.RetryLimit)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestOverrides(t *testing.T) {
	cfg, err := parseEnv(t, map[string]string{
		"JOBKEEPER_ADDR":                ":9090",
		"JOBKEEPER_DB_PATH":             " /var/lib/jobkeeper.db ",
		"JOBKEEPER_LOG_LEVEL":           "DEBUG",
		"JOBKEEPER_LOG_FORMAT":          "JSON",
		"JOBKEEPER_RECOVER_ON_START":    "false",
		"JOBKEEPER_SHUTDOWN_TIMEOUT":    "2m",
		"JOBKEEPER_WEBHOOK_URL":         "https://hooks.example.com/jobs",
		"JOBKEEPER_WEBHOOK_HEADERS":     "Authorization:Bearer abc,X-Team:gis",
		"JOBKEEPER_WEBHOOK_RETRY_LIMIT": "-4",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/var/lib/jobkeeper.db", cfg.DBPath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.False(t, cfg.RecoverOnStart)
	assert.Equal(t, 2*time.Minute, cfg.ShutdownTimeout)
	assert.Equal(t, "https://hooks.example.com/jobs", cfg.Webhook.URL)
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc", "X-Team": "gis"}, cfg.Webhook.Headers)
	assert.Equal(t, 0, cfg.Webhook.RetryLimit)
}

func TestInvalid(t *testing.T) {
	_, err := parseEnv(t, map[string]string{"JOBKEEPER_LOG_LEVEL": "loud"})
	assert.Error(t, err)

	_, err = parseEnv(t, map[string]string{"JOBKEEPER_SHUTDOWN_TIMEOUT": "soon"})
	assert.Error(t, err)

	_, err = parseEnv(t, map[string]string{"JOBKEEPER_ADDR": "  "})
	assert.Error(t, err)
}
