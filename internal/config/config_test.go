package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestApplyEnvOverrides_PopulatesFromEnvironment(t *testing.T) {
	clearEnv(t, "PORT", "HOST", "DATABASE_URL", "REDIS_URL", "SCHEDULER_STRATEGY",
		"WEBHOOK_REPLAY_TOLERANCE_SECONDS", "EXECUTION_TIMEOUT_MS", "ENABLE_INLINE_WORKER", "SINGLE_PROCESS")

	os.Setenv("PORT", "9090")
	os.Setenv("HOST", "127.0.0.1")
	os.Setenv("DATABASE_URL", "postgres://test")
	os.Setenv("REDIS_URL", "redis://test")
	os.Setenv("SCHEDULER_STRATEGY", "redis")
	os.Setenv("WEBHOOK_REPLAY_TOLERANCE_SECONDS", "120")
	os.Setenv("EXECUTION_TIMEOUT_MS", "60000")
	os.Setenv("ENABLE_INLINE_WORKER", "true")
	os.Setenv("SINGLE_PROCESS", "true")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "postgres://test", cfg.Database.URL)
	assert.Equal(t, "redis://test", cfg.Redis.URL)
	assert.Equal(t, "redis", cfg.Scheduler.Strategy)
	assert.True(t, cfg.Scheduler.SingleProcess)
	assert.Equal(t, 120, cfg.Webhook.ReplayToleranceSec)
	assert.Equal(t, 60000, cfg.Execution.TimeoutMs)
	assert.True(t, cfg.Worker.EnableInline)
}

func TestApplyDefaults_FillsZeroValuesOnly(t *testing.T) {
	clearEnv(t, "PORT", "HOST", "SCHEDULER_STRATEGY", "WEBHOOK_REPLAY_TOLERANCE_SECONDS", "EXECUTION_TIMEOUT_MS")

	cfg := &Config{}
	cfg.Server.Port = "5050"
	cfg.applyEnvOverrides()

	assert.Equal(t, "5050", cfg.Server.Port, "an explicitly set field must survive applyDefaults")
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "postgres", cfg.Scheduler.Strategy)
	assert.Equal(t, 300, cfg.Webhook.ReplayToleranceSec)
	assert.Equal(t, 24*60*60*1000, cfg.Execution.TimeoutMs)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowOrigins)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
}

func TestCORSAllowOrigins_ParsesCSVEnvVar(t *testing.T) {
	clearEnv(t, "CORS_ALLOW_ORIGINS")
	os.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, https://b.example ,https://c.example")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://c.example"}, cfg.Server.CORSAllowOrigins)
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Env = "production"
	assert.True(t, cfg.IsProduction())

	cfg.Server.Env = "development"
	assert.False(t, cfg.IsProduction())
}

func TestGetAddr_CombinesHostAndPort(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = "8080"
	assert.Equal(t, "0.0.0.0:8080", cfg.GetAddr())
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/to/config.yaml")
	assert.Error(t, err)
}
