package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Security  SecurityConfig  `yaml:"security"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Execution ExecutionConfig `yaml:"execution"`
	Worker    WorkerConfig    `yaml:"worker"`
	Supabase  SupabaseConfig  `yaml:"supabase"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Host             string   `yaml:"host"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig configures the Postgres connection used by internal/store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig configures the Redis connection used by internal/redisx.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SupabaseConfig optionally backs internal/credential's Supabase-backed
// credential store.
type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
	Enabled    bool   `yaml:"enabled"`
}

// SecurityConfig configures JWT auth and the per-org secret derivation
// used by the Resume Token Service.
type SecurityConfig struct {
	JWTSecret           string `yaml:"jwt_secret"`
	EncryptionMasterKey string `yaml:"encryption_master_key"`
}

// SchedulerConfig configures the Scheduler Lock Service strategy.
type SchedulerConfig struct {
	Strategy     string `yaml:"strategy"` // "redis" | "postgres" | "in-process"
	SingleProcess bool  `yaml:"single_process"`
}

// WebhookConfig configures webhook ingress behavior.
type WebhookConfig struct {
	ReplayToleranceSec int `yaml:"replay_tolerance_sec"`
}

// ExecutionConfig configures the Workflow Runtime's execution-wide deadline.
type ExecutionConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

// WorkerConfig configures the inline execution worker pool.
type WorkerConfig struct {
	EnableInline              bool `yaml:"enable_inline"`
	HeartbeatStartupTimeoutMs int  `yaml:"heartbeat_startup_timeout_ms"`
	Concurrency               int  `yaml:"concurrency"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides named per
// SPEC_FULL §6.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.Env = getEnv("APP_ENV", c.Server.Env)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)

	c.Security.EncryptionMasterKey = getEnv("ENCRYPTION_MASTER_KEY", c.Security.EncryptionMasterKey)
	c.Security.JWTSecret = getEnv("JWT_SECRET", c.Security.JWTSecret)

	c.Scheduler.Strategy = getEnv("SCHEDULER_STRATEGY", c.Scheduler.Strategy)
	c.Scheduler.SingleProcess = getEnvBool("SINGLE_PROCESS", c.Scheduler.SingleProcess)

	if v := getEnvInt("WEBHOOK_REPLAY_TOLERANCE_SECONDS", 0); v > 0 {
		c.Webhook.ReplayToleranceSec = v
	}
	if v := getEnvInt("EXECUTION_TIMEOUT_MS", 0); v > 0 {
		c.Execution.TimeoutMs = v
	}

	c.Worker.EnableInline = getEnvBool("ENABLE_INLINE_WORKER", c.Worker.EnableInline)
	if v := getEnvInt("WORKER_HEARTBEAT_STARTUP_TIMEOUT_MS", 0); v > 0 {
		c.Worker.HeartbeatStartupTimeoutMs = v
	}
	if v := getEnvInt("WORKER_CONCURRENCY", 0); v > 0 {
		c.Worker.Concurrency = v
	}

	c.Supabase.URL = getEnv("SUPABASE_URL", c.Supabase.URL)
	c.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Supabase.ServiceKey)
	c.Supabase.Enabled = getEnvBool("SUPABASE_ENABLED", c.Supabase.Enabled)

	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Scheduler.Strategy == "" {
		c.Scheduler.Strategy = "postgres"
	}
	if c.Webhook.ReplayToleranceSec == 0 {
		c.Webhook.ReplayToleranceSec = 300
	}
	if c.Execution.TimeoutMs == 0 {
		c.Execution.TimeoutMs = 24 * 60 * 60 * 1000
	}
	if c.Worker.HeartbeatStartupTimeoutMs == 0 {
		c.Worker.HeartbeatStartupTimeoutMs = 30000
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 8
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetAddr() string {
	return c.Server.Host + ":" + c.Server.Port
}
