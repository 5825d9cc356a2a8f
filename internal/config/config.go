package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPebble   = "pebble"
	DriverPostgres = "postgres"

	CacheNone   = "none"
	CacheRedis  = "redis"
	CachePebble = "pebble"
)

type Config struct {
	Port      string `mapstructure:"PORT"`
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	StoragePath   string `mapstructure:"STORAGE_PATH"`
	PebblePath    string `mapstructure:"PEBBLE_PATH"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`

	EncryptionKey  string `mapstructure:"ENCRYPTION_KEY"`
	EncryptionSalt string `mapstructure:"ENCRYPTION_SALT"`

	LLMEndpoint     string        `mapstructure:"LLM_ENDPOINT"`
	LLMAPIKey       string        `mapstructure:"LLM_API_KEY"`
	LLMModel        string        `mapstructure:"LLM_MODEL"`
	LLMSystemPrompt string        `mapstructure:"LLM_SYSTEM_PROMPT"`
	LLMMaxTokens    int           `mapstructure:"LLM_MAX_TOKENS"`
	LLMTemperature  float64       `mapstructure:"LLM_TEMPERATURE"`
	LLMTimeout      time.Duration `mapstructure:"LLM_TIMEOUT"`
	LLMRPS          float64       `mapstructure:"LLM_RPS"`
	LLMMaxAttempts  int           `mapstructure:"LLM_MAX_ATTEMPTS"`

	CacheSize    int           `mapstructure:"CACHE_SIZE"`
	CacheBackend string        `mapstructure:"CACHE_BACKEND"`
	CacheTTL     time.Duration `mapstructure:"CACHE_TTL"`
	RedisURL     string        `mapstructure:"REDIS_URL"`

	MainNodeURL         string        `mapstructure:"MAIN_NODE_URL"`
	ExecutionURL        string        `mapstructure:"EXECUTION_URL"`
	CallbackSecret      string        `mapstructure:"CALLBACK_SECRET"`
	CallbackTimeout     time.Duration `mapstructure:"CALLBACK_TIMEOUT"`
	CallbackMaxAttempts int           `mapstructure:"CALLBACK_MAX_ATTEMPTS"`
	CallbackRetryDelay  time.Duration `mapstructure:"CALLBACK_RETRY_DELAY"`
	RequestIDPrefix     string        `mapstructure:"REQUEST_ID_PREFIX"`
	ReceiverEnabled     bool          `mapstructure:"RECEIVER_ENABLED"`

	SchedulerEnabled  bool          `mapstructure:"SCHEDULER_ENABLED"`
	SchedulerInterval time.Duration `mapstructure:"SCHEDULER_INTERVAL"`
	BatchSize         int           `mapstructure:"BATCH_SIZE"`
	ClaimLease        time.Duration `mapstructure:"CLAIM_LEASE"`
	BatchTimeout      time.Duration `mapstructure:"BATCH_TIMEOUT"`
	PoolWorkers       int           `mapstructure:"POOL_WORKERS"`
	PoolQueueSize     int           `mapstructure:"POOL_QUEUE_SIZE"`
	MaxConcurrency    int           `mapstructure:"MAX_CONCURRENCY"`

	OTelEnabled  bool   `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint string `mapstructure:"OTEL_ENDPOINT"`
	ServiceName  string `mapstructure:"SERVICE_NAME"`
}

var defaults = map[string]any{
	"PORT":       "8080",
	"ENV":        "development",
	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "json",

	"STORAGE_DRIVER": DriverSQLite,
	"STORAGE_PATH":   "./data/prompt_relay.db",
	"PEBBLE_PATH":    "./data/pebble",
	"DB_MAX_CONNS":   10,
	"DB_MIN_CONNS":   2,

	"LLM_MODEL":        "gpt-4o-mini",
	"LLM_MAX_TOKENS":   2048,
	"LLM_TEMPERATURE":  0.3,
	"LLM_TIMEOUT":      "120s",
	"LLM_RPS":          5,
	"LLM_MAX_ATTEMPTS": 3,

	"CACHE_SIZE":    1000,
	"CACHE_BACKEND": CacheNone,
	"CACHE_TTL":     "24h",

	"CALLBACK_TIMEOUT":      "15s",
	"CALLBACK_MAX_ATTEMPTS": 3,
	"CALLBACK_RETRY_DELAY":  "2s",
	"REQUEST_ID_PREFIX":     "cdwyy",
	"RECEIVER_ENABLED":      false,

	"SCHEDULER_ENABLED":  true,
	"SCHEDULER_INTERVAL": "30s",
	"BATCH_SIZE":         10,
	"CLAIM_LEASE":        "10m",
	"BATCH_TIMEOUT":      "5m",
	"POOL_WORKERS":       10,
	"POOL_QUEUE_SIZE":    50,
	"MAX_CONCURRENCY":    10,

	"OTEL_ENABLED":  false,
	"OTEL_ENDPOINT": "localhost:4317",
	"SERVICE_NAME":  "prompt-relay",
}

// Load reads an optional env-style file and then the environment, which
// wins. An empty path means ".env".
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = ".env"
	}
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Unmarshal only sees keys viper knows about
	for _, key := range envKeys() {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func envKeys() []string {
	return []string{
		"DATABASE_URL", "ENCRYPTION_KEY", "ENCRYPTION_SALT",
		"LLM_ENDPOINT", "LLM_API_KEY", "LLM_SYSTEM_PROMPT",
		"REDIS_URL", "MAIN_NODE_URL", "EXECUTION_URL", "CALLBACK_SECRET",
	}
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverSQLite:
		if c.StoragePath == "" {
			return fmt.Errorf("STORAGE_PATH is required for the sqlite driver")
		}
	case DriverPebble:
		if c.PebblePath == "" {
			return fmt.Errorf("PEBBLE_PATH is required for the pebble driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q, %q or %q, got %q", DriverSQLite, DriverPebble, DriverPostgres, c.StorageDriver)
	}

	switch c.CacheBackend {
	case CacheNone, CachePebble:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be %q, %q or %q, got %q", CacheNone, CacheRedis, CachePebble, c.CacheBackend)
	}
	if c.CacheBackend == CachePebble && c.StorageDriver != DriverPebble {
		return fmt.Errorf("CACHE_BACKEND=pebble requires STORAGE_DRIVER=pebble")
	}

	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.PoolWorkers <= 0 || c.MaxConcurrency <= 0 {
		return fmt.Errorf("POOL_WORKERS and MAX_CONCURRENCY must be positive")
	}
	if c.PoolQueueSize < 0 {
		return fmt.Errorf("POOL_QUEUE_SIZE must not be negative")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("CACHE_SIZE must be positive")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ListenAddr returns Port in the ":port" form fiber expects.
func (c *Config) ListenAddr() string {
	if c.Port != "" && c.Port[0] == ':' {
		return c.Port
	}
	return ":" + c.Port
}
