package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	Chat     ChatConfig
	ERP      ERPConfig
	Kafka    KafkaConfig
	Sync     SyncConfig
	Selector SelectorConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	Timezone              string
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level       string
	Development bool
}

// AuthConfig defines the service token used by internal callers.
type AuthConfig struct {
	JWTSecret       string
	TokenTTLMinutes int
}

// ChatConfig holds Chat System API and webhook parameters.
type ChatConfig struct {
	BaseURL       string
	AccountID     string
	APIToken      string
	WebhookSecret string
	MaxRetries    int
}

// ERPConfig holds ERP query endpoint parameters.
type ERPConfig struct {
	BaseURL       string
	Username      string
	Password      string
	TenantField   string
	TenantKey     string
	MaxRetries    int
	BaseDelayMS   int
	MaxDelayMS    int
	OutboundSync  bool
	TimeoutSecond int
}

// KafkaConfig configures the consultation change feed.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// SelectorConfig tunes manager selection and wait estimation.
type SelectorConfig struct {
	Tolerance         float64
	HistoryWindowDays int
	FloorMinutes      float64
	DefaultAvgMinutes float64
}

// Load reads configuration from environment variables, applying defaults where possible.
// Sync job tuning is overlaid from the YAML file named by SYNC_CONFIG_FILE when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "consultation-sync"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			Timezone:              getEnv("APP_TIMEZONE", "UTC"),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
		Auth: AuthConfig{
			JWTSecret:       getEnv("AUTH_JWT_SECRET", "dev-secret"),
			TokenTTLMinutes: getEnvAsInt("AUTH_TOKEN_TTL_MINUTES", 60*24),
		},
		Chat: ChatConfig{
			BaseURL:       getEnv("CHAT_BASE_URL", "http://localhost:3000"),
			AccountID:     getEnv("CHAT_ACCOUNT_ID", "1"),
			APIToken:      os.Getenv("CHAT_API_TOKEN"),
			WebhookSecret: os.Getenv("CHAT_WEBHOOK_SECRET"),
			MaxRetries:    getEnvAsInt("CHAT_MAX_RETRIES", 3),
		},
		ERP: ERPConfig{
			BaseURL:       getEnv("ERP_ODATA_BASE_URL", "http://localhost:8081/odata/standard.odata/"),
			Username:      os.Getenv("ERP_USERNAME"),
			Password:      os.Getenv("ERP_PASSWORD"),
			TenantField:   getEnv("ERP_TENANT_FIELD", "Parent_Key"),
			TenantKey:     os.Getenv("ERP_TENANT_KEY"),
			MaxRetries:    getEnvAsInt("ERP_MAX_RETRIES", 5),
			BaseDelayMS:   getEnvAsInt("ERP_RETRY_BASE_DELAY_MS", 500),
			MaxDelayMS:    getEnvAsInt("ERP_RETRY_MAX_DELAY_MS", 30000),
			OutboundSync:  getEnvAsBool("ERP_OUTBOUND_SYNC", false),
			TimeoutSecond: getEnvAsInt("ERP_TIMEOUT_SECONDS", 120),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_TOPIC", "consultation-changes"),
		},
		Sync: defaultSyncConfig(),
		Selector: SelectorConfig{
			Tolerance:         getEnvAsFloat("SELECTOR_TOLERANCE", 0.1),
			HistoryWindowDays: getEnvAsInt("ESTIMATOR_WINDOW_DAYS", 30),
			FloorMinutes:      getEnvAsFloat("ESTIMATOR_FLOOR_MINUTES", 15),
			DefaultAvgMinutes: getEnvAsFloat("ESTIMATOR_DEFAULT_MINUTES", 15),
		},
	}

	cfg.Sync.LockTTL = getEnvAsDuration("SYNC_LOCK_TTL", cfg.Sync.LockTTL)
	cfg.Sync.UseRedisLock = getEnvAsBool("SYNC_USE_REDIS_LOCK", cfg.Sync.UseRedisLock)
	if err := cfg.Sync.overlayFile(getEnv("SYNC_CONFIG_FILE", "sync.yaml")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Location resolves the business timezone, falling back to UTC.
func (a AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
