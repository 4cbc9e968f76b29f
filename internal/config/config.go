package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the service, loaded once from the
// environment. Policy thresholds live in their own sections so tests can
// inject compressed windows instead of patching package constants.
type Config struct {
	Environment string

	Server     ServerConfig
	Logging    LoggingConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	Kavenegar  KavenegarConfig
	JWT        JWTConfig
	OTP        OTPConfig
	RateLimit  RateLimitConfig
	Bucketing  BucketingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	Username string
	Password string
}

type KavenegarConfig struct {
	APIKey      string
	Sender      string
	OTPTemplate string
	BaseURL     string
	Timeout     time.Duration
}

type JWTConfig struct {
	Secret                 string
	AccessTTL              time.Duration
	RefreshTTL             time.Duration
	RotateRefreshTokens    bool
	BlacklistAfterRotation bool
}

// OTPConfig governs the lifecycle of a single one-time code.
type OTPConfig struct {
	CodeTTL      time.Duration
	MaxAttempts  int
	RetentionAge time.Duration
	DefaultRole  string
	Pepper       string
}

// RateLimitConfig governs per-phone send quotas and the failure lockout.
// Windows are fixed (reset on expiry), matching the persisted window-start
// semantics throughout the service.
type RateLimitConfig struct {
	MinuteLimit    int
	HourLimit      int
	DailyLimit     int
	BlockThreshold int
	BlockDuration  time.Duration

	// CountSendFailures makes provider dispatch failures count toward the
	// verification-failure lockout. Off by default: a provider outage must
	// not lock legitimate users out.
	CountSendFailures bool
}

type BucketingConfig struct {
	PhoneBuckets int
}

// LoadConfig reads .env if present, then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", "127.0.0.1:9042"),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "auth_otp"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getEnv("KAFKA_AUTH_EVENTS_TOPIC", "auth-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("CLICKHOUSE_DATABASE", "auth_audit"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Kavenegar: KavenegarConfig{
			APIKey:      getEnv("KAVENEGAR_API_KEY", ""),
			Sender:      getEnv("KAVENEGAR_SENDER", ""),
			OTPTemplate: getEnv("KAVENEGAR_OTP_TEMPLATE", "verify"),
			BaseURL:     getEnv("KAVENEGAR_BASE_URL", "https://api.kavenegar.com"),
			Timeout:     getEnvDuration("KAVENEGAR_TIMEOUT", 10*time.Second),
		},
		JWT: JWTConfig{
			Secret:                 getEnv("JWT_SECRET", "insecure-dev-secret"),
			AccessTTL:              getEnvDuration("JWT_ACCESS_TTL", 5*time.Minute),
			RefreshTTL:             getEnvDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
			RotateRefreshTokens:    getEnvBool("JWT_ROTATE_REFRESH_TOKENS", true),
			BlacklistAfterRotation: getEnvBool("JWT_BLACKLIST_AFTER_ROTATION", true),
		},
		OTP: OTPConfig{
			CodeTTL:      getEnvDuration("OTP_CODE_TTL", 3*time.Minute),
			MaxAttempts:  getEnvInt("OTP_MAX_ATTEMPTS", 3),
			RetentionAge: getEnvDuration("OTP_RETENTION_AGE", 24*time.Hour),
			DefaultRole:  getEnv("OTP_DEFAULT_ROLE", "patient"),
			Pepper:       getEnv("OTP_PEPPER", ""),
		},
		RateLimit: RateLimitConfig{
			MinuteLimit:       getEnvInt("RATE_LIMIT_MINUTE", 1),
			HourLimit:         getEnvInt("RATE_LIMIT_HOUR", 5),
			DailyLimit:        getEnvInt("RATE_LIMIT_DAILY", 10),
			BlockThreshold:    getEnvInt("RATE_LIMIT_BLOCK_THRESHOLD", 10),
			BlockDuration:     getEnvDuration("RATE_LIMIT_BLOCK_DURATION", 24*time.Hour),
			CountSendFailures: getEnvBool("RATE_LIMIT_COUNT_SEND_FAILURES", false),
		},
		Bucketing: BucketingConfig{
			PhoneBuckets: getEnvInt("PHONE_BUCKETS", 64),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
