package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr     string
	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	Device  DeviceConfig
	Archive ArchiveConfig

	RateLimit RateLimitConfig

	Scheduler SchedulerConfig
}

// RedisConfig configures the counter hot cache and the per-register lock lease.
// Redis is optional: without it the service runs single-instance with the
// in-process lock only.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// DeviceConfig carries the defaults for remote signature devices. Per-register
// device parameters stored on the cash register record override these.
type DeviceConfig struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

// ArchiveConfig configures the off-site DEP archive pusher.
type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	AuthToken string
}

type RateLimitConfig struct {
	Enabled   bool
	SignRate  float64
	SignBurst int
}

type SchedulerConfig struct {
	Enabled       bool
	CheckInterval time.Duration
}

// Load reads configuration from the environment. A .env file is honored in
// development and silently ignored when absent.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "rksv"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rksv"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},

		Device: DeviceConfig{
			Endpoint:  strings.TrimSpace(getenv("SIGNATURE_DEVICE_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("SIGNATURE_DEVICE_AUTH_TOKEN", "")),
			Timeout:   getenvDuration("SIGNATURE_DEVICE_TIMEOUT", 30*time.Second),
		},

		Archive: ArchiveConfig{
			Enabled:   getenvBool("DEP_ARCHIVE_ENABLED", false),
			Endpoint:  strings.TrimSpace(getenv("DEP_ARCHIVE_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("DEP_ARCHIVE_AUTH_TOKEN", "")),
		},

		RateLimit: RateLimitConfig{
			Enabled:   getenvBool("RATE_LIMIT_ENABLED", false),
			SignRate:  getenvFloat("RATE_LIMIT_SIGN_RATE", 20),
			SignBurst: getenvInt("RATE_LIMIT_SIGN_BURST", 40),
		},

		Scheduler: SchedulerConfig{
			Enabled:       getenvBool("NULL_RECEIPT_SCHEDULER_ENABLED", true),
			CheckInterval: getenvDuration("NULL_RECEIPT_CHECK_INTERVAL", 15*time.Minute),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
