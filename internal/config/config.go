// Package config provides centralized configuration loaded from environment
// variables. Shared by cmd/api and cmd/subwatch.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	// HistoryStore keeps history in the subscription store.
	HistoryStore = "store"
	HistoryRedis = "redis"
)

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	StoreDriver    string
	DatabaseURL    string
	SQLitePath     string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// History
	HistoryDriver string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scheduling
	ReferenceTZ       string
	ScheduleHourUTC   int
	ScheduleMinuteUTC int
	ScheduleInterval  time.Duration // overrides the daily trigger when set
	RunOnStart        bool

	// Dispatch
	DispatchWorkers int
	SendTimeout     time.Duration
	ClaimLease      time.Duration
	ExpiredRepeat   string

	// Email
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPSender   string

	// SMS
	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioPhoneNumber       string
	TwilioRequestsPerMinute int

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	LogLevel    string

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Background
	ListenEnabled       bool
	MaintenanceInterval time.Duration
	DigestInterval      time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	interval, err := envDuration("SCHEDULE_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	sendTimeout, err := envDuration("SEND_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	lease, err := envDuration("CLAIM_LEASE", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		StoreDriver:    strings.ToLower(envOr("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:    envOr("DATABASE_URL", ""),
		SQLitePath:     envOr("SQLITE_PATH", "./data/subwatch.db"),
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		HistoryDriver: strings.ToLower(envOr("HISTORY_DRIVER", HistoryStore)),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		ReferenceTZ:       envOr("REFERENCE_TZ", "UTC"),
		ScheduleHourUTC:   envInt("SCHEDULE_HOUR_UTC", 0),
		ScheduleMinuteUTC: envInt("SCHEDULE_MINUTE_UTC", 0),
		ScheduleInterval:  interval,
		RunOnStart:        envBool("RUN_ON_START", false),

		DispatchWorkers: envInt("DISPATCH_WORKERS", 4),
		SendTimeout:     sendTimeout,
		ClaimLease:      lease,
		ExpiredRepeat:   strings.ToLower(envOr("EXPIRED_REPEAT", "daily")),

		SMTPHost:     envOr("SMTP_HOST", ""),
		SMTPPort:     envOr("SMTP_PORT", "587"),
		SMTPUsername: envOr("SMTP_USERNAME", ""),
		SMTPPassword: envOr("SMTP_PASSWORD", ""),
		SMTPSender:   envOr("SMTP_SENDER", ""),

		TwilioAccountSID:        envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:         envOr("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber:       envOr("TWILIO_PHONE_NUMBER", ""),
		TwilioRequestsPerMinute: envInt("TWILIO_REQUESTS_PER_MINUTE", 60),

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		LogLevel:    strings.ToLower(envOr("LOG_LEVEL", "info")),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		ListenEnabled:       envBool("LISTEN_ENABLED", true),
		MaintenanceInterval: time.Duration(envInt("MAINTENANCE_INTERVAL_MINUTES", 15)) * time.Minute,
		DigestInterval:      time.Duration(envInt("DIGEST_INTERVAL_MINUTES", 60)) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when STORE_DRIVER=postgres")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must be set when STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want postgres|sqlite)", c.StoreDriver)
	}

	switch c.HistoryDriver {
	case HistoryStore, HistoryRedis:
	default:
		return fmt.Errorf("unknown HISTORY_DRIVER %q (want store|redis)", c.HistoryDriver)
	}

	if _, err := time.LoadLocation(c.ReferenceTZ); err != nil {
		return fmt.Errorf("invalid REFERENCE_TZ %q: %w", c.ReferenceTZ, err)
	}
	if c.ScheduleHourUTC < 0 || c.ScheduleHourUTC > 23 {
		return fmt.Errorf("SCHEDULE_HOUR_UTC must be 0-23, got %d", c.ScheduleHourUTC)
	}
	if c.ScheduleMinuteUTC < 0 || c.ScheduleMinuteUTC > 59 {
		return fmt.Errorf("SCHEDULE_MINUTE_UTC must be 0-59, got %d", c.ScheduleMinuteUTC)
	}
	if c.ScheduleInterval < 0 {
		return fmt.Errorf("SCHEDULE_INTERVAL must not be negative")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout)
	}
	if c.ClaimLease <= c.SendTimeout {
		// A claim must outlive the send it guards, or another run takes it over
		// mid-send.
		return fmt.Errorf("CLAIM_LEASE (%s) must be longer than SEND_TIMEOUT (%s)", c.ClaimLease, c.SendTimeout)
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1, got %d", c.DispatchWorkers)
	}
	switch c.ExpiredRepeat {
	case "daily", "once":
	default:
		return fmt.Errorf("unknown EXPIRED_REPEAT %q (want daily|once)", c.ExpiredRepeat)
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		return fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel)
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s", "10m"). Unlike the other helpers
// it rejects malformed values, since a silent fallback would change run timing.
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
