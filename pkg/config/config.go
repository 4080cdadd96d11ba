package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Environment string
	LogLevel    string
	MetricsPort int

	Database Database
	Pool     Pool

	SlowQueryThreshold time.Duration
	MigrationsPath     string
	MigrationLocker    string
	MigrationLockTTL   time.Duration

	RedisURL      string
	EventsChannel string
}

// Database selects the driver and connection target
type Database struct {
	Driver   string
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Pool carries the connection pool bounds (pool.min, pool.max, ...)
type Pool struct {
	Min             int
	Max             int
	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	HighUtilization float64
	ProbeAttempts   int
	ProbeDelay      time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present; real env vars win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	metricsPort, err := intEnv("METRICS_PORT", 9090)
	if err != nil {
		return nil, err
	}
	dbPort, err := intEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}
	poolMin, err := intEnv("POOL_MIN", 2)
	if err != nil {
		return nil, err
	}
	poolMax, err := intEnv("POOL_MAX", 10)
	if err != nil {
		return nil, err
	}
	acquireMs, err := intEnv("POOL_ACQUIRE_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	idleMs, err := intEnv("POOL_IDLE_TIMEOUT_MS", 300000)
	if err != nil {
		return nil, err
	}
	probeAttempts, err := intEnv("POOL_PROBE_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	probeDelayMs, err := intEnv("POOL_PROBE_DELAY_MS", 200)
	if err != nil {
		return nil, err
	}
	highUtil, err := strconv.ParseFloat(getEnv("POOL_HIGH_UTILIZATION", "0.8"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid POOL_HIGH_UTILIZATION: %w", err)
	}
	slowMs, err := intEnv("SLOW_QUERY_THRESHOLD_MS", 100)
	if err != nil {
		return nil, err
	}
	lockTTL, err := intEnv("MIGRATION_LOCK_TTL_SECONDS", 600)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsPort: metricsPort,
		Database: Database{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "clinicore"),
			Password: getEnv("DB_PASSWORD", "dev"),
			Name:     getEnv("DB_NAME", "clinicore"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Pool: Pool{
			Min:             poolMin,
			Max:             poolMax,
			AcquireTimeout:  time.Duration(acquireMs) * time.Millisecond,
			IdleTimeout:     time.Duration(idleMs) * time.Millisecond,
			HighUtilization: highUtil,
			ProbeAttempts:   probeAttempts,
			ProbeDelay:      time.Duration(probeDelayMs) * time.Millisecond,
		},
		SlowQueryThreshold: time.Duration(slowMs) * time.Millisecond,
		MigrationsPath:     getEnv("MIGRATIONS_PATH", "migrations"),
		MigrationLocker:    strings.ToLower(getEnv("MIGRATION_LOCKER", "table")),
		MigrationLockTTL:   time.Duration(lockTTL) * time.Second,
		RedisURL:           os.Getenv("REDIS_URL"),
		EventsChannel:      getEnv("EVENTS_CHANNEL", "clinicore.events"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Pool.Max <= 0 {
		return fmt.Errorf("invalid POOL_MAX: must be positive, got %d", c.Pool.Max)
	}
	if c.Pool.Min < 0 || c.Pool.Min > c.Pool.Max {
		return fmt.Errorf("invalid POOL_MIN: must be within [0, %d], got %d", c.Pool.Max, c.Pool.Min)
	}
	if c.Pool.HighUtilization <= 0 || c.Pool.HighUtilization > 1 {
		return fmt.Errorf("invalid POOL_HIGH_UTILIZATION: must be within (0, 1], got %v", c.Pool.HighUtilization)
	}
	switch c.Database.Driver {
	case "postgres", "pgx", "sqlite3":
	default:
		return fmt.Errorf("invalid DB_DRIVER: %q", c.Database.Driver)
	}
	switch c.MigrationLocker {
	case "table":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("MIGRATION_LOCKER=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("invalid MIGRATION_LOCKER: %q", c.MigrationLocker)
	}
	return nil
}

// getEnv looks up key, then its dotted lower-case alias (POOL_MIN -> pool.min).
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := os.Getenv(dottedAlias(key)); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// dottedAlias maps POOL_ACQUIRE_TIMEOUT_MS to pool.acquireTimeoutMs and
// SLOW_QUERY_THRESHOLD_MS to slowQueryThresholdMs.
func dottedAlias(key string) string {
	parts := strings.Split(strings.ToLower(key), "_")
	if len(parts) > 1 && parts[0] == "pool" {
		return "pool." + camel(parts[1:])
	}
	return camel(parts)
}

func camel(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]) + p[1:])
	}
	return b.String()
}
