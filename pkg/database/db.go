package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration
type Config struct {
	Driver   string // postgres (lib/pq), pgx or sqlite3
	URL      string // full DSN; overrides the discrete fields
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// MaxOpenConns caps physical connections. It should be at least the
	// pool manager's max plus headroom for migrations.
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Database is an opened *sql.DB plus the dialect its queries need.
// It does not retain idle connections: the pool manager owns idle retention.
type Database struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to the configured database and verifies it with a ping
func Open(ctx context.Context, config *Config, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialect, err := DialectFor(config.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(config.Driver, config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25) // default
	}
	// Connections handed back by the pool manager are closed for real.
	db.SetMaxIdleConns(0)
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute) // default
	}

	ctxTest, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctxTest); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connected successfully",
		slog.String("driver", config.Driver),
		slog.String("host", config.Host),
		slog.String("database", config.Database),
	)

	return &Database{db: db, dialect: dialect, logger: logger}, nil
}

// Wrap adopts an already opened *sql.DB, e.g. in tests.
func Wrap(db *sql.DB, dialect Dialect) *Database {
	db.SetMaxIdleConns(0)
	return &Database{db: db, dialect: dialect, logger: slog.Default()}
}

// DB returns the underlying sql.DB
func (d *Database) DB() *sql.DB {
	return d.db
}

// Dialect returns the placeholder dialect for this driver
func (d *Database) Dialect() Dialect {
	return d.dialect
}

// Close closes the database
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Health pings the database
func (d *Database) Health(ctx context.Context) error {
	ctxTest, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return d.db.PingContext(ctxTest)
}

// DSN renders the driver-specific connection string
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	switch c.Driver {
	case "sqlite3":
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", c.Database)
	case "pgx":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
			Path:     c.Database,
			RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
		}
		return u.String()
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host,
			c.Port,
			c.User,
			c.Password,
			c.Database,
			c.SSLMode,
		)
	}
}

// DefaultConfig returns default database configuration for development
func DefaultConfig() *Config {
	return &Config{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "clinicore",
		Password:        "dev",
		Database:        "clinicore",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		ConnMaxLifetime: 30 * time.Minute,
	}
}
