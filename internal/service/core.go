// Package service assembles the persistence core from configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/infrastructure/redis"
	"github.com/aryan0dhankhar/clinicore/internal/migration"
	"github.com/aryan0dhankhar/clinicore/internal/observability/events"
	"github.com/aryan0dhankhar/clinicore/internal/observability/monitor"
	"github.com/aryan0dhankhar/clinicore/internal/pool"
	"github.com/aryan0dhankhar/clinicore/internal/repository"
	"github.com/aryan0dhankhar/clinicore/internal/security"
	"github.com/aryan0dhankhar/clinicore/pkg/config"
	"github.com/aryan0dhankhar/clinicore/pkg/database"
)

// Core owns every long-lived component. Close releases them in reverse
// order of construction.
type Core struct {
	DB         *database.Database
	Pool       *pool.Pool
	Monitor    *monitor.Monitor
	Guard      *security.Guard
	Tenants    *repository.TenantRepository
	Directory  *repository.TenantDirectory
	Patients   *repository.EntityStore[*domain.Patient]
	Audit      *repository.AuditLog
	Migrations *migration.Engine
	Events     events.Sink

	redis   *redis.Client
	publish *events.PublishSink
	logger  *slog.Logger
}

type options struct {
	migrations fs.FS
	sink       events.Sink
}

// Option customizes New
type Option func(*options)

// WithMigrations reads migration scripts from fsys instead of cfg.MigrationsPath
func WithMigrations(fsys fs.FS) Option {
	return func(o *options) {
		o.migrations = fsys
	}
}

// WithEventSink adds sink next to the log (and redis) event sinks
func WithEventSink(sink events.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// New connects to the database and builds the core. Migrations are loaded
// and validated but not applied; call Migrate for that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Core, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	sinks := events.Multi{events.NewLogSink(logger)}
	if cfg.RedisURL != "" {
		if c.redis, err = redis.NewClient(cfg.RedisURL, logger); err != nil {
			return nil, err
		}
		c.publish = events.NewPublishSink(c.redis, cfg.EventsChannel, 0, logger)
		sinks = append(sinks, c.publish)
	}
	if o.sink != nil {
		sinks = append(sinks, o.sink)
	}
	c.Events = sinks

	c.DB, err = database.Open(ctx, &database.Config{
		Driver:       cfg.Database.Driver,
		URL:          cfg.Database.URL,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Name,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Pool.Max + 5,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := c.buildMigrations(cfg, o.migrations); err != nil {
		return nil, err
	}

	c.Pool, err = pool.New(c.DB.DB(), pool.Config{
		Name:            "primary",
		Min:             cfg.Pool.Min,
		Max:             cfg.Pool.Max,
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
		IdleTimeout:     cfg.Pool.IdleTimeout,
		HighUtilization: cfg.Pool.HighUtilization,
		ProbeAttempts:   cfg.Pool.ProbeAttempts,
		ProbeDelay:      cfg.Pool.ProbeDelay,
	}, pool.WithLogger(logger), pool.WithEvents(c.Events))
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	c.Monitor = monitor.New(cfg.SlowQueryThreshold, c.Events, monitor.WithLogger(logger))
	c.Guard = security.NewGuard(logger, c.Events)

	deps := repository.Deps{
		Pool:           c.Pool,
		Dialect:        c.DB.Dialect(),
		Guard:          c.Guard,
		Monitor:        c.Monitor,
		Logger:         logger,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	}
	if c.Tenants, err = repository.NewTenantRepository(deps); err != nil {
		return nil, err
	}
	c.Directory = repository.NewTenantDirectory(c.Tenants, nil, 0)
	deps.Tenants = c.Directory

	if c.Patients, err = repository.NewEntityStore(deps, repository.PatientSchema()); err != nil {
		return nil, err
	}
	if c.Audit, err = repository.NewAuditLog(deps); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Core) buildMigrations(cfg *config.Config, fsys fs.FS) error {
	if fsys == nil {
		fsys = os.DirFS(cfg.MigrationsPath)
	}
	defs, err := migration.Load(fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	var locker migration.Locker
	switch cfg.MigrationLocker {
	case "redis":
		if c.redis == nil {
			return fmt.Errorf("redis migration locker needs REDIS_URL")
		}
		locker = migration.NewRedisLocker(c.redis, "", cfg.MigrationLockTTL)
	default:
		locker = migration.NewTableLocker(c.DB, migration.DefaultHolder(), cfg.MigrationLockTTL)
	}

	c.Migrations, err = migration.NewEngine(c.DB, defs,
		migration.WithLocker(locker),
		migration.WithLogger(c.logger),
		migration.WithEvents(c.Events),
	)
	return err
}

// Migrate applies every pending migration
func (c *Core) Migrate(ctx context.Context) (migration.Result, error) {
	return c.Migrations.ApplyAll(ctx)
}

// Start warms the pool and starts its idle reaper
func (c *Core) Start(ctx context.Context) error {
	return c.Pool.Start(ctx)
}

// Ready checks the database through the pool and, when configured, redis.
// The pool snapshot is returned even when a check fails.
func (c *Core) Ready(ctx context.Context) (pool.Stats, error) {
	if err := c.DB.Health(ctx); err != nil {
		return c.Pool.Stats(), fmt.Errorf("database not ready: %w", err)
	}
	stats, err := c.Pool.HealthCheck(ctx)
	c.Monitor.ObservePool(c.Pool.Config().Name, stats)
	if err != nil {
		return stats, fmt.Errorf("database not ready: %w", err)
	}
	if c.redis != nil {
		if err := c.redis.Ping(ctx); err != nil {
			return stats, fmt.Errorf("redis not ready: %w", err)
		}
	}
	return stats, nil
}

// Close releases every component. It is safe on a partially built core.
func (c *Core) Close() error {
	var errs []error
	if c.Pool != nil {
		errs = append(errs, c.Pool.Close())
	}
	if c.Monitor != nil {
		c.Monitor.Close()
	}
	if c.publish != nil {
		c.publish.Close()
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
