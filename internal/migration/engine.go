package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/observability/events"
	"github.com/aryan0dhankhar/clinicore/internal/observability/metrics"
	"github.com/aryan0dhankhar/clinicore/pkg/database"
)

// ApplyError reports the first migration that failed during ApplyAll.
// Versions before it remain applied.
type ApplyError struct {
	Version int64
	Name    string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Name, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Result lists the migrations an ApplyAll call committed
type Result struct {
	Applied []domain.MigrationRecord
}

// State of one definition relative to the database
type State string

const (
	StatePending State = "pending"
	StateApplied State = "applied"
	StateDrifted State = "drifted"
	StateMissing State = "missing" // applied but no longer defined
)

// Status describes one migration for reporting
type Status struct {
	Version    int64
	Name       string
	State      State
	Reversible bool
	AppliedAt  *time.Time
}

// Engine drives schema migrations against one database
type Engine struct {
	db      *sql.DB
	dialect database.Dialect
	defs    []Definition
	locker  Locker
	logger  *slog.Logger
	events  events.Sink
	now     func() time.Time
}

// Option customizes an Engine
type Option func(*Engine)

// WithLocker replaces the default table lock
func WithLocker(l Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEvents routes applied/reverted/failed events to sink
func WithEvents(sink events.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.events = sink
		}
	}
}

// WithClock replaces time.Now for applied_at
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine validates defs and builds an engine
func NewEngine(db *database.Database, defs []Definition, opts ...Option) (*Engine, error) {
	sorted, err := validate(defs)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		db:      db.DB(),
		dialect: db.Dialect(),
		defs:    sorted,
		logger:  slog.Default(),
		events:  events.Nop,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = NewTableLocker(db, "", 0)
	}
	return e, nil
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		applied_at TIMESTAMP NOT NULL,
		checksum VARCHAR(64) NOT NULL
	)`

// ApplyAll applies every pending migration in ascending order. It stops at
// the first failure and returns an *ApplyError naming the version.
func (e *Engine) ApplyAll(ctx context.Context) (res Result, err error) {
	lease, err := e.lock(ctx)
	if err != nil {
		return Result{}, err
	}
	defer e.unlock(lease)

	applied, err := e.applied(ctx)
	if err != nil {
		return Result{}, err
	}
	pending, err := e.plan(applied)
	if err != nil {
		return Result{}, err
	}
	if len(pending) == 0 {
		e.logger.Info("schema is up to date", slog.Int("applied", len(applied)))
		return Result{}, nil
	}

	for _, d := range pending {
		start := e.now()
		rec, err := e.apply(ctx, d)
		if err != nil {
			metrics.ObserveMigration("up", "failed")
			e.logger.Error("migration failed",
				slog.Int64("version", d.Version),
				slog.String("name", d.Name),
				slog.String("error", err.Error()),
			)
			e.events.Emit(events.New(events.MigrationFailed, map[string]any{
				"version":   d.Version,
				"name":      d.Name,
				"direction": "up",
				"error":     err.Error(),
			}))
			return res, &ApplyError{Version: d.Version, Name: d.Name, Err: err}
		}
		metrics.ObserveMigration("up", "ok")
		e.logger.Info("migration applied",
			slog.Int64("version", d.Version),
			slog.String("name", d.Name),
			slog.Duration("duration", e.now().Sub(start)),
		)
		e.events.Emit(events.New(events.MigrationApplied, map[string]any{
			"version": d.Version,
			"name":    d.Name,
		}))
		res.Applied = append(res.Applied, rec)

		if err := lease.Renew(ctx); err != nil {
			e.logger.Error("migration lock lost; stopping run",
				slog.Int64("after_version", d.Version),
				slog.String("error", err.Error()),
			)
			return res, err
		}
	}
	return res, nil
}

// RevertLast reverts the highest applied migration using its down script
func (e *Engine) RevertLast(ctx context.Context) (domain.MigrationRecord, error) {
	lease, err := e.lock(ctx)
	if err != nil {
		return domain.MigrationRecord{}, err
	}
	defer e.unlock(lease)

	applied, err := e.applied(ctx)
	if err != nil {
		return domain.MigrationRecord{}, err
	}
	if len(applied) == 0 {
		return domain.MigrationRecord{}, domain.E(domain.KindInvalidState, "migration.revert", "no applied migrations", nil)
	}
	last := applied[len(applied)-1]
	def, ok := e.definition(last.Version)
	if !ok {
		return domain.MigrationRecord{}, domain.E(domain.KindMigrationIntegrity, "migration.revert",
			fmt.Sprintf("applied version %d has no definition", last.Version), nil)
	}
	if def.Checksum != last.Checksum {
		return domain.MigrationRecord{}, domain.E(domain.KindMigrationDrift, "migration.revert",
			fmt.Sprintf("version %d changed since it was applied", last.Version), nil)
	}
	if !def.Reversible() {
		return domain.MigrationRecord{}, domain.E(domain.KindIrreversibleMigration, "migration.revert",
			fmt.Sprintf("version %d has no down script", last.Version), nil)
	}

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, def.Down); err != nil {
			return fmt.Errorf("failed to run down script: %w", err)
		}
		if _, err := tx.ExecContext(ctx, e.dialect.Rebind(`DELETE FROM schema_migrations WHERE version = ?`), def.Version); err != nil {
			return fmt.Errorf("failed to delete migration record: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.ObserveMigration("down", "failed")
		e.events.Emit(events.New(events.MigrationFailed, map[string]any{
			"version":   def.Version,
			"name":      def.Name,
			"direction": "down",
			"error":     err.Error(),
		}))
		return domain.MigrationRecord{}, domain.E(domain.KindStorage, "migration.revert",
			fmt.Sprintf("version %d", def.Version), err)
	}

	metrics.ObserveMigration("down", "ok")
	e.logger.Info("migration reverted", slog.Int64("version", def.Version), slog.String("name", def.Name))
	e.events.Emit(events.New(events.MigrationReverted, map[string]any{
		"version": def.Version,
		"name":    def.Name,
	}))
	return last, nil
}

// Status reports every known version, defined or applied, in ascending order
func (e *Engine) Status(ctx context.Context) ([]Status, error) {
	if err := e.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := e.applied(ctx)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]domain.MigrationRecord, len(applied))
	for _, r := range applied {
		byVersion[r.Version] = r
	}

	var out []Status
	for _, d := range e.defs {
		s := Status{Version: d.Version, Name: d.Name, State: StatePending, Reversible: d.Reversible()}
		if r, ok := byVersion[d.Version]; ok {
			at := r.AppliedAt
			s.AppliedAt = &at
			s.State = StateApplied
			if r.Checksum != d.Checksum {
				s.State = StateDrifted
			}
			delete(byVersion, d.Version)
		}
		out = append(out, s)
	}
	for _, r := range applied {
		if _, orphan := byVersion[r.Version]; orphan {
			at := r.AppliedAt
			out = append(out, Status{Version: r.Version, Name: r.Name, State: StateMissing, AppliedAt: &at})
		}
	}
	sortStatus(out)
	return out, nil
}

// plan checks integrity and drift and returns the pending definitions.
func (e *Engine) plan(applied []domain.MigrationRecord) ([]Definition, error) {
	var highest int64
	byVersion := make(map[int64]domain.MigrationRecord, len(applied))
	for _, r := range applied {
		byVersion[r.Version] = r
		highest = max(highest, r.Version)
		if _, ok := e.definition(r.Version); !ok {
			return nil, domain.E(domain.KindMigrationIntegrity, "migration.apply",
				fmt.Sprintf("applied version %d has no definition", r.Version), nil)
		}
	}

	var pending []Definition
	for _, d := range e.defs {
		r, ok := byVersion[d.Version]
		if !ok {
			if d.Version < highest {
				return nil, domain.E(domain.KindMigrationIntegrity, "migration.apply",
					fmt.Sprintf("pending version %d is older than applied version %d", d.Version, highest), nil)
			}
			pending = append(pending, d)
			continue
		}
		if r.Checksum != d.Checksum {
			return nil, domain.E(domain.KindMigrationDrift, "migration.apply",
				fmt.Sprintf("version %d changed since it was applied", d.Version), nil)
		}
	}
	return pending, nil
}

func (e *Engine) apply(ctx context.Context, d Definition) (domain.MigrationRecord, error) {
	rec := domain.MigrationRecord{
		Version:   d.Version,
		Name:      d.Name,
		AppliedAt: domain.Timestamp(e.now()),
		Checksum:  d.Checksum,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, d.Up); err != nil {
			return fmt.Errorf("failed to run up script: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			e.dialect.Rebind(`INSERT INTO schema_migrations (version, name, applied_at, checksum) VALUES (?, ?, ?, ?)`),
			rec.Version, rec.Name, rec.AppliedAt, rec.Checksum)
		if err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
	return rec, err
}

func (e *Engine) applied(ctx context.Context) ([]domain.MigrationRecord, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT version, name, applied_at, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, domain.E(domain.KindStorage, "migration.applied", "", err)
	}
	defer rows.Close()

	var out []domain.MigrationRecord
	for rows.Next() {
		var r domain.MigrationRecord
		if err := rows.Scan(&r.Version, &r.Name, &r.AppliedAt, &r.Checksum); err != nil {
			return nil, domain.E(domain.KindStorage, "migration.applied", "", err)
		}
		r.AppliedAt = r.AppliedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.E(domain.KindStorage, "migration.applied", "", err)
	}
	return out, nil
}

func (e *Engine) definition(version int64) (Definition, bool) {
	for _, d := range e.defs {
		if d.Version == version {
			return d, true
		}
	}
	return Definition{}, false
}

func (e *Engine) lock(ctx context.Context) (Lease, error) {
	lease, err := e.locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.ensureTable(ctx); err != nil {
		e.unlock(lease)
		return nil, err
	}
	return lease, nil
}

func (e *Engine) unlock(lease Lease) {
	// The run's ctx may already be canceled; the lock must still go.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := lease.Unlock(ctx); err != nil {
		e.logger.Warn("failed to release migration lock", slog.String("error", err.Error()))
	}
}

func (e *Engine) ensureTable(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return domain.E(domain.KindStorage, "migration.bookkeeping", "", err)
	}
	return nil
}

func (e *Engine) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func sortStatus(s []Status) {
	sort.Slice(s, func(i, j int) bool { return s[i].Version < s[j].Version })
}
