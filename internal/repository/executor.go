package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/observability/monitor"
	"github.com/aryan0dhankhar/clinicore/internal/pool"
	"github.com/aryan0dhankhar/clinicore/internal/reliability/retry"
	"github.com/aryan0dhankhar/clinicore/pkg/database"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 25 * time.Millisecond
)

// errBeginTx marks failures that happened before the transaction existed,
// so nothing was written and the mutation may run again.
var errBeginTx = errors.New("begin transaction")

// queryer is satisfied by *sql.Conn and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// executor runs statements on connections leased from the pool, timed by
// the monitor.
type executor struct {
	pool           *pool.Pool
	dialect        database.Dialect
	monitor        *monitor.Monitor
	logger         *slog.Logger
	retry          retry.Config
	acquireTimeout time.Duration
}

func newExecutor(deps Deps) *executor {
	cfg := retry.Fixed(DefaultRetryAttempts, DefaultRetryDelay)
	if deps.Retry != nil {
		cfg = deps.Retry
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &executor{
		pool:           deps.Pool,
		dialect:        deps.Dialect,
		monitor:        deps.Monitor,
		logger:         log,
		retry:          *cfg,
		acquireTimeout: deps.AcquireTimeout,
	}
}

// read runs fn on a leased connection and repeats it on a fresh one when
// the connection turns out to be broken. Inside a mutation it joins the
// caller's transaction instead.
func (x *executor) read(ctx context.Context, op monitor.Operation, fn func(ctx context.Context, q queryer) error) error {
	if tx, ok := txFrom(ctx); ok {
		return x.monitor.Observe(ctx, op, func(ctx context.Context) error {
			return fn(ctx, tx)
		})
	}
	return x.run(ctx, op, badConn, func(ctx context.Context, conn *sql.Conn) error {
		return fn(ctx, conn)
	})
}

// write runs fn in a transaction. Only a failure to begin is retried; once
// the transaction exists the outcome is reported as is.
func (x *executor) write(ctx context.Context, op monitor.Operation, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return x.run(ctx, op, beginFailed, func(ctx context.Context, conn *sql.Conn) error {
		return x.inTx(ctx, conn, op.Name, fn)
	})
}

// run leases a connection per attempt. Connections that report
// driver.ErrBadConn are discarded instead of returned.
func (x *executor) run(ctx context.Context, op monitor.Operation, retryable func(error) bool, fn func(ctx context.Context, conn *sql.Conn) error) error {
	return x.monitor.Observe(ctx, op, func(ctx context.Context) error {
		cfg := x.retry
		cfg.ShouldRetry = retryable
		var last error
		_, err := retry.Do(ctx, &cfg, x.logger, op.Name, func(ctx context.Context, _ int) (struct{}, error) {
			last = x.lease(ctx, fn)
			return struct{}{}, last
		})
		if err == nil {
			return nil
		}
		if last != nil {
			return last
		}
		return storageErr(op.Name, err)
	})
}

func (x *executor) lease(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	h, err := x.pool.Acquire(ctx, x.acquireTimeout)
	if err != nil {
		return err
	}
	err = fn(ctx, h.Conn())
	if errors.Is(err, driver.ErrBadConn) {
		h.Discard()
	} else {
		h.Release()
	}
	return err
}

// inTx runs fn in a transaction on conn. fn's context carries the
// transaction so nested reads join it. A commit that fails after the
// context expired, or on a broken connection, may or may not have landed
// and is reported as indeterminate.
func (x *executor) inTx(ctx context.Context, conn *sql.Conn, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, fmt.Errorf("failed to begin transaction: %w: %w", errBeginTx, err))
	}
	if err := fn(withTx(ctx, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, storageErr(op, fmt.Errorf("failed to roll back: %w", rbErr)))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if ctx.Err() != nil || errors.Is(err, driver.ErrBadConn) {
			return domain.E(domain.KindIndeterminate, op, "commit outcome unknown; re-read before retrying", err)
		}
		return storageErr(op, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (x *executor) q(query string) string {
	return x.dialect.Rebind(query)
}

func badConn(err error) bool {
	return errors.Is(err, driver.ErrBadConn)
}

func beginFailed(err error) bool {
	return errors.Is(err, errBeginTx) && errors.Is(err, driver.ErrBadConn)
}

// storageErr wraps a raw driver error. Typed errors pass through.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *domain.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.E(domain.KindStorage, op, "canceled", err)
	}
	return domain.E(domain.KindStorage, op, "", err)
}

// newID returns a time-ordered id so equal timestamps still sort by creation.
func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
