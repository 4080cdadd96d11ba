package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/pkg/database"
)

// Locker serializes migration runs across processes
type Locker interface {
	Lock(ctx context.Context) (Lease, error)
}

// Lease is a held migration lock. The engine renews it after every applied
// migration, so the lock TTL only has to outlast the longest single
// migration. Unlock must be called once the run ends.
type Lease interface {
	Renew(ctx context.Context) error
	Unlock(ctx context.Context) error
}

func lockLost(detail string) error {
	return domain.E(domain.KindMigrationLocked, "migration.renew", detail, nil)
}

// DefaultHolder identifies this process in lock rows
func DefaultHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// TableLocker keeps a single lock row in schema_migration_lock. A row whose
// expiry has passed belongs to a crashed run and is taken over.
type TableLocker struct {
	db      *sql.DB
	dialect database.Dialect
	holder  string
	ttl     time.Duration
	now     func() time.Time
}

// NewTableLocker creates a lock backed by the target database
func NewTableLocker(db *database.Database, holder string, ttl time.Duration) *TableLocker {
	if holder == "" {
		holder = DefaultHolder()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TableLocker{db: db.DB(), dialect: db.Dialect(), holder: holder, ttl: ttl, now: time.Now}
}

const createLockTable = `
	CREATE TABLE IF NOT EXISTS schema_migration_lock (
		id INTEGER PRIMARY KEY,
		holder VARCHAR(255) NOT NULL,
		acquired_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`

// Lock takes the lock row or fails with ErrMigrationLocked
func (l *TableLocker) Lock(ctx context.Context) (Lease, error) {
	if _, err := l.db.ExecContext(ctx, createLockTable); err != nil {
		return nil, fmt.Errorf("failed to create migration lock table: %w", err)
	}

	now := domain.Timestamp(l.now())
	if _, err := l.db.ExecContext(ctx,
		l.dialect.Rebind(`DELETE FROM schema_migration_lock WHERE id = 1 AND expires_at < ?`), now); err != nil {
		return nil, fmt.Errorf("failed to clear expired migration lock: %w", err)
	}

	_, err := l.db.ExecContext(ctx,
		l.dialect.Rebind(`INSERT INTO schema_migration_lock (id, holder, acquired_at, expires_at) VALUES (1, ?, ?, ?)`),
		l.holder, now, now.Add(l.ttl))
	if err != nil {
		var holder string
		qerr := l.db.QueryRowContext(ctx, `SELECT holder FROM schema_migration_lock WHERE id = 1`).Scan(&holder)
		if qerr == nil {
			return nil, domain.E(domain.KindMigrationLocked, "migration.lock", "held by "+holder, err)
		}
		if errors.Is(qerr, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to insert migration lock: %w", err)
		}
		return nil, fmt.Errorf("failed to read migration lock: %w", errors.Join(err, qerr))
	}

	return tableLease{l}, nil
}

type tableLease struct {
	l *TableLocker
}

// Renew pushes expires_at one TTL past now. A row taken over by another
// holder means the lock was lost.
func (t tableLease) Renew(ctx context.Context) error {
	now := domain.Timestamp(t.l.now())
	res, err := t.l.db.ExecContext(ctx,
		t.l.dialect.Rebind(`UPDATE schema_migration_lock SET expires_at = ? WHERE id = 1 AND holder = ?`),
		now.Add(t.l.ttl), t.l.holder)
	if err != nil {
		return fmt.Errorf("failed to renew migration lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return lockLost("lock row no longer held by " + t.l.holder)
	}
	return nil
}

func (t tableLease) Unlock(ctx context.Context) error {
	_, err := t.l.db.ExecContext(ctx,
		t.l.dialect.Rebind(`DELETE FROM schema_migration_lock WHERE id = 1 AND holder = ?`), t.l.holder)
	if err != nil {
		return fmt.Errorf("failed to release migration lock: %w", err)
	}
	return nil
}

// LockClient is the subset of the redis client the lock needs
type LockClient interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) (bool, error)
}

// RedisLocker holds a SET NX key with a per-run token. Only the token owner
// can release it; a crashed run's key expires with its TTL.
type RedisLocker struct {
	client LockClient
	key    string
	ttl    time.Duration
}

// NewRedisLocker creates a redis-backed lock
func NewRedisLocker(client LockClient, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = "clinicore:migrations:lock"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

// Lock sets the key or fails with ErrMigrationLocked
func (l *RedisLocker) Lock(ctx context.Context) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.TryLock(ctx, l.key, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !ok {
		return nil, domain.E(domain.KindMigrationLocked, "migration.lock", "another run holds "+l.key, nil)
	}
	return redisLease{l: l, token: token}, nil
}

type redisLease struct {
	l     *RedisLocker
	token string
}

// Renew resets the key's TTL while it still holds this run's token
func (r redisLease) Renew(ctx context.Context) error {
	ok, err := r.l.client.Extend(ctx, r.l.key, r.token, r.l.ttl)
	if err != nil {
		return fmt.Errorf("failed to renew migration lock: %w", err)
	}
	if !ok {
		return lockLost(r.l.key + " expired or was taken over")
	}
	return nil
}

func (r redisLease) Unlock(ctx context.Context) error {
	released, err := r.l.client.Unlock(ctx, r.l.key, r.token)
	if err != nil {
		return fmt.Errorf("failed to release migration lock: %w", err)
	}
	if !released {
		return fmt.Errorf("migration lock %s expired before release", r.l.key)
	}
	return nil
}
