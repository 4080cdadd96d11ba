package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/pool"
	"github.com/aryan0dhankhar/clinicore/internal/testutil"
	"github.com/aryan0dhankhar/clinicore/pkg/database"
)

// flakyDriver wraps sqlite3 and fails a scheduled number of calls with
// driver.ErrBadConn, the way a dropped network connection surfaces.
type flakyDriver struct {
	inner       driver.Driver
	failQueries atomic.Int32
	failExecs   atomic.Int32
	failBegins  atomic.Int32
}

func (d *flakyDriver) Open(name string) (driver.Conn, error) {
	c, err := d.inner.Open(name)
	if err != nil {
		return nil, err
	}
	return &flakyConn{Conn: c, d: d}, nil
}

type flakyConn struct {
	driver.Conn
	d *flakyDriver
}

func (c *flakyConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if take(&c.d.failQueries) {
		return nil, driver.ErrBadConn
	}
	return c.Conn.(driver.QueryerContext).QueryContext(ctx, query, args)
}

func (c *flakyConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if take(&c.d.failExecs) {
		return nil, driver.ErrBadConn
	}
	return c.Conn.(driver.ExecerContext).ExecContext(ctx, query, args)
}

func (c *flakyConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if take(&c.d.failBegins) {
		return nil, driver.ErrBadConn
	}
	return c.Conn.(driver.ConnBeginTx).BeginTx(ctx, opts)
}

func (c *flakyConn) Ping(ctx context.Context) error {
	return c.Conn.(driver.Pinger).Ping(ctx)
}

// take consumes one scheduled failure
func take(n *atomic.Int32) bool {
	for {
		v := n.Load()
		if v <= 0 {
			return false
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

var flakySeq atomic.Int32

// openFlaky registers a fresh wrapper driver so tests never share failure
// counters, and opens a sqlite file through it.
func openFlaky(t *testing.T) (*database.Database, *flakyDriver) {
	t.Helper()
	d := &flakyDriver{inner: &sqlite3.SQLiteDriver{}}
	name := fmt.Sprintf("sqlite3_flaky_%d", flakySeq.Add(1))
	sql.Register(name, d)

	cfg := &database.Config{Driver: "sqlite3", Database: filepath.Join(t.TempDir(), "flaky.db")}
	db, err := sql.Open(name, cfg.DSN())
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	t.Cleanup(func() { db.Close() })
	return database.Wrap(db, database.SQLite), d
}

func TestReadsRetryOnBrokenConnection(t *testing.T) {
	db, flaky := openFlaky(t)
	f := newFixtureWithDB(t, db, pool.Config{Max: 2, AcquireTimeout: time.Second})
	ctx := context.Background()

	scope := f.tenant(t, "north clinic")
	p := f.createPatient(t, scope, "MRN-1", "Lovelace")

	flaky.failQueries.Store(1)
	got, err := f.patients.FindByID(ctx, scope, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lovelace", got.FamilyName)

	flaky.failQueries.Store(1)
	list, err := f.patients.ListByTenant(ctx, scope, Filter{}, Page{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	flaky.failQueries.Store(1)
	records, err := f.audit.ListByEntity(ctx, scope, "patient", p.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	flaky.failQueries.Store(1)
	tn, err := f.tenants.GetByID(ctx, scope.Tenant())
	require.NoError(t, err)
	assert.Equal(t, "north clinic", tn.Name)

	assert.Zero(t, flaky.failQueries.Load())
}

func TestReadsGiveUpAfterBoundedAttempts(t *testing.T) {
	db, flaky := openFlaky(t)
	f := newFixtureWithDB(t, db, pool.Config{Max: 2, AcquireTimeout: time.Second})
	ctx := context.Background()

	scope := f.tenant(t, "north clinic")
	p := f.createPatient(t, scope, "MRN-1", "Lovelace")

	flaky.failQueries.Store(DefaultRetryAttempts + 1)
	_, err := f.patients.FindByID(ctx, scope, p.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Equal(t, int32(1), flaky.failQueries.Load(), "one attempt per configured retry")

	flaky.failQueries.Store(0)
	_, err = f.patients.FindByID(ctx, scope, p.ID)
	assert.NoError(t, err)
}

func TestMutationRetriesWhenBeginFails(t *testing.T) {
	db, flaky := openFlaky(t)
	f := newFixtureWithDB(t, db, pool.Config{Max: 2, AcquireTimeout: time.Second})
	ctx := context.Background()

	scope := f.tenant(t, "north clinic")
	p := f.createPatient(t, scope, "MRN-1", "Lovelace")

	flaky.failBegins.Store(1)
	updated, err := f.patients.Update(ctx, scope, p.ID, Mutation[*domain.Patient]{
		Apply: func(p *domain.Patient) error { p.FamilyName = "Byron"; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Zero(t, flaky.failBegins.Load())

	h := f.history(t, scope, p.ID)
	require.Len(t, h, 2)
	assert.Equal(t, domain.AuditUpdate, h[1].Action)
}

func TestMutationIsNotRepeatedOnceTransactionStarted(t *testing.T) {
	db, flaky := openFlaky(t)
	f := newFixtureWithDB(t, db, pool.Config{Max: 2, AcquireTimeout: time.Second})
	ctx := context.Background()

	scope := f.tenant(t, "north clinic")
	p := f.createPatient(t, scope, "MRN-1", "Lovelace")
	before := f.countAudit(t)

	flaky.failExecs.Store(1)
	_, err := f.patients.Update(ctx, scope, p.ID, Mutation[*domain.Patient]{
		Apply: func(p *domain.Patient) error { p.FamilyName = "Byron"; return nil },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.ErrorIs(t, err, driver.ErrBadConn)

	got, err := f.patients.FindByID(ctx, scope, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lovelace", got.FamilyName)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, before, f.countAudit(t))
}

func TestTenantLookupJoinsOpenTransaction(t *testing.T) {
	// A single connection: a cold tenant lookup inside the mutation has to
	// reuse the transaction's connection instead of leasing a second one.
	f := newFixtureWithDB(t, testutil.OpenSQLite(t), pool.Config{Max: 1, AcquireTimeout: 500 * time.Millisecond})
	ctx := context.Background()

	scope := f.tenant(t, "north clinic")
	p := f.createPatient(t, scope, "MRN-1", "Lovelace")
	f.dir.Invalidate(scope.Tenant())

	updated, err := f.patients.Update(ctx, scope, p.ID, Mutation[*domain.Patient]{
		Apply: func(p *domain.Patient) error { p.FamilyName = "Byron"; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "Byron", updated.FamilyName)
	assert.Equal(t, 0, f.patients.x.pool.Stats().Active)
}
