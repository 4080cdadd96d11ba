package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/clinicore/internal/observability/events"
	"github.com/aryan0dhankhar/clinicore/internal/testutil"
	"github.com/aryan0dhankhar/clinicore/pkg/database"
)

func newEngine(t *testing.T, db *database.Database, defs []Definition, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	e, err := NewEngine(db, defs, opts...)
	require.NoError(t, err)
	return e
}

func tableExists(t *testing.T, db *database.Database, name string) bool {
	t.Helper()
	var n int
	err := db.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

var (
	defA = NewDefinition(1, "create_a", `CREATE TABLE a (id INTEGER PRIMARY KEY)`, `DROP TABLE a`)
	defB = NewDefinition(2, "create_b", `CREATE TABLE b (id INTEGER PRIMARY KEY)`, `DROP TABLE b`)
	defC = NewDefinition(3, "create_c", `CREATE TABLE c (id INTEGER PRIMARY KEY)`, `DROP TABLE c`)
)

func TestLoadReadsUpAndDownScripts(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_add_index.up.sql":     {Data: []byte("CREATE INDEX i ON a (id)")},
		"0001_create_a.up.sql":      {Data: []byte("CREATE TABLE a (id INTEGER)")},
		"0001_create_a.down.sql":    {Data: []byte("DROP TABLE a")},
		"README.md":                 {Data: []byte("not a migration")},
		"20240101120000_x.up.sql":   {Data: []byte("SELECT 1")},
		"20240101120000_x.down.sql": {Data: []byte("SELECT 1")},
	}

	defs, err := Load(fsys)
	require.NoError(t, err)
	require.Len(t, defs, 3)

	assert.Equal(t, int64(1), defs[0].Version)
	assert.Equal(t, "create_a", defs[0].Name)
	assert.True(t, defs[0].Reversible())
	assert.Equal(t, Checksum("CREATE TABLE a (id INTEGER)"), defs[0].Checksum)

	assert.Equal(t, int64(2), defs[1].Version)
	assert.False(t, defs[1].Reversible())

	assert.Equal(t, int64(20240101120000), defs[2].Version)
}

func TestLoadRejectsMalformedSets(t *testing.T) {
	_, err := Load(fstest.MapFS{
		"1_a.up.sql": {Data: []byte("SELECT 1")},
		"1_b.up.sql": {Data: []byte("SELECT 2")},
	})
	assert.Error(t, err)

	_, err = Load(fstest.MapFS{
		"1_a.down.sql": {Data: []byte("SELECT 1")},
	})
	assert.Error(t, err)

	_, err = Load(fstest.MapFS{
		"0_a.up.sql": {Data: []byte("SELECT 1")},
	})
	assert.Error(t, err)
}

func TestNewEngineRejectsDuplicateVersions(t *testing.T) {
	db := testutil.OpenSQLite(t)
	_, err := NewEngine(db, []Definition{defA, defA})
	assert.Error(t, err)
}

func TestApplyAllIsIdempotent(t *testing.T) {
	db := testutil.OpenSQLite(t)
	defs, err := Load(testutil.SQLiteMigrations())
	require.NoError(t, err)
	rec := &events.Recorder{}
	e := newEngine(t, db, defs, WithEvents(rec))
	ctx := context.Background()

	res, err := e.ApplyAll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Applied, len(defs))
	for i := 1; i < len(res.Applied); i++ {
		assert.Less(t, res.Applied[i-1].Version, res.Applied[i].Version)
	}
	assert.True(t, tableExists(t, db, "patients"))
	assert.True(t, tableExists(t, db, "audit_records"))
	assert.Len(t, rec.OfType(events.MigrationApplied), len(defs))

	res, err = e.ApplyAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)

	statuses, err := e.Status(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.Equal(t, StateApplied, s.State)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestFailedForwardScriptThenRevert(t *testing.T) {
	db := testutil.OpenSQLite(t)
	broken := NewDefinition(3, "create_c",
		`CREATE TABLE c (id INTEGER PRIMARY KEY); INSERT INTO no_such_table VALUES (1);`,
		`DROP TABLE c`)
	rec := &events.Recorder{}
	e := newEngine(t, db, []Definition{defA, defB, broken}, WithEvents(rec))
	ctx := context.Background()

	res, err := e.ApplyAll(ctx)
	require.Error(t, err)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, int64(3), applyErr.Version)
	assert.Len(t, res.Applied, 2)
	assert.Len(t, rec.OfType(events.MigrationFailed), 1)

	assert.True(t, tableExists(t, db, "a"))
	assert.True(t, tableExists(t, db, "b"))
	assert.False(t, tableExists(t, db, "c"))

	reverted, err := e.RevertLast(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reverted.Version)
	assert.False(t, tableExists(t, db, "b"))

	statuses, err := e.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, StateApplied, statuses[0].State)
	assert.Equal(t, StatePending, statuses[1].State)
	assert.Equal(t, StatePending, statuses[2].State)
}

func TestPendingVersionBelowAppliedIsIntegrityError(t *testing.T) {
	db := testutil.OpenSQLite(t)
	ctx := context.Background()

	_, err := newEngine(t, db, []Definition{defA, defC}).ApplyAll(ctx)
	require.NoError(t, err)

	_, err = newEngine(t, db, []Definition{defA, defB, defC}).ApplyAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMigrationIntegrity)
	assert.False(t, tableExists(t, db, "b"))
}

func TestAppliedVersionWithoutDefinitionIsIntegrityError(t *testing.T) {
	db := testutil.OpenSQLite(t)
	ctx := context.Background()

	_, err := newEngine(t, db, []Definition{defA, defB}).ApplyAll(ctx)
	require.NoError(t, err)

	_, err = newEngine(t, db, []Definition{defA}).ApplyAll(ctx)
	assert.ErrorIs(t, err, domain.ErrMigrationIntegrity)

	statuses, err := newEngine(t, db, []Definition{defA}).Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, StateMissing, statuses[1].State)
}

func TestEditedScriptIsDrift(t *testing.T) {
	db := testutil.OpenSQLite(t)
	ctx := context.Background()

	_, err := newEngine(t, db, []Definition{defA}).ApplyAll(ctx)
	require.NoError(t, err)

	edited := NewDefinition(1, "create_a", `CREATE TABLE a (id INTEGER PRIMARY KEY, note TEXT)`, `DROP TABLE a`)
	e := newEngine(t, db, []Definition{edited, defB})

	_, err = e.ApplyAll(ctx)
	assert.ErrorIs(t, err, domain.ErrMigrationDrift)
	assert.False(t, tableExists(t, db, "b"))

	_, err = e.RevertLast(ctx)
	assert.ErrorIs(t, err, domain.ErrMigrationDrift)

	statuses, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDrifted, statuses[0].State)
}

func TestRevertWithoutDownScriptIsIrreversible(t *testing.T) {
	db := testutil.OpenSQLite(t)
	ctx := context.Background()
	oneWay := NewDefinition(1, "create_a", `CREATE TABLE a (id INTEGER PRIMARY KEY)`, "")
	e := newEngine(t, db, []Definition{oneWay})

	_, err := e.ApplyAll(ctx)
	require.NoError(t, err)

	_, err = e.RevertLast(ctx)
	assert.ErrorIs(t, err, domain.ErrIrreversibleMigration)
	assert.True(t, tableExists(t, db, "a"))
}

func TestRevertWithNothingApplied(t *testing.T) {
	db := testutil.OpenSQLite(t)
	_, err := newEngine(t, db, []Definition{defA}).RevertLast(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestTableLockerSerializesRuns(t *testing.T) {
	db := testutil.OpenSQLite(t)
	ctx := context.Background()

	first := NewTableLocker(db, "first", time.Minute)
	second := NewTableLocker(db, "second", time.Minute)

	lease, err := first.Lock(ctx)
	require.NoError(t, err)

	_, err = second.Lock(ctx)
	assert.ErrorIs(t, err, domain.ErrMigrationLocked)

	_, err = newEngine(t, db, []Definition{defA}, WithLocker(second)).ApplyAll(ctx)
	assert.ErrorIs(t, err, domain.ErrMigrationLocked)
	assert.False(t, tableExists(t, db, "a"))

	require.NoError(t, lease.Unlock(ctx))
	lease2, err := second.Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, lease2.Unlock(ctx))
}

func TestTableLockerTakesOverExpiredLock(t *testing.T) {
	db := testutil.OpenSQLite(t)
	ctx := context.Background()

	crashed := NewTableLocker(db, "crashed", time.Minute)
	crashed.now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, err := crashed.Lock(ctx)
	require.NoError(t, err)

	lease, err := NewTableLocker(db, "fresh", time.Minute).Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, lease.Unlock(ctx))
}

func TestTableLockerRenewalOutlivesOriginalExpiry(t *testing.T) {
	db := testutil.OpenSQLite(t)
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	first := NewTableLocker(db, "first", time.Minute)
	first.now = clock.Now
	second := NewTableLocker(db, "second", time.Minute)
	second.now = clock.Now

	lease, err := first.Lock(ctx)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	require.NoError(t, lease.Renew(ctx))

	// Past the first expiry but inside the renewed one.
	clock.Advance(50 * time.Second)
	_, err = second.Lock(ctx)
	assert.ErrorIs(t, err, domain.ErrMigrationLocked)

	// Without further renewal the row expires and is taken over.
	clock.Advance(time.Minute)
	taken, err := second.Lock(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, lease.Renew(ctx), domain.ErrMigrationLocked)
	require.NoError(t, taken.Unlock(ctx))
}

// countingLocker records renewals and can report the lease as lost.
type countingLocker struct {
	Locker
	renewals int
	loseAt   int
}

func (c *countingLocker) Lock(ctx context.Context) (Lease, error) {
	lease, err := c.Locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	return &countingLease{Lease: lease, c: c}, nil
}

type countingLease struct {
	Lease
	c *countingLocker
}

func (l *countingLease) Renew(ctx context.Context) error {
	l.c.renewals++
	if l.c.renewals == l.c.loseAt {
		return lockLost("taken over")
	}
	return l.Lease.Renew(ctx)
}

func TestApplyAllRenewsLockBetweenMigrations(t *testing.T) {
	db := testutil.OpenSQLite(t)
	locker := &countingLocker{Locker: NewTableLocker(db, "runner", time.Minute)}

	res, err := newEngine(t, db, []Definition{defA, defB, defC}, WithLocker(locker)).ApplyAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Applied, 3)
	assert.Equal(t, 3, locker.renewals)
}

func TestApplyAllStopsWhenLockIsLost(t *testing.T) {
	db := testutil.OpenSQLite(t)
	locker := &countingLocker{Locker: NewTableLocker(db, "runner", time.Minute), loseAt: 1}

	res, err := newEngine(t, db, []Definition{defA, defB}, WithLocker(locker)).ApplyAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMigrationLocked)
	require.Len(t, res.Applied, 1)
	assert.True(t, tableExists(t, db, "a"))
	assert.False(t, tableExists(t, db, "b"))
}

type memLockClient struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memLockClient) TryLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.keys[key]; held {
		return false, nil
	}
	m.keys[key] = token
	return true, nil
}

func (m *memLockClient) Extend(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key] == token, nil
}

func (m *memLockClient) Unlock(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] != token {
		return false, nil
	}
	delete(m.keys, key)
	return true, nil
}

type failingLockClient struct{}

func (failingLockClient) TryLock(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}

func (failingLockClient) Extend(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}

func (failingLockClient) Unlock(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestRedisLockerSerializesRuns(t *testing.T) {
	client := &memLockClient{keys: map[string]string{}}
	ctx := context.Background()

	a := NewRedisLocker(client, "", time.Minute)
	b := NewRedisLocker(client, "", time.Minute)

	lease, err := a.Lock(ctx)
	require.NoError(t, err)

	_, err = b.Lock(ctx)
	assert.ErrorIs(t, err, domain.ErrMigrationLocked)

	require.NoError(t, lease.Renew(ctx))
	require.NoError(t, lease.Unlock(ctx))
	assert.Error(t, lease.Unlock(ctx))
	assert.ErrorIs(t, lease.Renew(ctx), domain.ErrMigrationLocked)

	lease, err = b.Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, lease.Unlock(ctx))

	_, err = NewRedisLocker(failingLockClient{}, "", time.Minute).Lock(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrMigrationLocked)
}

func TestApplyAllUsesRedisLocker(t *testing.T) {
	db := testutil.OpenSQLite(t)
	client := &memLockClient{keys: map[string]string{}}
	e := newEngine(t, db, []Definition{defA}, WithLocker(NewRedisLocker(client, "", time.Minute)))

	_, err := e.ApplyAll(context.Background())
	require.NoError(t, err)
	assert.True(t, tableExists(t, db, "a"))
	assert.Empty(t, client.keys)
}
