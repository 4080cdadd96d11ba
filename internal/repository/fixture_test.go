package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/clinicore/internal/migration"
	"github.com/aryan0dhankhar/clinicore/internal/observability/events"
	"github.com/aryan0dhankhar/clinicore/internal/observability/monitor"
	"github.com/aryan0dhankhar/clinicore/internal/pool"
	"github.com/aryan0dhankhar/clinicore/internal/reliability/retry"
	"github.com/aryan0dhankhar/clinicore/internal/security"
	"github.com/aryan0dhankhar/clinicore/internal/testutil"
	"github.com/aryan0dhankhar/clinicore/pkg/database"
)

type fixture struct {
	db       *database.Database
	patients *EntityStore[*domain.Patient]
	audit    *AuditLog
	tenants  *TenantRepository
	dir      *TenantDirectory
	events   *events.Recorder
	clock    *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithDB(t, testutil.OpenSQLite(t), pool.Config{Max: 4})
}

// newFixtureWithDB migrates db and builds the stores on a pool over it.
func newFixtureWithDB(t *testing.T, db *database.Database, cfg pool.Config) *fixture {
	t.Helper()
	ctx := context.Background()

	defs, err := migration.Load(testutil.SQLiteMigrations())
	require.NoError(t, err)
	engine, err := migration.NewEngine(db, defs, migration.WithLogger(logger.Discard()))
	require.NoError(t, err)
	_, err = engine.ApplyAll(ctx)
	require.NoError(t, err)

	rec := &events.Recorder{}
	p, err := pool.New(db.DB(), cfg, pool.WithLogger(logger.Discard()), pool.WithEvents(rec))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	mon := monitor.New(time.Minute, rec, monitor.WithLogger(logger.Discard()))
	t.Cleanup(mon.Close)

	clock := testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	deps := Deps{
		Pool:    p,
		Dialect: db.Dialect(),
		Guard:   security.NewGuard(logger.Discard(), rec),
		Monitor: mon,
		Logger:  logger.Discard(),
		Clock:   clock.Now,
		Retry:   retry.Fixed(DefaultRetryAttempts, time.Millisecond),
	}
	tenants, err := NewTenantRepository(deps)
	require.NoError(t, err)
	dir := NewTenantDirectory(tenants, nil, time.Minute)
	deps.Tenants = dir

	patients, err := NewEntityStore(deps, PatientSchema())
	require.NoError(t, err)
	auditLog, err := NewAuditLog(deps)
	require.NoError(t, err)

	return &fixture{
		db:       db,
		patients: patients,
		audit:    auditLog,
		tenants:  tenants,
		dir:      dir,
		events:   rec,
		clock:    clock,
	}
}

// tenant creates an active tenant and returns a scope for one of its users.
func (f *fixture) tenant(t *testing.T, name string) security.Scope {
	t.Helper()
	tn := &domain.Tenant{Name: name, Mode: domain.ModeMultiProvider, IsActive: true}
	require.NoError(t, f.tenants.Create(context.Background(), tn))
	scope, err := security.ForPrincipal(domain.Principal{ActorID: uuid.New(), TenantID: tn.ID})
	require.NoError(t, err)
	return scope
}

func (f *fixture) createPatient(t *testing.T, scope security.Scope, mrn, family string) *domain.Patient {
	t.Helper()
	p, err := f.patients.Create(context.Background(), scope, &domain.Patient{
		MRN:        mrn,
		GivenName:  "Ada",
		FamilyName: family,
		BirthDate:  time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC),
		Sex:        "F",
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) history(t *testing.T, scope security.Scope, id uuid.UUID) []domain.AuditRecord {
	t.Helper()
	records, err := f.audit.ListByEntity(context.Background(), scope, "patient", id)
	require.NoError(t, err)
	return records
}

func (f *fixture) countAudit(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.DB().QueryRow(`SELECT COUNT(*) FROM audit_records`).Scan(&n))
	return n
}
