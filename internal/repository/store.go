package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/observability/metrics"
	"github.com/aryan0dhankhar/clinicore/internal/observability/monitor"
	"github.com/aryan0dhankhar/clinicore/internal/pool"
	"github.com/aryan0dhankhar/clinicore/internal/reliability/retry"
	"github.com/aryan0dhankhar/clinicore/internal/security"
	"github.com/aryan0dhankhar/clinicore/pkg/database"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// TenantChecker rejects writes for tenants that are not active
type TenantChecker interface {
	EnsureActive(ctx context.Context, tenantID uuid.UUID) error
}

// Deps are the collaborators shared by every store
type Deps struct {
	Pool           *pool.Pool
	Dialect        database.Dialect
	Guard          *security.Guard
	Monitor        *monitor.Monitor
	Tenants        TenantChecker
	Logger         *slog.Logger
	Clock          func() time.Time
	AcquireTimeout time.Duration

	// Retry bounds how often a statement is repeated on a broken
	// connection. Nil uses DefaultRetryAttempts.
	Retry *retry.Config
}

// Mutation changes a loaded record. ExpectedVersion, when non-zero, must
// match the stored version; otherwise the loaded version is used.
type Mutation[T domain.Record] struct {
	ExpectedVersion int64
	Apply           func(T) error
}

// Filter narrows ListByTenant. Equals keys must be entity columns.
type Filter struct {
	IncludeDeleted bool
	Equals         map[string]any
	CreatedAfter   time.Time
	CreatedBefore  time.Time
}

// Page bounds a list result
type Page struct {
	Limit  int
	Offset int
}

type readOptions struct {
	includeDeleted bool
}

// ReadOption adjusts FindByID
type ReadOption func(*readOptions)

// IncludeDeleted lets FindByID return soft-deleted rows
func IncludeDeleted() ReadOption {
	return func(o *readOptions) { o.includeDeleted = true }
}

// EntityStore persists one record type with tenant isolation, optimistic
// concurrency and a same-transaction audit trail.
type EntityStore[T domain.Record] struct {
	x       *executor
	audit   *auditWriter
	schema  Schema[T]
	guard   *security.Guard
	tenants TenantChecker
	logger  *slog.Logger
	now     func() time.Time

	// beforeCommit runs after the audit insert, inside the transaction.
	beforeCommit func(ctx context.Context, tx *sql.Tx) error
}

// NewEntityStore creates a store for schema
func NewEntityStore[T domain.Record](deps Deps, schema Schema[T]) (*EntityStore[T], error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	if deps.Pool == nil || deps.Guard == nil {
		return nil, fmt.Errorf("entity store %s needs a pool and a guard", schema.EntityType)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	x := newExecutor(deps)
	return &EntityStore[T]{
		x:       x,
		audit:   &auditWriter{x: x},
		schema:  schema,
		guard:   deps.Guard,
		tenants: deps.Tenants,
		logger:  deps.Logger,
		now:     deps.Clock,
	}, nil
}

// EntityType is the audit tag of the stored records
func (s *EntityStore[T]) EntityType() string {
	return s.schema.EntityType
}

// Create inserts rec in the scope's tenant with a CREATE audit record.
// Identity, timestamps and version are assigned here; caller values are
// overwritten.
func (s *EntityStore[T]) Create(ctx context.Context, scope security.Scope, rec T) (T, error) {
	op := s.op("create")
	var zero T
	base := rec.EntityBase()
	tenant, err := s.guard.CheckCreate(ctx, scope, op, s.schema.EntityType, base.TenantID)
	if err != nil {
		return zero, err
	}
	if err := s.ensureActive(ctx, tenant); err != nil {
		return zero, err
	}

	now := domain.Timestamp(s.now())
	actor := domain.ActorRef(scope.Actor())
	base.ID = newID()
	base.TenantID = tenant
	base.CreatedAt, base.UpdatedAt = now, now
	base.DeletedAt = nil
	base.CreatedBy, base.UpdatedBy = actor, actor
	base.Version = 1

	err = s.mutate(ctx, op, tenant, func(ctx context.Context, tx *sql.Tx) (change, error) {
		cols := append(slices.Clone(baseColumns), s.schema.Columns...)
		args := []any{base.ID, base.TenantID, base.CreatedAt, base.UpdatedAt, nullTime(base.DeletedAt),
			base.CreatedBy, base.UpdatedBy, base.Version}
		args = append(args, s.schema.Values(rec)...)
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			s.schema.Table, strings.Join(cols, ", "), placeholders(len(cols)))
		if _, err := tx.ExecContext(ctx, s.x.q(query), args...); err != nil {
			return change{}, storageErr(op, fmt.Errorf("failed to insert %s: %w", s.schema.EntityType, err))
		}
		after, err := snapshot(rec)
		if err != nil {
			return change{}, err
		}
		return s.change(domain.AuditCreate, base, nil, after), nil
	})
	if err != nil {
		return zero, err
	}
	return rec, nil
}

// FindByID loads one record. Rows of other tenants are reported as not
// found. Soft-deleted rows are hidden unless IncludeDeleted is passed.
func (s *EntityStore[T]) FindByID(ctx context.Context, scope security.Scope, id uuid.UUID, opts ...ReadOption) (T, error) {
	op := s.op("find")
	var zero T
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !scope.Valid() {
		return zero, domain.E(domain.KindInvalidArgument, op, "missing scope", nil)
	}

	where := []string{"id = ?"}
	args := []any{id}
	if !scope.IsSystem() {
		where = append(where, "tenant_id = ?")
		args = append(args, scope.Tenant())
	}
	if !o.includeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		s.schema.selectList(), s.schema.Table, strings.Join(where, " AND "))

	var rec T
	err := s.x.read(ctx, s.operation(op, scope.Tenant()), func(ctx context.Context, q queryer) error {
		var err error
		rec, err = s.schema.scan(q.QueryRowContext(ctx, s.x.q(query), args...))
		if errors.Is(err, sql.ErrNoRows) {
			return s.notFound(op)
		}
		return storageErr(op, err)
	})
	if err != nil {
		return zero, err
	}
	if err := s.guard.CheckRow(ctx, scope, op, s.schema.EntityType, id, rec.EntityBase().TenantID); err != nil {
		return zero, err
	}
	return rec, nil
}

// Update applies mut to the stored record and bumps its version. A stale
// version fails with ErrConcurrentModification and changes nothing.
func (s *EntityStore[T]) Update(ctx context.Context, scope security.Scope, id uuid.UUID, mut Mutation[T]) (T, error) {
	op := s.op("update")
	var zero T
	if mut.Apply == nil {
		return zero, domain.E(domain.KindInvalidArgument, op, "mutation has no Apply", nil)
	}

	var result T
	err := s.mutate(ctx, op, scope.Tenant(), func(ctx context.Context, tx *sql.Tx) (change, error) {
		cur, err := s.loadForWrite(ctx, tx, scope, op, id)
		if err != nil {
			return change{}, err
		}
		base := cur.EntityBase()
		if base.IsDeleted() {
			return change{}, s.notFound(op)
		}
		if err := s.checkVersion(op, base, mut.ExpectedVersion); err != nil {
			return change{}, err
		}
		before, err := snapshot(cur)
		if err != nil {
			return change{}, err
		}

		frozen := *base
		if err := mut.Apply(cur); err != nil {
			if domain.KindOf(err) != "" {
				return change{}, err
			}
			return change{}, domain.E(domain.KindInvalidArgument, op, "mutation rejected", err)
		}
		// Identity, creation and lifecycle columns are not the mutation's to change.
		*base = frozen
		s.touch(base, scope)

		cols := make([]string, 0, len(s.schema.Columns)+3)
		for _, c := range s.schema.Columns {
			cols = append(cols, c+" = ?")
		}
		cols = append(cols, "updated_at = ?", "updated_by = ?", "version = ?")
		args := append(s.schema.Values(cur), base.UpdatedAt, base.UpdatedBy, base.Version,
			base.ID, base.TenantID, frozen.Version)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND tenant_id = ? AND version = ?",
			s.schema.Table, strings.Join(cols, ", "))
		if err := s.execCAS(ctx, tx, op, query, args...); err != nil {
			return change{}, err
		}

		after, err := snapshot(cur)
		if err != nil {
			return change{}, err
		}
		result = cur
		return s.change(domain.AuditUpdate, base, before, after), nil
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

// SoftDelete marks the record deleted. Deleting an already deleted record
// fails with ErrNotFound and writes no audit record.
func (s *EntityStore[T]) SoftDelete(ctx context.Context, scope security.Scope, id uuid.UUID, expectedVersion int64) (T, error) {
	return s.lifecycle(ctx, scope, id, expectedVersion, domain.AuditSoftDelete)
}

// Restore clears the deletion mark. A live record fails with ErrInvalidState.
func (s *EntityStore[T]) Restore(ctx context.Context, scope security.Scope, id uuid.UUID, expectedVersion int64) (T, error) {
	return s.lifecycle(ctx, scope, id, expectedVersion, domain.AuditRestore)
}

func (s *EntityStore[T]) lifecycle(ctx context.Context, scope security.Scope, id uuid.UUID, expectedVersion int64, action domain.AuditAction) (T, error) {
	op := s.op("soft_delete")
	if action == domain.AuditRestore {
		op = s.op("restore")
	}
	var zero, result T

	err := s.mutate(ctx, op, scope.Tenant(), func(ctx context.Context, tx *sql.Tx) (change, error) {
		cur, err := s.loadForWrite(ctx, tx, scope, op, id)
		if err != nil {
			return change{}, err
		}
		base := cur.EntityBase()
		switch {
		case action == domain.AuditSoftDelete && base.IsDeleted():
			return change{}, s.notFound(op)
		case action == domain.AuditRestore && !base.IsDeleted():
			return change{}, domain.E(domain.KindInvalidState, op, s.schema.EntityType+" is not deleted", nil)
		}
		if err := s.checkVersion(op, base, expectedVersion); err != nil {
			return change{}, err
		}
		before, err := snapshot(cur)
		if err != nil {
			return change{}, err
		}

		prev := base.Version
		s.touch(base, scope)
		if action == domain.AuditSoftDelete {
			at := base.UpdatedAt
			base.DeletedAt = &at
		} else {
			base.DeletedAt = nil
		}

		query := fmt.Sprintf(
			"UPDATE %s SET deleted_at = ?, updated_at = ?, updated_by = ?, version = ? WHERE id = ? AND tenant_id = ? AND version = ?",
			s.schema.Table)
		if err := s.execCAS(ctx, tx, op, query,
			nullTime(base.DeletedAt), base.UpdatedAt, base.UpdatedBy, base.Version, base.ID, base.TenantID, prev); err != nil {
			return change{}, err
		}

		var after []byte
		if action == domain.AuditRestore {
			if after, err = snapshot(cur); err != nil {
				return change{}, err
			}
		}
		result = cur
		return s.change(action, base, before, after), nil
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

// ListByTenant pages through one tenant's records ordered by creation time.
// A system scope must be narrowed with OnTenant first.
func (s *EntityStore[T]) ListByTenant(ctx context.Context, scope security.Scope, filter Filter, page Page) ([]T, error) {
	op := s.op("list")
	tenant, err := s.guard.ListTenant(scope, op)
	if err != nil {
		return nil, err
	}
	limit, offset, err := normalizePage(op, page)
	if err != nil {
		return nil, err
	}

	where := []string{"tenant_id = ?"}
	args := []any{tenant}
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	keys := make([]string, 0, len(filter.Equals))
	for k := range filter.Equals {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !s.schema.filterable(k) {
			return nil, domain.E(domain.KindInvalidArgument, op, "cannot filter on "+k, nil)
		}
		where = append(where, k+" = ?")
		args = append(args, filter.Equals[k])
	}
	if !filter.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, domain.Timestamp(filter.CreatedAfter))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, domain.Timestamp(filter.CreatedBefore))
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY created_at, id LIMIT ? OFFSET ?",
		s.schema.selectList(), s.schema.Table, strings.Join(where, " AND "))

	var out []T
	err = s.x.read(ctx, s.operation(op, tenant), func(ctx context.Context, q queryer) error {
		out = out[:0]
		rows, err := q.QueryContext(ctx, s.x.q(query), args...)
		if err != nil {
			return storageErr(op, err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := s.schema.scan(rows)
			if err != nil {
				return storageErr(op, err)
			}
			out = append(out, rec)
		}
		return storageErr(op, rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// mutate runs m plus its audit record in one transaction on a leased
// connection. m may run again if the transaction could not be started.
func (s *EntityStore[T]) mutate(ctx context.Context, op string, tenant uuid.UUID, m mutation) error {
	audited := withAudit(s.schema.EntityType, s.audit, m)
	var ch change
	err := s.x.write(ctx, s.operation(op, tenant), func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if ch, err = audited(ctx, tx); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			return storageErr(op, s.beforeCommit(ctx, tx))
		}
		return nil
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindConcurrentModification {
			s.logger.Debug("optimistic conflict", slog.String("operation", op))
		}
		return err
	}
	metrics.ObserveAuditRecord(s.schema.EntityType, string(ch.action))
	return nil
}

// loadForWrite reads the row regardless of tenant, then asks the guard.
func (s *EntityStore[T]) loadForWrite(ctx context.Context, tx *sql.Tx, scope security.Scope, op string, id uuid.UUID) (T, error) {
	var zero T
	if !scope.Valid() {
		return zero, domain.E(domain.KindInvalidArgument, op, "missing scope", nil)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", s.schema.selectList(), s.schema.Table)
	rec, err := s.schema.scan(tx.QueryRowContext(ctx, s.x.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return zero, s.notFound(op)
	}
	if err != nil {
		return zero, storageErr(op, err)
	}
	rowTenant := rec.EntityBase().TenantID
	if err := s.guard.CheckRow(ctx, scope, op, s.schema.EntityType, id, rowTenant); err != nil {
		return zero, err
	}
	if err := s.ensureActive(ctx, rowTenant); err != nil {
		return zero, err
	}
	return rec, nil
}

func (s *EntityStore[T]) execCAS(ctx context.Context, tx *sql.Tx, op, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, s.x.q(query), args...)
	if err != nil {
		return storageErr(op, fmt.Errorf("failed to write %s: %w", s.schema.EntityType, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, fmt.Errorf("failed to check rows affected: %w", err))
	}
	if n == 0 {
		return domain.E(domain.KindConcurrentModification, op, s.schema.EntityType+" was modified concurrently", nil)
	}
	return nil
}

func (s *EntityStore[T]) checkVersion(op string, base *domain.Entity, expected int64) error {
	if expected != 0 && expected != base.Version {
		return domain.E(domain.KindConcurrentModification, op,
			fmt.Sprintf("expected version %d, found %d", expected, base.Version), nil)
	}
	return nil
}

// touch stamps a mutation on base. UpdatedAt never moves behind CreatedAt.
func (s *EntityStore[T]) touch(base *domain.Entity, scope security.Scope) {
	now := domain.Timestamp(s.now())
	if now.Before(base.CreatedAt) {
		now = base.CreatedAt
	}
	base.UpdatedAt = now
	base.UpdatedBy = domain.ActorRef(scope.Actor())
	base.Version++
}

func (s *EntityStore[T]) change(action domain.AuditAction, base *domain.Entity, before, after []byte) change {
	return change{
		action:   action,
		tenantID: base.TenantID,
		entityID: base.ID,
		actor:    base.UpdatedBy,
		at:       base.UpdatedAt,
		before:   before,
		after:    after,
	}
}

func (s *EntityStore[T]) ensureActive(ctx context.Context, tenant uuid.UUID) error {
	if s.tenants == nil {
		return nil
	}
	return s.tenants.EnsureActive(ctx, tenant)
}

func (s *EntityStore[T]) notFound(op string) error {
	return domain.E(domain.KindNotFound, op, s.schema.EntityType+" not found", nil)
}

func (s *EntityStore[T]) op(name string) string {
	return s.schema.EntityType + "." + name
}

func (s *EntityStore[T]) operation(op string, tenant uuid.UUID) monitor.Operation {
	return monitor.Operation{Name: op, TenantID: tenant, EntityType: s.schema.EntityType}
}

func normalizePage(op string, p Page) (limit, offset int, err error) {
	if p.Limit < 0 || p.Offset < 0 {
		return 0, 0, domain.E(domain.KindInvalidArgument, op, "page bounds must not be negative", nil)
	}
	limit = p.Limit
	if limit == 0 {
		limit = DefaultPageLimit
	}
	return min(limit, MaxPageLimit), p.Offset, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
