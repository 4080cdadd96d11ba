package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/observability/monitor"
)

// TenantRepository implements domain.TenantRepository on pooled connections.
// Tenants are administrative rows: they are not tenant-scoped and not audited.
type TenantRepository struct {
	x      *executor
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.TenantRepository = (*TenantRepository)(nil)

// NewTenantRepository creates a new tenant repository. deps.Guard and
// deps.Tenants are not used.
func NewTenantRepository(deps Deps) (*TenantRepository, error) {
	if deps.Pool == nil {
		return nil, fmt.Errorf("tenant repository needs a pool")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &TenantRepository{x: newExecutor(deps), logger: deps.Logger, now: deps.Clock}, nil
}

const tenantColumns = "id, name, mode, is_active, created_at, updated_at"

// Create creates a new tenant. ID and timestamps are assigned here.
func (r *TenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	if strings.TrimSpace(tenant.Name) == "" {
		return domain.E(domain.KindInvalidArgument, "tenant.create", "name is required", nil)
	}
	if tenant.Mode == "" {
		tenant.Mode = domain.ModeSingleProvider
	}
	if !tenant.Mode.Valid() {
		return domain.E(domain.KindInvalidArgument, "tenant.create", "unknown mode "+string(tenant.Mode), nil)
	}

	now := domain.Timestamp(r.now())
	tenant.ID = newID()
	tenant.CreatedAt, tenant.UpdatedAt = now, now

	query := `
		INSERT INTO tenants (id, name, mode, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	err := r.x.write(ctx, r.operation("tenant.create", tenant.ID), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.x.q(query),
			tenant.ID, tenant.Name, string(tenant.Mode), tenant.IsActive, tenant.CreatedAt, tenant.UpdatedAt)
		return err
	})
	if err != nil {
		return storageErr("tenant.create", fmt.Errorf("failed to create tenant: %w", err))
	}
	r.logger.Info("tenant created",
		slog.String("tenant_id", tenant.ID.String()),
		slog.String("mode", string(tenant.Mode)),
	)
	return nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE id = ?"
	return r.get(ctx, r.operation("tenant.get", id), query, id)
}

// GetByName retrieves a tenant by name
func (r *TenantRepository) GetByName(ctx context.Context, name string) (*domain.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE name = ?"
	return r.get(ctx, r.operation("tenant.get_by_name", uuid.Nil), query, name)
}

func (r *TenantRepository) get(ctx context.Context, op monitor.Operation, query string, arg any) (*domain.Tenant, error) {
	var t *domain.Tenant
	err := r.x.read(ctx, op, func(ctx context.Context, q queryer) error {
		var err error
		t, err = scanTenant(q.QueryRowContext(ctx, r.x.q(query), arg))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.E(domain.KindNotFound, op.Name, "tenant not found", nil)
		}
		if err != nil {
			return storageErr(op.Name, fmt.Errorf("failed to get tenant: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Update updates name, mode and activity of an existing tenant
func (r *TenantRepository) Update(ctx context.Context, tenant *domain.Tenant) error {
	if !tenant.Mode.Valid() {
		return domain.E(domain.KindInvalidArgument, "tenant.update", "unknown mode "+string(tenant.Mode), nil)
	}
	updatedAt := domain.Timestamp(r.now())
	if updatedAt.Before(tenant.CreatedAt) {
		updatedAt = tenant.CreatedAt
	}
	query := `
		UPDATE tenants
		SET name = ?, mode = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`
	err := r.x.write(ctx, r.operation("tenant.update", tenant.ID), func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.x.q(query),
			tenant.Name, string(tenant.Mode), tenant.IsActive, updatedAt, tenant.ID)
		if err != nil {
			return storageErr("tenant.update", fmt.Errorf("failed to update tenant: %w", err))
		}
		return expectOne(res, "tenant.update")
	})
	if err != nil {
		return err
	}
	tenant.UpdatedAt = updatedAt
	return nil
}

// Deactivate marks a tenant inactive. Its records stay readable.
func (r *TenantRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := "UPDATE tenants SET is_active = ?, updated_at = ? WHERE id = ?"
	err := r.x.write(ctx, r.operation("tenant.deactivate", id), func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.x.q(query), false, domain.Timestamp(r.now()), id)
		if err != nil {
			return storageErr("tenant.deactivate", fmt.Errorf("failed to deactivate tenant: %w", err))
		}
		return expectOne(res, "tenant.deactivate")
	})
	if err != nil {
		return err
	}
	r.logger.Warn("tenant deactivated", slog.String("tenant_id", id.String()))
	return nil
}

// List returns all tenants, oldest first
func (r *TenantRepository) List(ctx context.Context) ([]*domain.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants ORDER BY created_at, id"
	var out []*domain.Tenant
	err := r.x.read(ctx, r.operation("tenant.list", uuid.Nil), func(ctx context.Context, q queryer) error {
		out = out[:0]
		rows, err := q.QueryContext(ctx, query)
		if err != nil {
			return storageErr("tenant.list", fmt.Errorf("failed to list tenants: %w", err))
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTenant(rows)
			if err != nil {
				return storageErr("tenant.list", fmt.Errorf("failed to scan tenant: %w", err))
			}
			out = append(out, t)
		}
		return storageErr("tenant.list", rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *TenantRepository) operation(name string, id uuid.UUID) monitor.Operation {
	return monitor.Operation{Name: name, TenantID: id, EntityType: "tenant"}
}

func scanTenant(row interface{ Scan(...any) error }) (*domain.Tenant, error) {
	t := &domain.Tenant{}
	var mode string
	if err := row.Scan(&t.ID, &t.Name, &mode, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Mode = domain.TenantMode(mode)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func expectOne(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, fmt.Errorf("failed to check rows affected: %w", err))
	}
	if rows == 0 {
		return domain.E(domain.KindNotFound, op, "tenant not found", nil)
	}
	return nil
}
