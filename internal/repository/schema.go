package repository

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
)

// baseColumns are the columns every entity table carries, in scan order.
var baseColumns = []string{
	"id", "tenant_id", "created_at", "updated_at", "deleted_at", "created_by", "updated_by", "version",
}

// Schema describes how one record type maps onto its table. Values and
// Targets must follow the order of Columns.
type Schema[T domain.Record] struct {
	Table      string
	EntityType string
	Columns    []string
	New        func() T
	Values     func(T) []any
	Targets    func(T) []any
}

func (s Schema[T]) validate() error {
	if s.Table == "" || s.EntityType == "" {
		return fmt.Errorf("schema needs a table and an entity type")
	}
	if s.New == nil || s.Values == nil || s.Targets == nil {
		return fmt.Errorf("schema %s needs New, Values and Targets", s.EntityType)
	}
	for _, c := range s.Columns {
		if slices.Contains(baseColumns, c) {
			return fmt.Errorf("schema %s redeclares base column %s", s.EntityType, c)
		}
	}
	return nil
}

func (s Schema[T]) selectList() string {
	return strings.Join(append(slices.Clone(baseColumns), s.Columns...), ", ")
}

// filterable reports whether Filter.Equals may reference column.
func (s Schema[T]) filterable(column string) bool {
	return slices.Contains(s.Columns, column) || column == "created_by" || column == "updated_by"
}

// scan reads one row into a fresh record.
func (s Schema[T]) scan(row interface{ Scan(...any) error }) (T, error) {
	rec := s.New()
	e := rec.EntityBase()
	var deletedAt sql.NullTime
	targets := []any{&e.ID, &e.TenantID, &e.CreatedAt, &e.UpdatedAt, &deletedAt, &e.CreatedBy, &e.UpdatedBy, &e.Version}
	targets = append(targets, s.Targets(rec)...)
	if err := row.Scan(targets...); err != nil {
		return rec, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.DeletedAt = nil
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		e.DeletedAt = &t
	}
	return rec, nil
}

// NullableTime scans a nullable DATE/TIMESTAMP column into a time.Time,
// leaving the zero value for NULL.
func NullableTime(dst *time.Time) sql.Scanner {
	return nullableTime{dst: dst}
}

type nullableTime struct {
	dst *time.Time
}

func (n nullableTime) Scan(src any) error {
	var nt sql.NullTime
	if err := nt.Scan(src); err != nil {
		return err
	}
	if !nt.Valid {
		*n.dst = time.Time{}
		return nil
	}
	*n.dst = nt.Time.UTC()
	return nil
}

// NullableTimeValue writes a zero time as NULL.
func NullableTimeValue(t time.Time) driver.Valuer {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
