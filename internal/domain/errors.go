package domain

import (
	"errors"
	"strings"
)

// Kind classifies a core failure. Callers branch on the kind, never on text.
type Kind string

const (
	KindPoolTimeout             Kind = "pool_timeout"
	KindPoolExhausted           Kind = "pool_exhausted"
	KindPoolClosed              Kind = "pool_closed"
	KindConcurrentModification  Kind = "concurrent_modification"
	KindCrossTenantAccessDenied Kind = "cross_tenant_access_denied"
	KindMigrationIntegrity      Kind = "migration_integrity"
	KindMigrationDrift          Kind = "migration_drift"
	KindIrreversibleMigration   Kind = "irreversible_migration"
	KindMigrationLocked         Kind = "migration_locked"
	KindNotFound                Kind = "not_found"
	KindInvalidArgument         Kind = "invalid_argument"
	KindInvalidState            Kind = "invalid_state"
	KindTenantInactive          Kind = "tenant_inactive"
	KindIndeterminate           Kind = "indeterminate"
	KindStorage                 Kind = "storage"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrPoolTimeout             = &Error{Kind: KindPoolTimeout}
	ErrPoolExhausted           = &Error{Kind: KindPoolExhausted}
	ErrPoolClosed              = &Error{Kind: KindPoolClosed}
	ErrConcurrentModification  = &Error{Kind: KindConcurrentModification}
	ErrCrossTenantAccessDenied = &Error{Kind: KindCrossTenantAccessDenied}
	ErrMigrationIntegrity      = &Error{Kind: KindMigrationIntegrity}
	ErrMigrationDrift          = &Error{Kind: KindMigrationDrift}
	ErrIrreversibleMigration   = &Error{Kind: KindIrreversibleMigration}
	ErrMigrationLocked         = &Error{Kind: KindMigrationLocked}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrInvalidArgument         = &Error{Kind: KindInvalidArgument}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
	ErrTenantInactive          = &Error{Kind: KindTenantInactive}
	ErrIndeterminate           = &Error{Kind: KindIndeterminate}
	ErrStorage                 = &Error{Kind: KindStorage}
)

// Error is the typed outcome returned across the core's boundary.
// Detail must never carry another tenant's identifiers or data.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

// E builds an *Error.
func E(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the caller may retry err with backoff
// (pool pressure) or after reloading (concurrent modification).
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindPoolTimeout, KindPoolExhausted, KindConcurrentModification:
		return true
	}
	return false
}
