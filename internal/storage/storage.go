package storage

import (
	"context"
	"errors"
	"fmt"
)

const (
	UsersTable = "users"

	UsersUsernameKey = "users_username_key"
	UsersEmailKey    = "users_email_key"
)

const (
	columnID        = "id"
	columnCreatedAt = "created_at"
	columnUpdatedAt = "updated_at"
)

// Row is a single record: column name to scalar value.
type Row map[string]any

// Fields is a set of column=value equalities, matched conjunctively.
type Fields map[string]any

// RecordStore is the table-agnostic data access layer. A missing row is
// reported as a nil Row with a nil error; errors are always *StoreError.
type RecordStore interface {
	FindAll(ctx context.Context, table string) ([]Row, error)
	FindByID(ctx context.Context, table, id string) (Row, error)
	FindByFields(ctx context.Context, table string, fields Fields) (Row, error)
	FindAllByFields(ctx context.Context, table string, fields Fields) ([]Row, error)
	Create(ctx context.Context, table string, fields Row) (Row, error)
	Update(ctx context.Context, table, id string, fields Row) (Row, error)
	Delete(ctx context.Context, table, id string) (Row, error)
	Count(ctx context.Context, table string, fields Fields) (int64, error)
}

// StoreError is returned when storage is unreachable or rejects an operation.
// Constraint is set to the violated constraint name on unique violations.
type StoreError struct {
	Op         string
	Table      string
	Constraint string
	Err        error
}

func (e *StoreError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("%s %s: constraint %s: %v", e.Op, e.Table, e.Constraint, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ErrUniqueViolation is wrapped by StoreErrors caused by a unique constraint.
var ErrUniqueViolation = errors.New("unique constraint violated")

// IsUniqueViolation reports whether err is a unique violation and, if so,
// which constraint was hit.
func IsUniqueViolation(err error) (string, bool) {
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		return "", false
	}
	if !errors.Is(storeErr, ErrUniqueViolation) {
		return "", false
	}
	return storeErr.Constraint, true
}

func storeError(op, table string, err error) error {
	return &StoreError{Op: op, Table: table, Err: err}
}
