package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	_ "github.com/jackc/pgx/v4/stdlib"
)

const (
	uniqueViolationCode = "23505"
	// Raised when the id argument cannot be cast to the id column's type,
	// for example a non-uuid string against a uuid key.
	invalidTextRepresentationCode = "22P02"
)

// PoolConfig bounds the connection pool behind a PostgresStore.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres opens a pooled handle through the pgx driver and pings it.
func OpenPostgres(ctx context.Context, dsn string, cfg PoolConfig) (*sql.DB, error) {
	const op = "storage.OpenPostgres"

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return db, nil
}

// PostgresStore implements RecordStore on top of database/sql.
type PostgresStore struct {
	db             *sql.DB
	acquireTimeout time.Duration
	now            func() time.Time
}

// NewPostgresStore wraps db. Every operation waits at most acquireTimeout
// for a pooled connection; zero means wait as long as ctx allows.
func NewPostgresStore(db *sql.DB, acquireTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db:             db,
		acquireTimeout: acquireTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (p *PostgresStore) FindAll(ctx context.Context, table string) ([]Row, error) {
	const op = "storage.FindAll"

	query := fmt.Sprintf("SELECT * FROM %s", ident(table))

	return p.queryRows(ctx, op, table, query)
}

func (p *PostgresStore) FindByID(ctx context.Context, table, id string) (Row, error) {
	const op = "storage.FindByID"

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1 LIMIT 1", ident(table), ident(columnID))

	return p.queryRowByID(ctx, op, table, query, id)
}

func (p *PostgresStore) FindByFields(ctx context.Context, table string, fields Fields) (Row, error) {
	const op = "storage.FindByFields"

	where, args := whereClause(fields, 1)
	query := fmt.Sprintf("SELECT * FROM %s%s LIMIT 1", ident(table), where)

	return p.queryRow(ctx, op, table, query, args...)
}

func (p *PostgresStore) FindAllByFields(ctx context.Context, table string, fields Fields) ([]Row, error) {
	const op = "storage.FindAllByFields"

	where, args := whereClause(fields, 1)
	query := fmt.Sprintf("SELECT * FROM %s%s", ident(table), where)

	return p.queryRows(ctx, op, table, query, args...)
}

func (p *PostgresStore) Create(ctx context.Context, table string, fields Row) (Row, error) {
	const op = "storage.Create"

	row := prepareCreate(fields, p.now())
	columns := sortedKeys(row)

	names := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, column := range columns {
		names[i] = ident(column)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[column]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		ident(table), strings.Join(names, ", "), strings.Join(placeholders, ", "))

	created, err := p.queryRow(ctx, op, table, query, args...)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, storeError(op, table, errors.New("insert returned no row"))
	}

	return created, nil
}

func (p *PostgresStore) Update(ctx context.Context, table, id string, fields Row) (Row, error) {
	const op = "storage.Update"

	row := prepareUpdate(fields, p.now())
	columns := sortedKeys(row)

	assignments := make([]string, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, column := range columns {
		assignments[i] = fmt.Sprintf("%s = $%d", ident(column), i+1)
		args = append(args, row[column])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		ident(table), strings.Join(assignments, ", "), ident(columnID), len(args))

	return p.queryRow(ctx, op, table, query, args...)
}

func (p *PostgresStore) Delete(ctx context.Context, table, id string) (Row, error) {
	const op = "storage.Delete"

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 RETURNING *", ident(table), ident(columnID))

	return p.queryRowByID(ctx, op, table, query, id)
}

func (p *PostgresStore) Count(ctx context.Context, table string, fields Fields) (int64, error) {
	const op = "storage.Count"

	where, args := whereClause(fields, 1)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", ident(table), where)

	conn, err := p.acquire(ctx)
	if err != nil {
		return 0, storeError(op, table, err)
	}
	defer conn.Close()

	var count int64
	if err := conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, classify(op, table, err)
	}

	return count, nil
}

func (p *PostgresStore) queryRow(ctx context.Context, op, table, query string, args ...any) (Row, error) {
	rows, err := p.queryRows(ctx, op, table, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return rows[0], nil
}

// queryRowByID runs a query whose only argument is id. An id that is not a
// valid value for the id column matches no row.
func (p *PostgresStore) queryRowByID(ctx context.Context, op, table, query, id string) (Row, error) {
	row, err := p.queryRow(ctx, op, table, query, id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentationCode {
		return nil, nil
	}

	return row, err
}

func (p *PostgresStore) queryRows(ctx context.Context, op, table, query string, args ...any) ([]Row, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, storeError(op, table, err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, table, err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, classify(op, table, err)
	}

	return result, nil
}

func (p *PostgresStore) acquire(ctx context.Context) (*sql.Conn, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	return conn, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		for i, column := range columns {
			row[column] = normalize(values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	default:
		return v
	}
}

func classify(op, table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return &StoreError{
			Op:         op,
			Table:      table,
			Constraint: pgErr.ConstraintName,
			Err:        fmt.Errorf("%w: %w", ErrUniqueViolation, err),
		}
	}

	return storeError(op, table, err)
}

// whereClause renders the conjunction of fields starting at placeholder
// $start. Nil values match NULL columns.
func whereClause(fields Fields, start int) (string, []any) {
	if len(fields) == 0 {
		return "", nil
	}

	columns := make([]string, 0, len(fields))
	for column := range fields {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	conditions := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for _, column := range columns {
		value := fields[column]
		if value == nil {
			conditions = append(conditions, fmt.Sprintf("%s IS NULL", ident(column)))
			continue
		}
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", ident(column), start+len(args)-1))
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func prepareCreate(fields Row, now time.Time) Row {
	row := make(Row, len(fields)+3)
	for k, v := range fields {
		row[k] = v
	}

	if id, ok := row[columnID]; !ok || id == nil || id == "" {
		row[columnID] = uuid.NewString()
	}
	if _, ok := row[columnCreatedAt]; !ok {
		row[columnCreatedAt] = now
	}
	if _, ok := row[columnUpdatedAt]; !ok {
		row[columnUpdatedAt] = now
	}

	return row
}

func prepareUpdate(fields Row, now time.Time) Row {
	row := make(Row, len(fields)+1)
	for k, v := range fields {
		if k == columnID {
			continue
		}
		row[k] = v
	}
	row[columnUpdatedAt] = now

	return row
}

func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
