package storage

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// MemoryStore is an in-process RecordStore. Unique columns registered with
// WithUnique are enforced the way the Postgres schema enforces them.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]Row
	unique map[string][]string
	now    func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithUnique declares columns of table that must hold distinct values.
// Violations carry the constraint name "<table>_<column>_key".
func WithUnique(table string, columns ...string) MemoryOption {
	return func(m *MemoryStore) {
		m.unique[table] = append(m.unique[table], columns...)
	}
}

// WithMemoryClock overrides the clock used for timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tables: make(map[string][]Row),
		unique: make(map[string][]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *MemoryStore) FindAll(_ context.Context, table string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return cloneRows(m.tables[table]), nil
}

func (m *MemoryStore) FindByID(_ context.Context, table, id string) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i := m.indexOf(table, id); i >= 0 {
		return cloneRow(m.tables[table][i]), nil
	}

	return nil, nil
}

func (m *MemoryStore) FindByFields(_ context.Context, table string, fields Fields) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, row := range m.tables[table] {
		if matches(row, fields) {
			return cloneRow(row), nil
		}
	}

	return nil, nil
}

func (m *MemoryStore) FindAllByFields(_ context.Context, table string, fields Fields) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Row
	for _, row := range m.tables[table] {
		if matches(row, fields) {
			result = append(result, cloneRow(row))
		}
	}

	return result, nil
}

func (m *MemoryStore) Create(_ context.Context, table string, fields Row) (Row, error) {
	const op = "storage.Create"

	m.mu.Lock()
	defer m.mu.Unlock()

	row := prepareCreate(fields, m.now())
	id := fmt.Sprint(row[columnID])
	row[columnID] = id

	if m.indexOf(table, id) >= 0 {
		return nil, &StoreError{
			Op:         op,
			Table:      table,
			Constraint: table + "_pkey",
			Err:        ErrUniqueViolation,
		}
	}
	if err := m.checkUnique(op, table, row, ""); err != nil {
		return nil, err
	}

	m.tables[table] = append(m.tables[table], row)

	return cloneRow(row), nil
}

func (m *MemoryStore) Update(_ context.Context, table, id string, fields Row) (Row, error) {
	const op = "storage.Update"

	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(table, id)
	if i < 0 {
		return nil, nil
	}

	merged := cloneRow(m.tables[table][i])
	for k, v := range prepareUpdate(fields, m.now()) {
		merged[k] = v
	}

	if err := m.checkUnique(op, table, merged, id); err != nil {
		return nil, err
	}

	m.tables[table][i] = merged

	return cloneRow(merged), nil
}

func (m *MemoryStore) Delete(_ context.Context, table, id string) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(table, id)
	if i < 0 {
		return nil, nil
	}

	rows := m.tables[table]
	deleted := rows[i]
	m.tables[table] = append(rows[:i:i], rows[i+1:]...)

	return cloneRow(deleted), nil
}

func (m *MemoryStore) Count(_ context.Context, table string, fields Fields) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, row := range m.tables[table] {
		if matches(row, fields) {
			n++
		}
	}

	return n, nil
}

func (m *MemoryStore) indexOf(table, id string) int {
	for i, row := range m.tables[table] {
		if row[columnID] == id {
			return i
		}
	}

	return -1
}

func (m *MemoryStore) checkUnique(op, table string, candidate Row, skipID string) error {
	for _, column := range m.unique[table] {
		value, ok := candidate[column]
		if !ok || value == nil {
			continue
		}
		for _, row := range m.tables[table] {
			if skipID != "" && row[columnID] == skipID {
				continue
			}
			if reflect.DeepEqual(row[column], value) {
				return &StoreError{
					Op:         op,
					Table:      table,
					Constraint: fmt.Sprintf("%s_%s_key", table, column),
					Err:        fmt.Errorf("%w: duplicate %s", ErrUniqueViolation, column),
				}
			}
		}
	}

	return nil
}

func matches(row Row, fields Fields) bool {
	for column, want := range fields {
		got, ok := row[column]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}

	return true
}

func cloneRow(row Row) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}

	return out
}

func cloneRows(rows []Row) []Row {
	if len(rows) == 0 {
		return nil
	}
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = cloneRow(row)
	}

	return out
}
