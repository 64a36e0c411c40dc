// Package memstore provides an in-memory casesync.Store for tests and
// local development. Tables are created up front with a unique natural-key
// column; writes touching undeclared columns fail loudly instead of
// passing silently, so a test catches schema mistakes the real store
// would reject.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/theplant/casesync"
)

// Change is one recorded AddColumn call, the in-memory stand-in for the
// schema change log.
type Change struct {
	Table   string
	Column  string
	SQLType string
	Reason  string
}

type table struct {
	key     string
	columns []string
	colSet  map[string]bool
	rows    []casesync.Row
}

// Store keeps every table in memory. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	tables  map[string]*table
	changes []Change

	// PingErr, when set, is returned by Ping.
	PingErr error

	// AddColumnErr, when set, is returned by AddColumn.
	AddColumnErr error
}

var _ casesync.Store = (*Store)(nil)

func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// CreateTable declares a table with its natural-key column and any further
// columns. Inserts that repeat a key value are rejected the way a primary
// key would reject them.
func (s *Store) CreateTable(name, keyColumn string, columns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &table{
		key:     keyColumn,
		columns: append([]string{keyColumn}, columns...),
		colSet:  map[string]bool{keyColumn: true},
	}
	for _, c := range columns {
		t.colSet[c] = true
	}
	s.tables[name] = t
}

func (s *Store) Ping(context.Context) error {
	return s.PingErr
}

func (s *Store) Columns(_ context.Context, name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), t.columns...), nil
}

func (s *Store) AddColumn(_ context.Context, name, column, sqlType, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AddColumnErr != nil {
		return s.AddColumnErr
	}
	t, err := s.table(name)
	if err != nil {
		return err
	}
	if !t.colSet[column] {
		t.columns = append(t.columns, column)
		t.colSet[column] = true
	}
	s.changes = append(s.changes, Change{Table: name, Column: column, SQLType: sqlType, Reason: reason})
	return nil
}

func (s *Store) Lookup(_ context.Context, name, keyColumn, key string) (casesync.Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(name)
	if err != nil {
		return nil, false, err
	}
	if row := t.find(keyColumn, key); row != nil {
		return copyRow(row), true, nil
	}
	return nil, false, nil
}

func (s *Store) Exists(ctx context.Context, name, keyColumn, key string) (bool, error) {
	_, found, err := s.Lookup(ctx, name, keyColumn, key)
	return found, err
}

func (s *Store) Insert(_ context.Context, name string, row casesync.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(name)
	if err != nil {
		return err
	}
	if err := t.checkColumns(name, row); err != nil {
		return err
	}
	if key, ok := row[t.key].(string); ok && t.find(t.key, key) != nil {
		return errors.Wrapf(casesync.ErrIntegrity, "duplicate %s %q in %s", t.key, key, name)
	}
	t.rows = append(t.rows, copyRow(row))
	return nil
}

func (s *Store) InsertIgnore(_ context.Context, name, keyColumn string, row casesync.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(name)
	if err != nil {
		return err
	}
	if err := t.checkColumns(name, row); err != nil {
		return err
	}
	if key, ok := row[keyColumn].(string); ok && t.find(keyColumn, key) != nil {
		return nil
	}
	t.rows = append(t.rows, copyRow(row))
	return nil
}

func (s *Store) Update(_ context.Context, name, keyColumn, key string, changes casesync.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(name)
	if err != nil {
		return err
	}
	if err := t.checkColumns(name, changes); err != nil {
		return err
	}
	row := t.find(keyColumn, key)
	if row == nil {
		return errors.Errorf("no row in %s with %s = %q", name, keyColumn, key)
	}
	for c, v := range changes {
		row[c] = v
	}
	return nil
}

func (s *Store) LastTimestamp(_ context.Context, name string, columns []string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(name)
	if err != nil {
		return time.Time{}, false, err
	}

	var last time.Time
	var found bool
	for _, row := range t.rows {
		for _, c := range columns {
			if ts, ok := row[c].(time.Time); ok && (!found || ts.After(last)) {
				last, found = ts, true
			}
		}
	}
	return last, found, nil
}

// Rows returns a snapshot of the table's rows in insertion order.
func (s *Store) Rows(name string) []casesync.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(name)
	if err != nil {
		return nil
	}
	return lo.Map(t.rows, func(r casesync.Row, _ int) casesync.Row { return copyRow(r) })
}

// Changes returns every recorded AddColumn call in order.
func (s *Store) Changes() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.changes...)
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, errors.Errorf("table %s does not exist", name)
	}
	return t, nil
}

func (t *table) find(keyColumn, key string) casesync.Row {
	for _, row := range t.rows {
		if row[keyColumn] == key {
			return row
		}
	}
	return nil
}

func (t *table) checkColumns(name string, row casesync.Row) error {
	for c := range row {
		if !t.colSet[c] {
			return errors.Errorf("column %s of %s does not exist", c, name)
		}
	}
	return nil
}

func copyRow(row casesync.Row) casesync.Row {
	out := make(casesync.Row, len(row))
	for c, v := range row {
		out[c] = v
	}
	return out
}
