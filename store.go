package casesync

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Row is one stored row keyed by column name. Values carry driver-native
// types; nil is SQL NULL.
type Row map[string]any

// ErrIntegrity marks insert/update rejections caused by database
// constraints. Store implementations wrap the driver error with it so the
// engine can classify failures without driver knowledge.
var ErrIntegrity = errors.New("integrity constraint violated")

// Store is the narrow surface the engine needs from the target database.
// Implementations must apply each mutation in its own transaction, so a
// rejected record rolls back alone and the run keeps moving.
type Store interface {
	// Ping verifies the store is reachable. Called once per run as the
	// only fatal precondition.
	Ping(ctx context.Context) error

	// Columns returns the existing column names of table.
	Columns(ctx context.Context, table string) ([]string, error)

	// AddColumn extends table with one nullable column of the given SQL
	// type. Must be additive and idempotent; reason lands in the store's
	// schema change log.
	AddColumn(ctx context.Context, table, column, sqlType, reason string) error

	// Lookup fetches the row whose keyColumn equals key.
	Lookup(ctx context.Context, table, keyColumn, key string) (Row, bool, error)

	// Exists reports whether a row with keyColumn = key is present.
	Exists(ctx context.Context, table, keyColumn, key string) (bool, error)

	// Insert writes a new row. All provided columns are written, nulls
	// included.
	Insert(ctx context.Context, table string, row Row) error

	// InsertIgnore writes a new row unless the key already exists. Used
	// for stub parents, where losing a race to a concurrent insert is
	// fine.
	InsertIgnore(ctx context.Context, table, keyColumn string, row Row) error

	// Update overwrites exactly the given columns of the row with
	// keyColumn = key.
	Update(ctx context.Context, table, keyColumn, key string, changes Row) error

	// LastTimestamp returns the greatest non-null value across the given
	// timestamp columns, for the resume checkpoint. ok is false when the
	// table holds no timestamps.
	LastTimestamp(ctx context.Context, table string, columns []string) (time.Time, bool, error)
}
