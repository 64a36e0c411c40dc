// Package pgstore implements casesync.Store on PostgreSQL through GORM.
// Table names are allow-listed at construction and every runtime
// identifier is validated before it reaches a statement; the engine's
// additive DDL is recorded in an auditable change log table.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/qor5/x/v3/hook"
	"github.com/qor5/x/v3/jsonx"
	"github.com/samber/lo"
	"github.com/theplant/appkit/logtracing"
	"github.com/theplant/casesync"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultChangeLogTable is where schema changes are audited.
var DefaultChangeLogTable = "schema_change_log"

// SchemaChange is one audited DDL action. Rows are append-only: the table
// is the reviewable record of what the engine did to the schema.
type SchemaChange struct {
	ID         uint   `gorm:"primaryKey"`
	TableName  string `gorm:"size:63;index"`
	ColumnName string `gorm:"size:63"`
	SQLType    string `gorm:"size:64"`
	Reason     string
	Detail     datatypes.JSON
	CreatedAt  time.Time
}

// AddColumnInput represents the input for adding a column to a table
type AddColumnInput struct {
	*Store
	Table   string
	Column  string
	SQLType string
	Reason  string
}

// AddColumnOutput represents the output of adding a column to a table
type AddColumnOutput struct {
	DDL string
}

// AddColumnFunc defines the function signature for adding a column
type AddColumnFunc func(ctx context.Context, input *AddColumnInput) (*AddColumnOutput, error)

// Config represents the configuration for creating a PostgreSQL store
type Config struct {
	DB *gorm.DB

	// Tables is the allow-list of target tables. Any operation naming a
	// table outside it is rejected before a statement is built.
	Tables []string

	// ChangeLogTable receives one row per schema change. Defaults to
	// DefaultChangeLogTable; created on first use.
	ChangeLogTable string
}

// Store implements casesync.Store for PostgreSQL
type Store struct {
	*Config
	addColumnHook hook.Hook[AddColumnFunc]

	ensureOnce sync.Once
	ensureErr  error
}

var _ casesync.Store = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration
func New(conf *Config) (*Store, error) {
	if conf == nil {
		return nil, errors.New("config is required")
	}

	if conf.DB == nil {
		return nil, errors.New("db is required")
	}

	if conf.DB.PrepareStmt {
		return nil, errors.New("PrepareStmt is not supported: cached statements go stale when the engine alters tables at runtime")
	}

	if len(conf.Tables) == 0 {
		return nil, errors.New("at least one allow-listed table is required")
	}
	for _, table := range conf.Tables {
		if err := validateIdentifier(table); err != nil {
			return nil, errors.Wrapf(err, "invalid table name: %s", table)
		}
	}

	if conf.ChangeLogTable == "" {
		conf.ChangeLogTable = DefaultChangeLogTable
	}
	if err := validateIdentifier(conf.ChangeLogTable); err != nil {
		return nil, errors.Wrapf(err, "invalid change log table name: %s", conf.ChangeLogTable)
	}

	return &Store{Config: conf}, nil
}

// WithAddColumnHook adds a hook around the ALTER TABLE statement.
func (s *Store) WithAddColumnHook(hooks ...hook.Hook[AddColumnFunc]) *Store {
	s.addColumnHook = hook.Prepend(s.addColumnHook, hooks...)
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get database handle")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "failed to ping database")
}

func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	if err := s.allow(table); err != nil {
		return nil, err
	}

	var columns []string
	err := s.DB.WithContext(ctx).
		Raw(`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position`, table).
		Scan(&columns).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect %s", table)
	}
	if len(columns) == 0 {
		return nil, errors.Errorf("table %s has no columns, create it before syncing", table)
	}
	return columns, nil
}

func addColumn(ctx context.Context, input *AddColumnInput) (*AddColumnOutput, error) {
	ddl := fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN IF NOT EXISTS "%s" %s`, input.Table, input.Column, input.SQLType)
	if err := input.DB.WithContext(ctx).Exec(ddl).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to alter %s", input.Table)
	}
	return &AddColumnOutput{DDL: ddl}, nil
}

func (s *Store) AddColumn(ctx context.Context, table, column, sqlType, reason string) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "pgstore.AddColumn")
	spanKVs := map[string]any{
		"table":    table,
		"column":   column,
		"sql_type": sqlType,
	}
	defer func() {
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := s.allow(table); err != nil {
		return err
	}
	if err := validateIdentifier(column); err != nil {
		return errors.Wrapf(err, "invalid column name: %s", column)
	}
	if err := validateSQLType(sqlType); err != nil {
		return err
	}
	if err := s.ensureChangeLog(ctx); err != nil {
		return err
	}

	addColumnFunc := addColumn
	if s.addColumnHook != nil {
		addColumnFunc = s.addColumnHook(addColumnFunc)
	}

	output, err := addColumnFunc(ctx, &AddColumnInput{
		Store:   s,
		Table:   table,
		Column:  column,
		SQLType: sqlType,
		Reason:  reason,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to add column %s to %s", column, table)
	}

	change := &SchemaChange{
		TableName:  table,
		ColumnName: column,
		SQLType:    sqlType,
		Reason:     reason,
		Detail:     datatypes.JSON(jsonx.MustMarshalX[string](map[string]any{"ddl": output.DDL})),
	}
	if err := s.DB.WithContext(ctx).Table(s.ChangeLogTable).Create(change).Error; err != nil {
		return errors.Wrapf(err, "failed to record schema change for %s.%s", table, column)
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, table, keyColumn, key string) (casesync.Row, bool, error) {
	if err := s.allowColumn(table, keyColumn); err != nil {
		return nil, false, err
	}

	// gorm only recognizes the plain map type as a scan destination.
	row := map[string]any{}
	err := s.DB.WithContext(ctx).
		Table(table).
		Where(quoted(keyColumn)+" = ?", key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to look up %s", table)
	}
	return casesync.Row(row), true, nil
}

func (s *Store) Exists(ctx context.Context, table, keyColumn, key string) (bool, error) {
	if err := s.allowColumn(table, keyColumn); err != nil {
		return false, err
	}

	var n int64
	err := s.DB.WithContext(ctx).
		Table(table).
		Where(quoted(keyColumn)+" = ?", key).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %s", table)
	}
	return n > 0, nil
}

func (s *Store) Insert(ctx context.Context, table string, row casesync.Row) error {
	if err := s.allow(table); err != nil {
		return err
	}

	err := s.DB.WithContext(ctx).Table(table).Create(map[string]any(row)).Error
	return wrapWriteErr(err, table)
}

func (s *Store) InsertIgnore(ctx context.Context, table, keyColumn string, row casesync.Row) error {
	if err := s.allowColumn(table, keyColumn); err != nil {
		return err
	}

	err := s.DB.WithContext(ctx).
		Table(table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(map[string]any(row)).Error
	return wrapWriteErr(err, table)
}

func (s *Store) Update(ctx context.Context, table, keyColumn, key string, changes casesync.Row) error {
	if err := s.allowColumn(table, keyColumn); err != nil {
		return err
	}

	res := s.DB.WithContext(ctx).
		Table(table).
		Where(quoted(keyColumn)+" = ?", key).
		Updates(map[string]any(changes))
	if res.Error != nil {
		return wrapWriteErr(res.Error, table)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("no row in %s with %s = %q", table, keyColumn, key)
	}
	return nil
}

func (s *Store) LastTimestamp(ctx context.Context, table string, columns []string) (time.Time, bool, error) {
	if err := s.allow(table); err != nil {
		return time.Time{}, false, err
	}
	for _, c := range columns {
		if err := validateIdentifier(c); err != nil {
			return time.Time{}, false, errors.Wrapf(err, "invalid column name: %s", c)
		}
	}
	if len(columns) == 0 {
		return time.Time{}, false, nil
	}

	maxes := lo.Map(columns, func(c string, _ int) string { return "MAX(" + quoted(c) + ")" })
	query := fmt.Sprintf(`SELECT GREATEST(%s) FROM "%s"`, strings.Join(maxes, ", "), table)

	var last sql.NullTime
	if err := s.DB.WithContext(ctx).Raw(query).Scan(&last).Error; err != nil {
		return time.Time{}, false, errors.Wrapf(err, "failed to read last timestamp of %s", table)
	}
	return last.Time, last.Valid, nil
}

func (s *Store) ensureChangeLog(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		s.ensureErr = s.DB.WithContext(ctx).Table(s.ChangeLogTable).AutoMigrate(&SchemaChange{})
	})
	return errors.Wrapf(s.ensureErr, "failed to ensure change log table %s", s.ChangeLogTable)
}

func (s *Store) allow(table string) error {
	if !lo.Contains(s.Tables, table) {
		return errors.Errorf("table %s is not allow-listed", table)
	}
	return nil
}

func (s *Store) allowColumn(table, column string) error {
	if err := s.allow(table); err != nil {
		return err
	}
	if err := validateIdentifier(column); err != nil {
		return errors.Wrapf(err, "invalid column name: %s", column)
	}
	return nil
}

// wrapWriteErr classifies write rejections. PostgreSQL class 23 covers the
// integrity constraint violations (unique, foreign key, not null, check).
func wrapWriteErr(err error, table string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return errors.Wrapf(casesync.ErrIntegrity, "%s: %v", table, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Wrapf(casesync.ErrIntegrity, "%s: %v", table, err)
	}
	return errors.Wrapf(err, "write to %s failed", table)
}

func quoted(identifier string) string {
	return `"` + identifier + `"`
}

// identifierRegex validates that an identifier starts with letter or
// underscore, and contains only letters, numbers, and underscores
var identifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier validates that a name follows PostgreSQL identifier rules
// - Must be between 1 and 63 bytes (PostgreSQL NAMEDATALEN - 1)
// - Must start with a letter or underscore
// - Can contain letters, numbers, and underscores
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return errors.New("identifier cannot be empty")
	}

	if len(name) > 63 {
		return errors.Errorf("identifier exceeds maximum length of 63 bytes: %d", len(name))
	}

	if !identifierRegex.MatchString(name) {
		return errors.Errorf("identifier contains invalid characters: %s (must start with letter or underscore, and can only contain letters, numbers, and underscores)", name)
	}

	return nil
}

// sqlTypeRegex matches the type expressions the engine emits, like
// VARCHAR(255), DOUBLE PRECISION or TIMESTAMP.
var sqlTypeRegex = regexp.MustCompile(`^[A-Za-z]+(\([0-9]+\))?( [A-Za-z]+)?$`)

func validateSQLType(sqlType string) error {
	if !sqlTypeRegex.MatchString(sqlType) {
		return errors.Errorf("unsupported column type expression: %s", sqlType)
	}
	return nil
}
