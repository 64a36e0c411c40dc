package casesync

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/theplant/appkit/logtracing"
)

// tableSchema is the known column set of one target table, loaded at run
// start and grown in place as drift is discovered. failed holds columns
// whose ALTER was rejected; their values are dropped for the rest of the
// run rather than retried per record.
type tableSchema struct {
	table   string
	columns map[string]bool
	failed  map[string]bool
}

func loadSchema(ctx context.Context, store Store, table string) (*tableSchema, error) {
	columns, err := store.Columns(ctx, table)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load columns of %s", table)
	}
	return &tableSchema{
		table:   table,
		columns: lo.SliceToMap(columns, func(c string) (string, bool) { return c, true }),
		failed:  make(map[string]bool),
	}, nil
}

func (s *tableSchema) has(column string) bool {
	return s.columns[column]
}

// usable reports whether values for column may be written this run.
func (s *tableSchema) usable(column string) bool {
	return s.columns[column] && !s.failed[column]
}

// reconcileSchema compares one representative raw record against the known
// columns and issues additive DDL for anything new, in deterministic
// order. Called once per window with its first record. An individual ALTER
// failure parks the column and the run keeps going; nothing here is fatal.
func (e *Engine) reconcileSchema(ctx context.Context, schema *tableSchema, raw RawRecord) (added []string, schemaErrs int64) {
	ctx, span := logtracing.StartSpan(ctx, "casesync.reconcileSchema")
	spanKVs := make(map[string]any)
	defer func() {
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, nil)
	}()

	keys := lo.Keys(raw)
	sort.Strings(keys)

	for _, key := range keys {
		column := e.Resource.columnFor(key)
		if column == "" || schema.columns[column] || schema.failed[column] {
			continue
		}

		sqlType := e.Resource.sqlTypeFor(column)
		if err := e.Store.AddColumn(ctx, schema.table, column, sqlType, "upstream payload field "+key); err != nil {
			schema.failed[column] = true
			schemaErrs++
			spanKVs["schema_error_"+column] = err.Error()
			e.notify(errors.Wrapf(err, "failed to add column %s to %s, dropping the field for this run", column, schema.table), map[string]any{
				"table":  schema.table,
				"column": column,
				"reason": string(ReasonSchemaEvolution),
			})
			continue
		}

		schema.columns[column] = true
		added = append(added, column)
		e.Events.ColumnAdded(ctx, schema.table, column, sqlType)
	}

	if len(added) > 0 {
		spanKVs["columns_added"] = added
	}
	return added, schemaErrs
}
