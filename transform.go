package casesync

import (
	"time"

	"github.com/pkg/errors"
)

// transform maps one raw payload into canonical form for the resource,
// pulling out the natural key and reference values. Only the natural key
// is load-bearing: a record without it is rejected, everything else that
// is missing or unparseable passes through as null or string. Declared
// fields are always present in the result (absent payload keys become
// nulls) so the merge rule sees the upstream's full claim. Undeclared keys
// flow through only when schema holds their drift column; a nil schema
// drops them, which is what the resolver wants for repaired parents.
func transform(r *Resource, raw RawRecord, schema *tableSchema, loc *time.Location) (Record, error) {
	key := keyString(raw[r.Key.source()])
	if key == "" {
		return Record{}, Failure(ReasonMissingNaturalKey, "", errors.Errorf("record has no %s", r.Key.source()))
	}

	rec := Record{
		Key:    key,
		Fields: make(map[string]any, len(raw)+1),
		Refs:   make(map[string]string, len(r.Refs)),
	}
	rec.Fields[r.Key.Column] = key

	for _, f := range r.Fields {
		rec.Fields[f.Column] = convertValue(raw[f.source()], f.Kind, loc)
	}

	for _, ref := range r.Refs {
		v := keyString(rec.Fields[ref.Column])
		if v == "" {
			if ref.Required {
				return Record{}, Failure(ReasonValidation, key, errors.Errorf("record %s has no %s", key, ref.Column))
			}
			// Empty reference values are stored as real nulls.
			rec.Fields[ref.Column] = nil
			continue
		}
		rec.Refs[ref.Column] = v
	}

	if schema != nil {
		declared := r.declaredSources()
		for rawKey, v := range raw {
			if declared[rawKey] {
				continue
			}
			column := r.columnFor(rawKey)
			if column == "" || !schema.usable(column) {
				continue
			}
			rec.Fields[column] = convertValue(v, r.kindFor(column), loc)
		}
	}

	return rec, nil
}
