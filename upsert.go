package casesync

import (
	"context"
)

// computeChanges applies the field-level merge rule between a stored row
// and an incoming record and returns the columns to write. Under
// PreferIncoming: stored null and incoming non-null updates; stored
// non-null and incoming null keeps the stored value, never nulling it out;
// different non-nulls update; equal values are a no-op. AlwaysOverwrite
// columns mirror the incoming value whenever it differs, null included.
// The natural key is never part of the change set.
func computeChanges(r *Resource, stored Row, incoming map[string]any) Row {
	changes := make(Row)
	for column, value := range incoming {
		if column == r.Key.Column {
			continue
		}
		existing := normalizeValue(stored[column])

		switch r.policyFor(column) {
		case AlwaysOverwrite:
			if !valueEqual(existing, value) {
				changes[column] = value
			}
		default:
			if value == nil {
				continue
			}
			if !valueEqual(existing, value) {
				changes[column] = value
			}
		}
	}
	return changes
}

// upsertInto pushes one canonical record into r's table: insert when the
// natural key is new, otherwise a single UPDATE touching only the columns
// the merge rule selected. Store rejections surface as a failed outcome
// for this record alone.
func (e *Engine) upsertInto(ctx context.Context, r *Resource, rec Record) Outcome {
	stored, found, err := e.Store.Lookup(ctx, r.Table, r.Key.Column, rec.Key)
	if err != nil {
		return Outcome{Op: OpFailed, Reason: ReasonTransientIO, Err: err}
	}

	if !found {
		if err := e.Store.Insert(ctx, r.Table, Row(rec.Fields)); err != nil {
			return Outcome{Op: OpFailed, Reason: reasonOf(err), Err: err}
		}
		return Outcome{Op: OpInserted}
	}

	changes := computeChanges(r, stored, rec.Fields)
	if len(changes) == 0 {
		return Outcome{Op: OpNoChange}
	}

	if err := e.Store.Update(ctx, r.Table, r.Key.Column, rec.Key, changes); err != nil {
		return Outcome{Op: OpFailed, Reason: reasonOf(err), Err: err}
	}
	return Outcome{Op: OpUpdated, Changed: sortedColumns(changes)}
}
