package casesync

import (
	"context"

	"github.com/pkg/errors"
	"github.com/theplant/appkit/logtracing"
)

// resolve settles every declared reference of rec before the upsert runs,
// so the row never hits a foreign-key rejection. Empty reference values
// were already nulled by the transformer; only present values are checked.
// What happens on a missing parent depends on the ref's RepairMode.
func (e *Engine) resolve(ctx context.Context, r *Resource, rec Record, stats *WindowStats) error {
	for i := range r.Refs {
		ref := &r.Refs[i]
		key := rec.Refs[ref.Column]
		if key == "" {
			continue
		}

		ok, err := e.Store.Exists(ctx, ref.Parent.Table, ref.Parent.Key.Column, key)
		if err != nil {
			return Failure(ReasonTransientIO, rec.Key, errors.Wrapf(err, "failed to check %s %q", ref.Parent.Name, key))
		}
		if !ok {
			switch ref.Repair {
			case RepairStub:
				if err := e.insertStub(ctx, ref.Parent, key, stats); err != nil {
					return Failure(ReasonTransientIO, rec.Key, err)
				}
			case RepairFetch:
				if err := e.repairParent(ctx, ref, key, stats); err != nil {
					return err
				}
			default:
				return Failure(ReasonForeignKeyUnresolved, rec.Key,
					errors.Errorf("%s %q not found in %s", ref.Column, key, ref.Parent.Table))
			}
		}

		if ref.InheritTimestamps {
			if err := e.inheritTimestamps(ctx, r, ref, rec, key); err != nil {
				return Failure(ReasonTransientIO, rec.Key, err)
			}
		}
	}
	return nil
}

// repairParent materializes a missing parent row from upstream. The happy
// path fetches the entity by id, transforms it with the parent descriptor
// and upserts it. When the by-id endpoint cannot produce it but the
// children endpoint proves the key is real, a stub row goes in instead and
// the parent's own feed completes it later. Only when both deny the key is
// the child failed.
func (e *Engine) repairParent(ctx context.Context, ref *Ref, key string, stats *WindowStats) (xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "casesync.repairParent")
	spanKVs := map[string]any{
		"parent.table": ref.Parent.Table,
		"parent.key":   key,
	}
	defer func() {
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	res, err := e.Source.FetchByID(ctx, ref.ByIDPath, key)
	e.tallyFetch(stats, res, err)
	if err == nil && len(res.Records) == 0 {
		err = errors.Errorf("upstream has no %s %q", ref.Parent.Name, key)
	}
	if err != nil {
		if ref.ChildrenPath == "" {
			return Failure(ReasonForeignKeyUnresolved, key, err)
		}
		children, cerr := e.Source.FetchByID(ctx, ref.ChildrenPath, key)
		e.tallyFetch(stats, children, cerr)
		if cerr != nil || len(children.Records) == 0 {
			return Failure(ReasonForeignKeyUnresolved, key, err)
		}
		spanKVs["repair.stubbed"] = true
		if serr := e.insertStub(ctx, ref.Parent, key, stats); serr != nil {
			return Failure(ReasonTransientIO, key, serr)
		}
		return nil
	}

	parent, err := transform(ref.Parent, res.Records[0], nil, e.Location)
	if err != nil {
		return err
	}
	if err := e.resolveShallow(ctx, ref.Parent, parent, stats); err != nil {
		return err
	}
	out := e.upsertInto(ctx, ref.Parent, parent)
	if out.Op == OpFailed {
		return Failure(out.Reason, key, out.Err)
	}
	spanKVs["repair.op"] = string(out.Op)
	stats.ParentsRepaired++
	e.Events.ParentRepaired(ctx, ref.Parent.Table, key)
	return nil
}

// resolveShallow settles a repaired parent's own references without going
// back upstream: missing grandparents are stubbed when their ref allows
// any repair at all, and fail the whole repair otherwise. One fetch per
// repair, never a chain.
func (e *Engine) resolveShallow(ctx context.Context, r *Resource, rec Record, stats *WindowStats) error {
	for i := range r.Refs {
		ref := &r.Refs[i]
		key := rec.Refs[ref.Column]
		if key == "" {
			continue
		}

		ok, err := e.Store.Exists(ctx, ref.Parent.Table, ref.Parent.Key.Column, key)
		if err != nil {
			return Failure(ReasonTransientIO, rec.Key, errors.Wrapf(err, "failed to check %s %q", ref.Parent.Name, key))
		}
		if ok {
			continue
		}
		if ref.Repair == RepairNone {
			return Failure(ReasonForeignKeyUnresolved, rec.Key,
				errors.Errorf("%s %q not found in %s", ref.Column, key, ref.Parent.Table))
		}
		if err := e.insertStub(ctx, ref.Parent, key, stats); err != nil {
			return Failure(ReasonTransientIO, rec.Key, err)
		}
	}
	return nil
}

// insertStub writes a key-only placeholder row so dependent rows can land
// now. The placeholder picks up its real fields the next time the parent's
// own endpoint delivers it, through the ordinary merge rule.
func (e *Engine) insertStub(ctx context.Context, parent *Resource, key string, stats *WindowStats) error {
	row := Row{parent.Key.Column: key}
	if err := e.Store.InsertIgnore(ctx, parent.Table, parent.Key.Column, row); err != nil {
		return errors.Wrapf(err, "failed to stub %s %q", parent.Table, key)
	}
	stats.StubsCreated++
	e.Events.StubCreated(ctx, parent.Table, key)
	return nil
}

// inheritTimestamps fills the record's null provenance timestamps from the
// parent row. Values the upstream did send stay untouched, so this only
// upgrades null to the parent's date, never the other way.
func (e *Engine) inheritTimestamps(ctx context.Context, r *Resource, ref *Ref, rec Record, key string) error {
	pairs := [][2]string{{r.Created, ref.Parent.Created}, {r.Modified, ref.Parent.Modified}}

	needed := false
	for _, p := range pairs {
		if p[0] != "" && p[1] != "" && rec.Fields[p[0]] == nil {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	parentRow, found, err := e.Store.Lookup(ctx, ref.Parent.Table, ref.Parent.Key.Column, key)
	if err != nil {
		return errors.Wrapf(err, "failed to load %s %q", ref.Parent.Table, key)
	}
	if !found {
		return nil
	}

	for _, p := range pairs {
		if p[0] == "" || p[1] == "" || rec.Fields[p[0]] != nil {
			continue
		}
		if v := normalizeValue(parentRow[p[1]]); v != nil {
			rec.Fields[p[0]] = v
		}
	}
	return nil
}
