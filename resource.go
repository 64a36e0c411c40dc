package casesync

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Kind declares how a field's raw value is parsed.
type Kind int

const (
	KindString Kind = iota // bounded text
	KindText               // unbounded text
	KindInt
	KindFloat
	KindTime
	KindBool
)

// Policy decides, per field, whether an incoming value replaces a stored
// one.
type Policy int

const (
	// PreferIncoming applies the four-way merge rule: an incoming null
	// never overwrites a stored value; an incoming non-null always wins.
	// A re-delivered record can only add or refresh data, never erase it.
	PreferIncoming Policy = iota

	// AlwaysOverwrite applies the incoming value verbatim, null included.
	// Reserved for the provenance timestamps so the stored copy always
	// reflects the upstream's latest claim about itself.
	AlwaysOverwrite
)

// Field maps one upstream payload key to a target column.
type Field struct {
	Column string // target column name
	Source string // upstream payload key; defaults to Column
	Kind   Kind
	Merge  Policy
}

func (f Field) source() string {
	if f.Source != "" {
		return f.Source
	}
	return f.Column
}

// RepairMode says what the resolver may do when a referenced parent row is
// absent.
type RepairMode int

const (
	// RepairNone only checks existence; a miss fails the record. For
	// reference data maintained outside the engine.
	RepairNone RepairMode = iota

	// RepairStub inserts a minimal parent row (natural key only) on a
	// miss. For parents whose details arrive through their own feed; the
	// merge rule fills the stub when that feed delivers.
	RepairStub

	// RepairFetch tries the parent's by-id endpoint, then the
	// children-by-parent fallback, before giving up. One hop only: the
	// fetched parent's own references are checked and stubbed, never
	// fetched in turn.
	RepairFetch
)

// Ref declares a foreign-key reference from a resource to a parent table.
type Ref struct {
	Column   string    // child column holding the parent's natural key
	Parent   *Resource // parent descriptor
	Required bool      // reject records where the value is absent
	Repair   RepairMode

	// ByIDPath is the endpoint returning one parent entity by id.
	// Required for RepairFetch.
	ByIDPath string

	// ChildrenPath is the fallback endpoint returning this resource's
	// records by parent id, for upstreams that expose the relationship
	// from the other direction. Optional.
	ChildrenPath string

	// InheritTimestamps fills the record's provenance timestamps from the
	// parent row when the payload omits them. Upstream dates win over
	// parent dates; parent dates win over null.
	InheritTimestamps bool
}

// Resource describes one synchronized table declaratively: where it lives,
// how to recognize a record, how each field merges, and which other tables
// it references. Adding a resource to a deployment means adding one of
// these, not code.
type Resource struct {
	Name     string
	Table    string
	Endpoint string // windowed query endpoint

	// Key is the natural key field. Its Merge policy is ignored; keys are
	// matched, never rewritten.
	Key Field

	Fields []Field
	Refs   []Ref

	// Created and Modified name the provenance timestamp columns used for
	// the resume checkpoint and AlwaysOverwrite merging. Leave empty for
	// tables without them; every run then starts at the epoch.
	Created  string
	Modified string
}

// Validate checks the descriptor is complete enough to drive a run.
func (r *Resource) Validate() error {
	if r == nil {
		return errors.New("resource is nil")
	}
	if r.Name == "" {
		return errors.New("Name is required")
	}
	if r.Table == "" {
		return errors.New("Table is required")
	}
	if r.Endpoint == "" {
		return errors.New("Endpoint is required")
	}
	if r.Key.Column == "" {
		return errors.New("Key.Column is required")
	}

	columns := append([]string{r.Key.Column}, lo.Map(r.Fields, func(f Field, _ int) string { return f.Column })...)
	if dup := lo.FindDuplicates(columns); len(dup) > 0 {
		return errors.Errorf("duplicate columns in resource %s: %s", r.Name, strings.Join(dup, ", "))
	}
	for _, f := range r.Fields {
		if f.Column == "" {
			return errors.Errorf("resource %s has a field without a Column", r.Name)
		}
	}

	for _, ref := range r.Refs {
		if ref.Column == "" {
			return errors.Errorf("resource %s has a ref without a Column", r.Name)
		}
		if ref.Parent == nil {
			return errors.Errorf("ref %s of resource %s requires a Parent", ref.Column, r.Name)
		}
		if ref.Parent.Key.Column == "" {
			return errors.Errorf("parent of ref %s of resource %s has no natural key", ref.Column, r.Name)
		}
		if ref.Repair == RepairFetch && ref.ByIDPath == "" {
			return errors.Errorf("ref %s of resource %s uses RepairFetch but has no ByIDPath", ref.Column, r.Name)
		}
		if !lo.ContainsBy(r.Fields, func(f Field) bool { return f.Column == ref.Column }) {
			return errors.Errorf("ref %s of resource %s is not declared as a field", ref.Column, r.Name)
		}
	}

	return nil
}

func (r *Resource) fieldByColumn(column string) (Field, bool) {
	if column == r.Key.Column {
		return r.Key, true
	}
	return lo.Find(r.Fields, func(f Field) bool { return f.Column == column })
}

// declaredSources returns the upstream keys the descriptor claims, so the
// transformer can tell declared fields from drift.
func (r *Resource) declaredSources() map[string]bool {
	sources := map[string]bool{r.Key.source(): true}
	for _, f := range r.Fields {
		sources[f.source()] = true
	}
	return sources
}

// columnFor maps an upstream payload key to its target column. Declared
// fields win; unknown keys fall back to snake_case, and keys that cannot
// become a safe identifier map to "".
func (r *Resource) columnFor(key string) string {
	if key == r.Key.source() {
		return r.Key.Column
	}
	for _, f := range r.Fields {
		if f.source() == key {
			return f.Column
		}
	}
	return snakeCase(key)
}

// policyFor returns the merge policy of a column. Provenance timestamps are
// always overwritten regardless of declaration; drift columns merge like
// ordinary data.
func (r *Resource) policyFor(column string) Policy {
	if column != "" && (column == r.Created || column == r.Modified) {
		return AlwaysOverwrite
	}
	if f, ok := r.fieldByColumn(column); ok {
		return f.Merge
	}
	return PreferIncoming
}

// kindFor returns the parse kind of a column. Drift columns fall back to
// the same name heuristic the schema inspector uses for their type.
func (r *Resource) kindFor(column string) Kind {
	if f, ok := r.fieldByColumn(column); ok {
		return f.Kind
	}
	if strings.Contains(strings.ToLower(column), "date") {
		return KindTime
	}
	return KindString
}

// sqlTypeFor infers the storage type for a column. Declared kinds map
// directly; bounded strings and drift columns follow the naming heuristic
// (date-like names hold timestamps, identifier-like names stay short).
func (r *Resource) sqlTypeFor(column string) string {
	if f, ok := r.fieldByColumn(column); ok {
		switch f.Kind {
		case KindTime:
			return "TIMESTAMP"
		case KindText:
			return "TEXT"
		case KindInt:
			return "BIGINT"
		case KindFloat:
			return "DOUBLE PRECISION"
		case KindBool:
			return "BOOLEAN"
		}
	}
	lower := strings.ToLower(column)
	switch {
	case strings.Contains(lower, "date"):
		return "TIMESTAMP"
	case strings.Contains(lower, "id"), strings.Contains(lower, "code"):
		return "VARCHAR(50)"
	default:
		return "VARCHAR(255)"
	}
}

// provenanceColumns returns the declared timestamp columns, in a stable
// order, skipping empty names.
func (r *Resource) provenanceColumns() []string {
	return lo.Compact([]string{r.Created, r.Modified})
}

// snakeCase converts an upstream key (UPPER_SNAKE or CamelCase) into a
// lowercase identifier. Anything that still is not a safe identifier
// becomes "".
func snakeCase(s string) string {
	var b strings.Builder
	var prevLower bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		default:
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
			prevLower = false
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		return ""
	}
	return out
}
