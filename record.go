package casesync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/qor5/x/v3/jsonx"
	"github.com/samber/lo"
)

// RawRecord is one upstream payload object, keys in the upstream's native
// casing. Transient: created per fetch, discarded after transformation.
type RawRecord map[string]any

// Record is the canonical form of one upstream record: typed values keyed
// by target column names, plus the natural key and foreign-key values
// pulled out so later stages can branch without re-parsing. A nil field
// value is SQL NULL.
type Record struct {
	Key    string
	Fields map[string]any
	Refs   map[string]string
}

// timeLayouts are the date shapes the upstream is known to emit, most
// specific first. An offset in the value wins over the fallback location.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses an upstream date string tolerantly. Offset-less values
// are anchored in loc.
func ParseTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// isNullString reports whether the upstream value means "no value". The
// feed uses empty strings and a couple of sentinel words interchangeably
// with real nulls.
func isNullString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "unknown":
		return true
	}
	return false
}

// convertValue turns one raw payload value into its canonical typed form.
// Parsing is tolerant: a value that does not fit the declared kind passes
// through as a string instead of failing the record.
func convertValue(v any, kind Kind, loc *time.Location) any {
	if v == nil {
		return nil
	}

	switch tv := v.(type) {
	case string:
		if isNullString(tv) {
			return nil
		}
		switch kind {
		case KindTime:
			if t, ok := ParseTime(tv, loc); ok {
				return t
			}
			return tv
		case KindInt:
			if n, err := strconv.ParseInt(strings.TrimSpace(tv), 10, 64); err == nil {
				return n
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64); err == nil {
				return f
			}
			return tv
		case KindFloat:
			if f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64); err == nil {
				return f
			}
			return tv
		case KindBool:
			if b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(tv))); err == nil {
				return b
			}
			return tv
		}
		return tv
	case float64:
		switch kind {
		case KindInt:
			if tv == float64(int64(tv)) {
				return int64(tv)
			}
		case KindString, KindText:
			return trimFloat(tv)
		}
		return tv
	case bool:
		if kind == KindString || kind == KindText {
			return strconv.FormatBool(tv)
		}
		return tv
	case time.Time:
		return tv
	case map[string]any, []any:
		// Nested payloads occasionally show up in drift fields; keep them
		// as their JSON text so nothing is silently lost.
		return jsonx.MustMarshalX[string](tv)
	}
	return v
}

// trimFloat renders a JSON number the way the upstream wrote it, without a
// trailing .0 for integral values.
func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// keyString renders a raw value as a natural-key or reference string.
// Null sentinels collapse to "".
func keyString(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		if isNullString(tv) {
			return ""
		}
		return strings.TrimSpace(tv)
	case float64:
		return trimFloat(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	}
	return fmt.Sprint(v)
}

// normalizeValue maps driver byte slices to strings so stored and incoming
// values compare on equal footing.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// coerceTime interprets a stored or incoming value as a timestamp.
func coerceTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case string:
		return ParseTime(tv, time.UTC)
	}
	return time.Time{}, false
}

// coerceFloat interprets a numeric value of any width as float64.
func coerceFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int32:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float32:
		return float64(tv), true
	case float64:
		return tv, true
	}
	return 0, false
}

// valueEqual decides whether a stored value and an incoming value represent
// the same data. Timestamps compare as instants, numerics across widths;
// everything else falls back to string rendering. The comparison drives the
// merge rule, so "equal" means "no update needed".
func valueEqual(stored, incoming any) bool {
	stored, incoming = normalizeValue(stored), normalizeValue(incoming)
	if stored == nil || incoming == nil {
		return stored == nil && incoming == nil
	}

	if st, ok := stored.(time.Time); ok {
		it, ok := coerceTime(incoming)
		return ok && st.Equal(it)
	}
	if it, ok := incoming.(time.Time); ok {
		st, ok := coerceTime(stored)
		return ok && it.Equal(st)
	}

	if si, ok1 := stored.(int64); ok1 {
		if ii, ok2 := incoming.(int64); ok2 {
			return si == ii
		}
	}
	if sf, ok1 := coerceFloat(stored); ok1 {
		if inf, ok2 := coerceFloat(incoming); ok2 {
			return sf == inf
		}
	}

	return fmt.Sprint(stored) == fmt.Sprint(incoming)
}

// sortedColumns returns m's keys in deterministic order, for stable SQL and
// stable logs.
func sortedColumns[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
