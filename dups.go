package casesync

import "sort"

// duplicates tracks natural keys sighted within one window. Audit only: a
// repeated key is flagged and counted but still processed, so the last
// occurrence's non-null fields win under the merge rule.
type duplicates struct {
	seen map[string]int
}

func newDuplicates() *duplicates {
	return &duplicates{seen: make(map[string]int)}
}

// observe records one sighting and reports whether key was already seen in
// this window.
func (d *duplicates) observe(key string) bool {
	d.seen[key]++
	return d.seen[key] > 1
}

// count returns the number of duplicate sightings: total sightings minus
// distinct keys.
func (d *duplicates) count() int64 {
	var n int64
	for _, c := range d.seen {
		n += int64(c - 1)
	}
	return n
}

// keys returns the repeated keys in sorted order, for the window report.
func (d *duplicates) keys() []string {
	var keys []string
	for k, c := range d.seen {
		if c > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
