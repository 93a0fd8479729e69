package record

import (
	"slices"
	"strings"
)

// Filter selects a subset of a collection by exact field values, for
// example {"projectId": "p-1"}. A nil or empty filter selects everything.
type Filter map[string]string

// Key returns a canonical string identifying the filter. Two filters with
// the same key select the same records.
func (f Filter) Key() string {
	if len(f) == 0 {
		return ""
	}
	keys := f.Keys()
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(f[k])
	}
	return b.String()
}

// Keys returns the filter's field names in sorted order.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Matches reports whether the record carries every filtered value.
// Non-string field values are compared by their canonical form.
func (f Filter) Matches(r Record) bool {
	for k, want := range f {
		v, ok := r.Fields[k]
		if !ok {
			return false
		}
		if s, isStr := v.(string); isStr {
			if s != want {
				return false
			}
			continue
		}
		got, err := MarshalCanonical(v)
		if err != nil || string(got) != want {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (f Filter) String() string {
	if len(f) == 0 {
		return "<all>"
	}
	return f.Key()
}
