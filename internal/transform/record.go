package transform

import (
	"strconv"
	"strings"
	"time"
)

// Record is one flattened order-item row. Nested API objects are
// flattened into dotted keys ("OrderTotal.Amount"), matching the column
// names of the downstream tables.
type Record map[string]any

// Str returns the value as a string, or "" when absent or not a string.
func (r Record) Str(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	}
	return ""
}

// F64 coerces the value to a float64: numbers pass through, numeric
// strings are parsed, everything else (including parse errors) becomes 0.
func (r Record) F64(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// Time returns the value when it is a time.Time.
func (r Record) Time(key string) (time.Time, bool) {
	t, ok := r[key].(time.Time)
	return t, ok
}

// Clone copies the record one level deep.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// flattenInto expands nested objects into dotted keys on rec. Arrays and
// scalars are stored as-is.
func flattenInto(rec Record, prefix string, value any) {
	nested, ok := value.(map[string]any)
	if !ok {
		rec[prefix] = value
		return
	}
	for k, v := range nested {
		flattenInto(rec, prefix+"."+k, v)
	}
}

// flatten turns one raw API object into a flat record.
func flatten(raw map[string]any) Record {
	rec := make(Record, len(raw))
	for k, v := range raw {
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range nested {
				flattenInto(rec, k+"."+nk, nv)
			}
			continue
		}
		rec[k] = v
	}
	return rec
}
