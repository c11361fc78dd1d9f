package store

import (
	"encoding/json"
	"time"
)

// Typed accessors with defaults. Documents cross a JSON boundary in both
// implementations, so numbers may arrive as float64 or json.Number and
// timestamps as RFC 3339 strings; these helpers absorb that instead of
// letting every caller re-derive it.

// String returns a string field, or "" when absent or of another type.
func (d Doc) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Float64 returns a numeric field as float64, or the fallback.
func (d Doc) Float64(field string, fallback float64) float64 {
	switch v := d[field].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

// Int returns a numeric field as int, or the fallback.
func (d Doc) Int(field string, fallback int) int {
	switch v := d[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

// Strings returns an array field as a string slice, empty when absent.
func (d Doc) Strings(field string) []string {
	return toStrings(d[field])
}

// Time returns a timestamp field. Timestamps are persisted as RFC 3339
// strings; a zero time is returned when the field is absent or malformed.
func (d Doc) Time(field string) time.Time {
	switch v := d[field].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Has reports whether a field is present at all.
func (d Doc) Has(field string) bool {
	_, ok := d[field]
	return ok
}

// StringMap returns a map field whose values are string arrays, such as the
// poll responses mapping. Absent or malformed fields decode to an empty map.
func (d Doc) StringMap(field string) map[string][]string {
	out := make(map[string][]string)
	raw, ok := d[field].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		out[k] = toStrings(v)
	}
	return out
}

// FormatTime renders a timestamp the way Time expects it back.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
