package answer

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the plain calendar-date representation used by local drafts.
const DateLayout = "2006-01-02"

// timestampLayouts are the rich date encodings accepted from profile sources,
// tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// NormalizeDate converts a date-shaped value to a YYYY-MM-DD string.
//
// Accepted shapes: time.Time, a string already in YYYY-MM-DD form, a
// timestamp string in one of the timestampLayouts, and an object carrying
// numeric year, month and day fields. Timestamps keep the calendar date of
// their own offset; no timezone conversion happens. The second result is
// false when v is not date-shaped.
func NormalizeDate(v any) (string, bool) {
	switch val := v.(type) {
	case time.Time:
		if val.IsZero() {
			return "", false
		}
		return val.Format(DateLayout), true
	case *time.Time:
		if val == nil || val.IsZero() {
			return "", false
		}
		return val.Format(DateLayout), true
	case string:
		if t, err := time.Parse(DateLayout, val); err == nil {
			return t.Format(DateLayout), true
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t.Format(DateLayout), true
			}
		}
		return "", false
	case map[string]any:
		year, okY := intField(val, "year")
		month, okM := intField(val, "month")
		day, okD := intField(val, "day")
		if !okY || !okM || !okD {
			return "", false
		}
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		// reject overflowed dates like 2023-02-30
		if t.Year() != year || int(t.Month()) != month || t.Day() != day {
			return "", false
		}
		return t.Format(DateLayout), true
	default:
		return "", false
	}
}

// NormalizeDates returns a copy of s with date-shaped values rewritten to
// YYYY-MM-DD. When fields is non-empty only those keys are considered;
// otherwise every top-level value that is date-shaped is rewritten.
func NormalizeDates(s Set, fields ...string) Set {
	out := s.Clone()
	if len(fields) > 0 {
		for _, k := range fields {
			if v, ok := out.Get(k); ok {
				if d, ok := NormalizeDate(v); ok {
					out[k] = d
				}
			}
		}
		return out
	}
	for k, v := range out {
		switch v.(type) {
		case time.Time, *time.Time, string, map[string]any:
		default:
			continue
		}
		if d, ok := NormalizeDate(v); ok {
			out[k] = d
		}
	}
	return out
}

func intField(m map[string]any, key string) (int, bool) {
	switch n := m[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
