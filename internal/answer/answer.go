package answer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Set maps a questionnaire field key to its value.
//
// Values are JSON shaped: string, bool, numbers (int, int64, float64,
// json.Number), []any, map[string]any. time.Time is accepted on input and
// encodes as an RFC 3339 string.
type Set map[string]any

// New returns an empty, non-nil Set.
func New() Set {
	return Set{}
}

// Clone returns a shallow copy of the set. A nil set clones to an empty set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	maps.Copy(out, s)
	return out
}

// With returns a copy of the set with key set to value.
// The receiver is left untouched.
func (s Set) With(key string, value any) Set {
	out := s.Clone()
	out[key] = value
	return out
}

// Get returns the value for key. A key holding an explicit nil is reported
// as absent, so predicates never have to distinguish the two.
func (s Set) Get(key string) (any, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Has reports whether key holds a non-nil value.
func (s Set) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// IsEmpty reports whether no field holds a value.
func (s Set) IsEmpty() bool {
	for _, v := range s {
		if v != nil {
			return false
		}
	}
	return true
}

// Keys returns the field keys in canonical order.
func (s Set) Keys() []string {
	keys := slices.Collect(maps.Keys(s))
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// MarshalJSON encodes the set in canonical form.
func (s Set) MarshalJSON() ([]byte, error) {
	return Canonical(s)
}

// Decode parses a JSON object into a Set. Numbers are kept as json.Number
// so integers survive without float rounding. An empty input or a JSON null
// decodes to an empty set.
func Decode(data []byte) (Set, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return New(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	if raw == nil {
		return New(), nil
	}
	return Set(raw), nil
}

// Equal reports whether two values have the same canonical encoding.
// Values that cannot be encoded are never equal to anything.
func Equal(a, b any) bool {
	ca, err := canonicalValue(a)
	if err != nil {
		return false
	}
	cb, err := canonicalValue(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// SameContent reports whether two sets encode to identical canonical JSON.
func SameContent(a, b Set) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
