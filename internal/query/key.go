package query

import (
	"encoding/json"
	"fmt"
)

// Key identifies a logical query. Elements should be strings, numbers or
// booleans. Two keys are equal when their JSON encodings match, so
// Key{"page", 1} and Key{"page", 1.0} name the same query.
type Key []any

// NewKey builds a Key from its parts.
func NewKey(parts ...any) Key { return Key(parts) }

// String returns the serialized form of the key.
func (k Key) String() string {
	if k == nil {
		return "[]"
	}
	b, err := json.Marshal([]any(k))
	if err != nil {
		// Non-primitive parts still get a stable, if less portable, form.
		return fmt.Sprintf("%#v", []any(k))
	}
	return string(b)
}

// HasPrefix reports whether the first len(prefix) elements of k equal prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if (Key{k[i]}).String() != (Key{prefix[i]}).String() {
			return false
		}
	}
	return true
}

// Predicate selects keys for InvalidateMatching.
type Predicate func(Key) bool

// MatchPrefix returns a Predicate matching every key that starts with prefix.
// An empty prefix matches all keys.
func MatchPrefix(prefix Key) Predicate {
	return func(k Key) bool { return k.HasPrefix(prefix) }
}

// MatchKey returns a Predicate matching exactly key.
func MatchKey(key Key) Predicate {
	s := key.String()
	return func(k Key) bool { return k.String() == s }
}
