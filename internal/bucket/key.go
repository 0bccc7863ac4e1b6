// Package bucket defines the date partition key every derived document is
// organized around.
package bucket

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Layout is the canonical, fixed-width form of a Key.
const Layout = "2006-01-02"

// ErrInvalidKey is returned when a string is not a canonical bucket key.
var ErrInvalidKey = errors.New("invalid bucket key")

// Key identifies one calendar day (UTC). Its canonical form is fixed width,
// so lexicographic order equals chronological order.
type Key string

// Parse validates s and returns it as a Key. Only the canonical YYYY-MM-DD
// form is accepted.
func Parse(s string) (Key, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidKey, s, err)
	}
	// time.Parse accepts some non-canonical inputs; round-trip to be sure.
	if t.Format(Layout) != s {
		return "", fmt.Errorf("%w %q: not canonical", ErrInvalidKey, s)
	}
	return Key(s), nil
}

// FromTime returns the key for the UTC day containing t.
func FromTime(t time.Time) Key {
	return Key(t.UTC().Format(Layout))
}

// Time returns midnight UTC of the key's day. The zero time is returned for
// invalid keys.
func (k Key) Time() time.Time {
	t, err := time.Parse(Layout, string(k))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Valid reports whether k is in canonical form.
func (k Key) Valid() bool {
	_, err := Parse(string(k))
	return err == nil
}

func (k Key) String() string { return string(k) }

// SortKeys sorts keys chronologically in place.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

// Set is an unordered collection of keys.
type Set map[Key]struct{}

// NewSet builds a set from keys.
func NewSet(keys ...Key) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s Set) Add(k Key) { s[k] = struct{}{} }

func (s Set) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// Union returns a new set holding the members of s and every other set.
func (s Set) Union(others ...Set) Set {
	out := make(Set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	for _, o := range others {
		for k := range o {
			out[k] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members in chronological order.
func (s Set) Sorted() []Key {
	keys := make([]Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}
