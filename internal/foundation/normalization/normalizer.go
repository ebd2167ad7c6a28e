// Package normalization maps loosely typed user input, such as configuration
// values and command-line flags, onto typed enumerations.
package normalization

import (
	"fmt"
	"slices"
	"strings"
)

// Normalizer converts strings to values of T after trimming and lowercasing.
type Normalizer[T comparable] struct {
	values   map[string]T
	fallback T
	keys     []string
}

// NewNormalizer creates a normalizer from spelling->value pairs. Several
// spellings may map to the same value. fallback is returned by Normalize for
// unknown input.
func NewNormalizer[T comparable](values map[string]T, fallback T) *Normalizer[T] {
	n := &Normalizer[T]{
		values:   make(map[string]T, len(values)),
		fallback: fallback,
		keys:     make([]string, 0, len(values)),
	}
	for k, v := range values {
		key := clean(k)
		if _, dup := n.values[key]; !dup {
			n.keys = append(n.keys, key)
		}
		n.values[key] = v
	}
	slices.Sort(n.keys)
	return n
}

// Normalize returns the value for raw, or the fallback.
func (n *Normalizer[T]) Normalize(raw string) T {
	if v, ok := n.values[clean(raw)]; ok {
		return v
	}
	return n.fallback
}

// NormalizeWithError returns the value for raw, or an error listing the
// accepted spellings.
func (n *Normalizer[T]) NormalizeWithError(raw string) (T, error) {
	if v, ok := n.values[clean(raw)]; ok {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("invalid value %q, valid options: %s", raw, strings.Join(n.keys, ", "))
}

// Known reports whether raw names a value.
func (n *Normalizer[T]) Known(raw string) bool {
	_, ok := n.values[clean(raw)]
	return ok
}

// ValidKeys returns the accepted spellings in sorted order.
func (n *Normalizer[T]) ValidKeys() []string {
	return slices.Clone(n.keys)
}

func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
