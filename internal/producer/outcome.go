package producer

import (
	"sort"

	"git.home.luguber.info/inful/emojibuilder/internal/item"
)

// Outcome is the result of preparing one item: either Value or Err.
type Outcome[T any] struct {
	Item  item.Item
	Value T
	Err   error

	// Reused marks a value synthesized by Reuse instead of Prepare.
	Reused bool
	// Derived marks an item returned alongside another item's preparation.
	Derived bool
	// Invalidated marks an outcome whose preparation was reversed by Undo.
	Invalidated bool
}

// Succeeded returns a successful outcome for it.
func Succeeded[T any](it item.Item, value T) Outcome[T] {
	return Outcome[T]{Item: it, Value: value}
}

// Failed returns a failed outcome for it.
func Failed[T any](it item.Item, err error) Outcome[T] {
	return Outcome[T]{Item: it, Err: err}
}

// OK reports whether preparation succeeded.
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// Cacheable reports whether the driver may record the item as fresh.
func (o Outcome[T]) Cacheable() bool {
	return o.Err == nil && !o.Invalidated && !o.Derived
}

// Invalidate returns o marked as invalidated.
func Invalidate[T any](o Outcome[T]) Outcome[T] {
	o.Invalidated = true
	return o
}

// OutcomeMap holds one outcome per item identity.
type OutcomeMap[T any] map[item.Key]Outcome[T]

// Put stores o under its item's key and reports whether it replaced an
// existing outcome.
func (m OutcomeMap[T]) Put(o Outcome[T]) bool {
	_, exists := m[o.Item.Key()]
	m[o.Item.Key()] = o
	return exists
}

// Keys returns every key in sorted order.
func (m OutcomeMap[T]) Keys() []item.Key {
	keys := make([]item.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Succeeded returns the keys of successful outcomes in sorted order.
func (m OutcomeMap[T]) Succeeded() []item.Key {
	return m.filter(func(o Outcome[T]) bool { return o.OK() })
}

// Failed returns the keys of failed outcomes in sorted order.
func (m OutcomeMap[T]) Failed() []item.Key {
	return m.filter(func(o Outcome[T]) bool { return !o.OK() })
}

// Sorted returns the outcomes ordered by key.
func (m OutcomeMap[T]) Sorted() []Outcome[T] {
	keys := m.Keys()
	out := make([]Outcome[T], len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

// Clone returns a shallow copy.
func (m OutcomeMap[T]) Clone() OutcomeMap[T] {
	out := make(OutcomeMap[T], len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m OutcomeMap[T]) filter(keep func(Outcome[T]) bool) []item.Key {
	var keys []item.Key
	for _, k := range m.Keys() {
		if keep(m[k]) {
			keys = append(keys, k)
		}
	}
	return keys
}
