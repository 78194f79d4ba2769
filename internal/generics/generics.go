// Package generics implements the few generic slice, map and set functions used by the trainer.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// SliceMap executes fn sequentially for every element of in, and returns the mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return out
}

// SortedKeys returns an iterator over the sorted keys of m.
//
// It collects and sorts the keys first, so it's convenient but not fast.
func SortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) iter.Seq[K] {
	return slices.Values(slices.Sorted(maps.Keys(m)))
}

// SortedKeysAndValues returns an iterator over the keys and values of m, sorted by the keys.
func SortedKeysAndValues[M ~map[K]V, K cmp.Ordered, V any](m M) iter.Seq2[K, V] {
	sortedKeys := slices.Sorted(maps.Keys(m))
	return func(yield func(K, V) bool) {
		for _, key := range sortedKeys {
			if !yield(key, m[key]) {
				return
			}
		}
	}
}

// Set of keys of type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set. The optional size reserves space for the expected number of keys.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}
