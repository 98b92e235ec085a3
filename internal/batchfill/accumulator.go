package batchfill

import (
	"slices"

	"github.com/pavelanni/examforge/internal/model"
)

// KeyFunc returns the identity key of an item.
type KeyFunc[T any] func(T) model.IdentityKey

// Accumulator holds accepted items keyed by identity. It is immutable:
// Merge returns a new Accumulator and leaves the receiver untouched.
type Accumulator[T any] struct {
	key   KeyFunc[T]
	items map[model.IdentityKey]T
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator[T any](key KeyFunc[T]) Accumulator[T] {
	return Accumulator[T]{key: key, items: map[model.IdentityKey]T{}}
}

// Merge folds items in, later items replacing earlier ones with the same key.
func (a Accumulator[T]) Merge(items []T) Accumulator[T] {
	next := make(map[model.IdentityKey]T, len(a.items)+len(items))
	for k, v := range a.items {
		next[k] = v
	}
	for _, item := range items {
		next[a.key(item)] = item
	}
	return Accumulator[T]{key: a.key, items: next}
}

// Len returns the number of distinct items.
func (a Accumulator[T]) Len() int { return len(a.items) }

// Keys returns the accepted keys in sorted order.
func (a Accumulator[T]) Keys() []model.IdentityKey {
	keys := make([]model.IdentityKey, 0, len(a.items))
	for k := range a.items {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, model.IdentityKey.Compare)
	return keys
}

// Items returns the accepted items sorted by key.
func (a Accumulator[T]) Items() []T {
	keys := a.Keys()
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, a.items[k])
	}
	return out
}

// Get returns the item stored under k.
func (a Accumulator[T]) Get(k model.IdentityKey) (T, bool) {
	v, ok := a.items[k]
	return v, ok
}
