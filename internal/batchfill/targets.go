package batchfill

import "github.com/pavelanni/examforge/internal/model"

// DefaultBatchSize is used when a batch size of zero or less is requested.
const DefaultBatchSize = 15

// TargetSet is the ordered, duplicate-free set of identity keys a run must satisfy.
type TargetSet struct {
	keys []model.IdentityKey
}

// NewTargetSet builds a target set from keys, dropping duplicates and
// keeping first-seen order.
func NewTargetSet(keys ...model.IdentityKey) TargetSet {
	seen := make(map[model.IdentityKey]bool, len(keys))
	out := make([]model.IdentityKey, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return TargetSet{keys: out}
}

// Range returns the targets 1..n.
func Range(n int) TargetSet {
	keys := make([]model.IdentityKey, 0, max(n, 0))
	for i := 1; i <= n; i++ {
		keys = append(keys, model.IdentityKey{Number: i})
	}
	return TargetSet{keys: keys}
}

// RangeFrom returns the targets from..from+n-1.
func RangeFrom(from, n int) TargetSet {
	keys := make([]model.IdentityKey, 0, max(n, 0))
	for i := 0; i < n; i++ {
		keys = append(keys, model.IdentityKey{Number: from + i})
	}
	return TargetSet{keys: keys}
}

// Len returns the number of targets.
func (t TargetSet) Len() int { return len(t.keys) }

// Keys returns a copy of the targets in order.
func (t TargetSet) Keys() []model.IdentityKey {
	return append([]model.IdentityKey(nil), t.keys...)
}

// Remaining returns the targets not covered by any of the satisfied keys,
// in target order. It does not modify t.
func (t TargetSet) Remaining(satisfied []model.IdentityKey) []model.IdentityKey {
	var out []model.IdentityKey
	for _, target := range t.keys {
		if !coveredBy(target, satisfied) {
			out = append(out, target)
		}
	}
	return out
}

// Matches reports whether item satisfies at least one target.
func (t TargetSet) Matches(item model.IdentityKey) bool {
	for _, target := range t.keys {
		if target.Covers(item) {
			return true
		}
	}
	return false
}

func coveredBy(target model.IdentityKey, satisfied []model.IdentityKey) bool {
	for _, k := range satisfied {
		if target.Covers(k) {
			return true
		}
	}
	return false
}

// Partition splits keys into contiguous chunks of at most size keys,
// preserving order. No keys means no chunks.
func Partition(keys []model.IdentityKey, size int) [][]model.IdentityKey {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]model.IdentityKey
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		out = append(out, keys[start:end:end])
	}
	return out
}
