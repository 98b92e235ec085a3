package batchfill

import (
	"testing"

	"github.com/pavelanni/examforge/internal/model"
)

func TestMergeIdempotent(t *testing.T) {
	acc := NewAccumulator(itemKey)
	a := item{N: 1, OK: true, Value: "first"}
	b := item{N: 1, OK: true, Value: "second"}

	acc = acc.Merge([]item{a}).Merge([]item{a})
	if acc.Len() != 1 {
		t.Fatalf("Len() = %d after merging the same item twice, want 1", acc.Len())
	}

	acc = acc.Merge([]item{b})
	got, _ := acc.Get(model.Key(1, "", ""))
	if acc.Len() != 1 || got.Value != "second" {
		t.Errorf("after overwrite: len=%d value=%q, want 1 second", acc.Len(), got.Value)
	}
}

func TestMergeIsImmutable(t *testing.T) {
	base := NewAccumulator(itemKey).Merge([]item{{N: 1}})
	next := base.Merge([]item{{N: 2}, {N: 1, Value: "new"}})

	if base.Len() != 1 {
		t.Errorf("base Len() = %d, want 1", base.Len())
	}
	if v, _ := base.Get(model.Key(1, "", "")); v.Value != "" {
		t.Errorf("base item changed to %q", v.Value)
	}
	if next.Len() != 2 {
		t.Errorf("next Len() = %d, want 2", next.Len())
	}
}

func TestMergeNoDuplicateKeys(t *testing.T) {
	acc := NewAccumulator(itemKey).Merge([]item{
		{N: 3, Label: "b"}, {N: 1}, {N: 3, Label: "B"}, {N: 3, Label: "(b)"}, {N: 1},
	})
	keys := acc.Keys()
	seen := map[model.IdentityKey]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Errorf("duplicate key %v", k)
		}
		seen[k] = true
	}
	if len(keys) != 2 {
		t.Errorf("keys = %v, want [1 3b]", keys)
	}
	items := acc.Items()
	if items[0].N != 1 || items[1].N != 3 {
		t.Errorf("items not sorted by key: %+v", items)
	}
}
