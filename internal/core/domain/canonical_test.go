package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(t *testing.T, category string, items []Item) []string {
	t.Helper()
	out := make([]string, 0, len(items))
	for _, item := range items {
		id, ok := ExtractCanonicalID(category, item)
		require.True(t, ok)
		out = append(out, id)
	}
	return out
}

func TestExtractCanonicalID(t *testing.T) {
	tests := []struct {
		name     string
		category string
		item     Item
		want     string
		ok       bool
	}{
		{"primary field", "worldEggs", Item{"eggId": "e1", "id": "x"}, "e1", true},
		{"fallback field", "worldEggs", Item{"uid": "u1"}, "u1", true},
		{"blank skipped", "captured", Item{"petId": "  ", "uid": "u2"}, "u2", true},
		{"json number", "captured", Item{"petId": json.Number("12345678901234567")}, "12345678901234567", true},
		{"integral float", "tools", Item{"toolId": float64(7)}, "7", true},
		{"int", "placed", Item{"placementId": 3}, "3", true},
		{"missing", "worldEggs", Item{"progress": 1}, "", false},
		{"nil item", "eggs", nil, "", false},
		{"unknown category", "stickers", Item{"id": "s1"}, "s1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractCanonicalID(tt.category, tt.item)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeCategory_UniqueByCanonicalID(t *testing.T) {
	existing := []Item{{"petId": "a", "level": 1}, {"petId": "b", "level": 1}}
	incoming := []Item{{"petId": "b", "level": 4}, {"petId": "c"}, {"petId": "c", "level": 2}}

	merged := MergeCategory("captured", existing, incoming)
	assert.Equal(t, []string{"a", "b", "c"}, ids(t, "captured", merged))
	assert.Equal(t, 4, merged[1]["level"])
	assert.Equal(t, 2, merged[2]["level"])
}

func TestMergeCategory_Idempotent(t *testing.T) {
	existing := []Item{{"petId": "a", "level": 1, "name": "Rex"}}
	incoming := []Item{{"petId": "a", "level": 2, "name": "Other", "xp": 10}, {"petId": "b"}}

	once := MergeCategory("captured", existing, incoming)
	twice := MergeCategory("captured", once, incoming)
	assert.Equal(t, once, twice)

	// Immutable fields keep the stored value; missing ones are filled.
	assert.Equal(t, "Rex", once[0]["name"])
	assert.Equal(t, 10, once[0]["xp"])
}

func TestMergeCategory_OlderCopyIgnored(t *testing.T) {
	existing := []Item{{"eggId": "e1", "progress": 80, "updatedAt": 200}}
	incoming := []Item{{"eggId": "e1", "progress": 10, "updatedAt": 100}}

	merged := MergeCategory("worldEggs", existing, incoming)
	require.Len(t, merged, 1)
	assert.Equal(t, 80, merged[0]["progress"])
}

func TestMergeCategory_DropsItemsWithoutRequiredID(t *testing.T) {
	merged := MergeCategory("worldEggs", nil, []Item{{"progress": 1}, {"eggId": "e1"}})
	assert.Equal(t, []string{"e1"}, ids(t, "worldEggs", merged))
}

func TestMergeCategory_PermissiveCategoryDedupesIdentical(t *testing.T) {
	merged := MergeCategory("tools", []Item{{"kind": "shovel"}}, []Item{{"kind": "shovel"}, {"kind": "net"}})
	assert.Len(t, merged, 2)
}

func TestMergeCategory_DoesNotModifyInputs(t *testing.T) {
	existing := []Item{{"petId": "a", "level": 1}}
	incoming := []Item{{"petId": "a", "level": 2}}
	_ = MergeCategory("captured", existing, incoming)
	assert.Equal(t, 1, existing[0]["level"])
}

func TestAddItem_MissingCanonicalID(t *testing.T) {
	p := NewProfile()
	err := p.AddItem("worldEggs", Item{})
	assert.ErrorIs(t, err, ErrMissingCanonicalID)
	assert.Empty(t, p.Inventory)
}

func TestRemoveItem(t *testing.T) {
	p := NewProfile()
	require.NoError(t, p.AddItem("captured", Item{"petId": "a"}))
	require.NoError(t, p.AddItem("captured", Item{"petId": "b"}))

	assert.Equal(t, 1, p.RemoveItem("captured", "a"))
	assert.Equal(t, 0, p.RemoveItem("captured", "a"))
	assert.Equal(t, []string{"b"}, ids(t, "captured", p.Inventory["captured"]))

	_, ok := p.FindItem("captured", "b")
	assert.True(t, ok)
}

func TestMergeFrom_KeepsUnknownStoredItems(t *testing.T) {
	local := NewProfile()
	local.Core.Balance = 10
	require.NoError(t, local.AddItem("captured", Item{"petId": "a", "level": 5}))

	stored := NewProfile()
	stored.Core.Balance = 99
	stored.PersistentID = "pid"
	stored.Core.Counters["steps"] = 3
	require.NoError(t, stored.AddItem("captured", Item{"petId": "a", "level": 1}))
	require.NoError(t, stored.AddItem("captured", Item{"petId": "z"}))

	local.MergeFrom(stored)
	assert.Equal(t, int64(10), local.Core.Balance)
	assert.Equal(t, "pid", local.PersistentID)
	assert.Equal(t, float64(3), local.Core.Counters["steps"])
	assert.Equal(t, []string{"a", "z"}, ids(t, "captured", local.Inventory["captured"]))
	assert.Equal(t, 5, local.Inventory["captured"][0]["level"])
}

func TestAdopt_TakesOnlyEntriesItLacks(t *testing.T) {
	local := NewProfile()
	require.NoError(t, local.AddItem("captured", Item{"petId": "a", "level": 5}))
	require.NoError(t, local.AddItem("captured", Item{"petId": "c"}))
	local.Core.Counters["steps"] = 10

	written := NewProfile()
	require.NoError(t, written.AddItem("captured", Item{"petId": "a", "level": 1}))
	require.NoError(t, written.AddItem("captured", Item{"petId": "b"}))
	written.Core.Counters["steps"] = 3
	written.Core.Counters["hatched"] = 2

	extra := Difference(local, written)
	assert.Equal(t, []string{"b"}, ids(t, "captured", extra.Inventory["captured"]))
	assert.Equal(t, map[string]float64{"hatched": 2}, extra.Core.Counters)

	assert.Equal(t, 1, local.Adopt(written))
	assert.Equal(t, []string{"a", "c", "b"}, ids(t, "captured", local.Inventory["captured"]))
	a, _ := local.FindItem("captured", "a")
	assert.Equal(t, 5, a["level"])
	assert.Equal(t, 10.0, local.Core.Counters["steps"])
	assert.Equal(t, 2.0, local.Core.Counters["hatched"])

	// Adopting the same copy again changes nothing.
	assert.Equal(t, 0, local.Adopt(written))
}
