package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeProfile_PreservesLargeIdentifiers(t *testing.T) {
	blob := []byte(`{"schemaVersion":3,"dataVersion":9,"updatedAt":1700000000000,"persistentId":"pid",
		"core":{"balance":12,"counters":{"steps":1.5}},
		"inventory":{"captured":[{"petId":9007199254740993,"level":2}]}}`)

	p, err := DecodeProfile(blob)
	require.NoError(t, err)
	assert.Equal(t, int64(9), p.DataVersion)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), p.UpdatedAt)

	id, ok := ExtractCanonicalID("captured", p.Inventory["captured"][0])
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", id)
	assert.Equal(t, json.Number("2"), p.Inventory["captured"][0]["level"])
}

func TestDecodeProfile_FillsMissingSections(t *testing.T) {
	p, err := DecodeProfile([]byte(`{"schemaVersion":1,"dataVersion":1,"core":{"balance":0}}`))
	require.NoError(t, err)
	assert.NotNil(t, p.Core.Counters)
	assert.NotNil(t, p.Inventory)

	assert.True(t, p.Migrate())
	assert.Equal(t, CurrentSchemaVersion, p.SchemaVersion)
	assert.True(t, p.Meta.Migrated)
}

func TestDecodeProfile_Rejects(t *testing.T) {
	_, err := DecodeProfile(nil)
	assert.Error(t, err)
	_, err = DecodeProfile([]byte("{not json"))
	assert.Error(t, err)
}

func TestEncodeProfile_RoundTrip(t *testing.T) {
	p := NewProfile()
	p.DataVersion = 4
	p.PersistentID = "pid"
	p.Core.Balance = 77
	p.UpdatedAt = time.UnixMilli(1700000000123).UTC()
	require.NoError(t, p.AddItem("eggs", Item{"eggId": "e1"}))

	blob, err := EncodeProfile(p)
	require.NoError(t, err)
	assert.Equal(t, int64(4), StoredVersion(blob))

	got, err := DecodeProfile(blob)
	require.NoError(t, err)
	assert.Equal(t, p.Summary(), got.Summary())
	assert.Equal(t, p.UpdatedAt, got.UpdatedAt)
	assert.Equal(t, "pid", got.PersistentID)
}

func TestStoredVersion_Unreadable(t *testing.T) {
	assert.Equal(t, int64(0), StoredVersion([]byte("garbage")))
}

func TestClone_IsDeep(t *testing.T) {
	p := NewProfile()
	require.NoError(t, p.AddItem("captured", Item{"petId": "a", "pos": map[string]any{"x": 1}}))
	s := p.Summary()
	p.Meta.LastSaved = &s

	c := p.Clone()
	c.Inventory["captured"][0]["pos"].(map[string]any)["x"] = 2
	c.Meta.LastSaved.Counts["captured"] = 9

	assert.Equal(t, 1, p.Inventory["captured"][0]["pos"].(map[string]any)["x"])
	assert.Equal(t, 1, p.Meta.LastSaved.Counts["captured"])
}
