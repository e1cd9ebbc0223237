package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type wireProfile struct {
	SchemaVersion int               `json:"schemaVersion"`
	DataVersion   int64             `json:"dataVersion"`
	UpdatedAt     int64             `json:"updatedAt"`
	PersistentID  string            `json:"persistentId"`
	Core          Core              `json:"core"`
	Inventory     map[string][]Item `json:"inventory"`
}

// Tree renders the profile as a generic value tree, the input the sanitizer
// walks before anything is encoded for the backend. Item values are passed
// through untouched.
func (p *Profile) Tree() map[string]any {
	counters := make(map[string]any, len(p.Core.Counters))
	for k, v := range p.Core.Counters {
		counters[k] = v
	}
	inventory := make(map[string]any, len(p.Inventory))
	for category, items := range p.Inventory {
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = map[string]any(item)
		}
		inventory[category] = list
	}
	var updatedAt int64
	if !p.UpdatedAt.IsZero() {
		updatedAt = p.UpdatedAt.UnixMilli()
	}
	return map[string]any{
		"schemaVersion": int64(p.SchemaVersion),
		"dataVersion":   p.DataVersion,
		"updatedAt":     updatedAt,
		"persistentId":  p.PersistentID,
		"core": map[string]any{
			"balance":  p.Core.Balance,
			"counters": counters,
		},
		"inventory": inventory,
	}
}

// EncodeTree serializes a sanitized tree into the stored blob.
func EncodeTree(tree map[string]any) ([]byte, error) {
	blob, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	return blob, nil
}

// EncodeProfile serializes a profile that is already known to be store-safe.
func EncodeProfile(p *Profile) ([]byte, error) {
	return EncodeTree(p.Tree())
}

// DecodeProfile parses a stored blob. Numbers inside items decode as
// json.Number so large identifiers survive the round trip.
func DecodeProfile(blob []byte) (*Profile, error) {
	if len(bytes.TrimSpace(blob)) == 0 {
		return nil, fmt.Errorf("decode profile: empty blob")
	}
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()

	var w wireProfile
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}

	p := &Profile{
		SchemaVersion: w.SchemaVersion,
		DataVersion:   w.DataVersion,
		PersistentID:  w.PersistentID,
		Core:          w.Core,
		Inventory:     w.Inventory,
	}
	if w.UpdatedAt > 0 {
		p.UpdatedAt = time.UnixMilli(w.UpdatedAt).UTC()
	}
	if p.Core.Counters == nil {
		p.Core.Counters = map[string]float64{}
	}
	if p.Inventory == nil {
		p.Inventory = map[string][]Item{}
	}
	for category, items := range p.Inventory {
		if items == nil {
			delete(p.Inventory, category)
		}
	}
	return p, nil
}

// StoredVersion extracts only the dataVersion from a blob. Unreadable blobs
// report version 0.
func StoredVersion(blob []byte) int64 {
	var w struct {
		DataVersion int64 `json:"dataVersion"`
	}
	if err := json.Unmarshal(blob, &w); err != nil {
		return 0
	}
	return w.DataVersion
}
