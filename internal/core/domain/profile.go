package domain

import (
	"sort"
	"time"
)

// CurrentSchemaVersion is the schema marker written with every profile.
const CurrentSchemaVersion = 3

type Core struct {
	Balance  int64              `json:"balance"`
	Counters map[string]float64 `json:"counters"`
}

// Meta is local bookkeeping. It is never serialized.
type Meta struct {
	LastSaved *Summary
	Migrated  bool
	Loaded    bool // true when the profile came from the backend rather than a default
}

type Profile struct {
	SchemaVersion int
	DataVersion   int64 // optimistic concurrency token
	UpdatedAt     time.Time
	PersistentID  string
	Core          Core
	Inventory     map[string][]Item
	Meta          Meta
}

// NewProfile materializes the default profile for a key with no stored data.
func NewProfile() *Profile {
	return &Profile{
		SchemaVersion: CurrentSchemaVersion,
		Core:          Core{Counters: map[string]float64{}},
		Inventory:     map[string][]Item{},
	}
}

// Summary is the numeric digest the validation guard compares.
type Summary struct {
	Balance int64          `json:"balance"`
	Counts  map[string]int `json:"counts"`
}

func (p *Profile) Summary() Summary {
	s := Summary{Balance: p.Core.Balance, Counts: make(map[string]int, len(p.Inventory))}
	for category, items := range p.Inventory {
		s.Counts[category] = len(items)
	}
	return s
}

// Categories returns the inventory category names in stable order.
func (p *Profile) Categories() []string {
	names := make([]string, 0, len(p.Inventory))
	for name := range p.Inventory {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy safe to hand to a writer while the original keeps mutating.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Core.Counters = make(map[string]float64, len(p.Core.Counters))
	for k, v := range p.Core.Counters {
		out.Core.Counters[k] = v
	}
	out.Inventory = make(map[string][]Item, len(p.Inventory))
	for category, items := range p.Inventory {
		copied := make([]Item, len(items))
		for i, item := range items {
			copied[i] = item.Clone()
		}
		out.Inventory[category] = copied
	}
	if p.Meta.LastSaved != nil {
		s := p.Meta.LastSaved.Clone()
		out.Meta.LastSaved = &s
	}
	return &out
}

func (s Summary) Clone() Summary {
	out := Summary{Balance: s.Balance, Counts: make(map[string]int, len(s.Counts))}
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	return out
}

// Migrate brings an older schema up to CurrentSchemaVersion. It reports
// whether anything changed.
func (p *Profile) Migrate() bool {
	changed := false
	if p.Core.Counters == nil {
		p.Core.Counters = map[string]float64{}
		changed = true
	}
	if p.Inventory == nil {
		p.Inventory = map[string][]Item{}
		changed = true
	}
	if p.SchemaVersion < CurrentSchemaVersion {
		p.SchemaVersion = CurrentSchemaVersion
		changed = true
	}
	if changed {
		p.Meta.Migrated = true
	}
	return changed
}
