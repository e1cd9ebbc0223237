package domain

import "reflect"

// CategoryRule describes how items of one inventory category are identified
// and merged.
type CategoryRule struct {
	// IDFields are probed in order; the first non-empty value is the canonical id.
	IDFields []string
	// RequireID rejects items without a canonical id.
	RequireID bool
	// MutableFields take the incoming value on merge. Every other field keeps
	// the value already stored unless it was missing.
	MutableFields []string
	// TimestampField orders two copies of the same item. An incoming copy
	// that is strictly older than the existing one is ignored.
	TimestampField string
}

var defaultRule = CategoryRule{IDFields: []string{"id", "uid"}}

// CategoryRules maps category names to their rules. Unknown categories use a
// permissive rule keyed on "id"/"uid".
var CategoryRules = map[string]CategoryRule{
	"worldEggs": {
		IDFields:       []string{"eggId", "id", "uid"},
		RequireID:      true,
		MutableFields:  []string{"progress", "hatchAt", "position", "stage"},
		TimestampField: "updatedAt",
	},
	"eggs": {
		IDFields:       []string{"eggId", "id", "uid"},
		RequireID:      true,
		MutableFields:  []string{"progress", "hatchAt", "stage"},
		TimestampField: "updatedAt",
	},
	"captured": {
		IDFields:       []string{"petId", "uid", "id"},
		RequireID:      true,
		MutableFields:  []string{"level", "xp", "hunger", "position", "growth"},
		TimestampField: "updatedAt",
	},
	"placed": {
		IDFields:       []string{"placementId", "uid", "id"},
		RequireID:      true,
		MutableFields:  []string{"position", "rotation", "progress"},
		TimestampField: "updatedAt",
	},
	"tools": {
		IDFields:      []string{"toolId", "id"},
		MutableFields: []string{"durability", "charges"},
	},
}

// RuleFor returns the rule for a category.
func RuleFor(category string) CategoryRule {
	if rule, ok := CategoryRules[category]; ok {
		return rule
	}
	return defaultRule
}

// ExtractCanonicalID returns the category-specific identity of an item.
func ExtractCanonicalID(category string, item Item) (string, bool) {
	if item == nil {
		return "", false
	}
	for _, field := range RuleFor(category).IDFields {
		if id, ok := idString(item[field]); ok {
			return id, true
		}
	}
	return "", false
}

// MergeCategory upserts incoming items into existing ones keyed by canonical
// id. Existing order is preserved and new ids are appended in incoming order.
// Merging the same incoming list twice yields the same result as merging it
// once. Neither input slice is modified.
func MergeCategory(category string, existing, incoming []Item) []Item {
	rule := RuleFor(category)
	merged := make([]Item, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))

	add := func(item Item) {
		id, ok := ExtractCanonicalID(category, item)
		if !ok {
			if rule.RequireID {
				return
			}
			for _, have := range merged {
				if reflect.DeepEqual(have, item) {
					return
				}
			}
			merged = append(merged, item.Clone())
			return
		}
		if i, seen := index[id]; seen {
			merged[i] = mergeItem(rule, merged[i], item)
			return
		}
		index[id] = len(merged)
		merged = append(merged, item.Clone())
	}

	for _, item := range existing {
		add(item)
	}
	for _, item := range incoming {
		add(item)
	}
	return merged
}

func mergeItem(rule CategoryRule, existing, incoming Item) Item {
	if rule.TimestampField != "" {
		have, okHave := numeric(existing[rule.TimestampField])
		got, okGot := numeric(incoming[rule.TimestampField])
		if okHave && okGot && got < have {
			return existing
		}
	}

	out := existing.Clone()
	for k, v := range incoming {
		if _, present := out[k]; !present {
			out[k] = cloneValue(v)
		}
	}
	for _, field := range rule.MutableFields {
		if v, ok := incoming[field]; ok {
			out[field] = cloneValue(v)
		}
	}
	if rule.TimestampField != "" {
		if v, ok := incoming[rule.TimestampField]; ok {
			out[rule.TimestampField] = cloneValue(v)
		}
	}
	return out
}

// AddItem upserts one item into a category. Items without a canonical id are
// rejected where the category requires one, leaving the profile untouched.
func (p *Profile) AddItem(category string, item Item) error {
	if _, ok := ExtractCanonicalID(category, item); !ok && RuleFor(category).RequireID {
		return ErrMissingCanonicalID
	}
	if p.Inventory == nil {
		p.Inventory = map[string][]Item{}
	}
	p.Inventory[category] = MergeCategory(category, p.Inventory[category], []Item{item})
	return nil
}

// RemoveItem deletes every entry with the given canonical id and reports how
// many were removed.
func (p *Profile) RemoveItem(category, id string) int {
	items := p.Inventory[category]
	if len(items) == 0 {
		return 0
	}
	kept := items[:0:0]
	removed := 0
	for _, item := range items {
		if got, ok := ExtractCanonicalID(category, item); ok && got == id {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	if removed > 0 {
		p.Inventory[category] = kept
	}
	return removed
}

// MergeFrom folds a newer backend copy into p field by field: scalar state
// stays with p, inventory entries p does not know about are kept.
func (p *Profile) MergeFrom(stored *Profile) {
	if stored == nil {
		return
	}
	if p.PersistentID == "" {
		p.PersistentID = stored.PersistentID
	}
	for k, v := range stored.Core.Counters {
		if _, ok := p.Core.Counters[k]; !ok {
			if p.Core.Counters == nil {
				p.Core.Counters = map[string]float64{}
			}
			p.Core.Counters[k] = v
		}
	}
	if p.Inventory == nil {
		p.Inventory = map[string][]Item{}
	}
	for category, items := range stored.Inventory {
		p.Inventory[category] = MergeCategory(category, items, p.Inventory[category])
	}
}

// FindItem returns the first item in category with the given canonical id.
func (p *Profile) FindItem(category, id string) (Item, bool) {
	for _, item := range p.Inventory[category] {
		if got, ok := ExtractCanonicalID(category, item); ok && got == id {
			return item, true
		}
	}
	return nil, false
}

// Difference returns the inventory entries and counters of other that base
// has no copy of. Entries are matched by canonical id, or by value where the
// category has no id.
func Difference(base, other *Profile) *Profile {
	out := &Profile{Core: Core{Counters: map[string]float64{}}, Inventory: map[string][]Item{}}
	if other == nil {
		return out
	}
	for k, v := range other.Core.Counters {
		if base == nil {
			out.Core.Counters[k] = v
			continue
		}
		if _, ok := base.Core.Counters[k]; !ok {
			out.Core.Counters[k] = v
		}
	}
	for category, items := range other.Inventory {
		for _, item := range items {
			if base != nil && base.hasItem(category, item) {
				continue
			}
			out.Inventory[category] = append(out.Inventory[category], item.Clone())
		}
	}
	return out
}

// Adopt appends the entries and counters of extra that p lacks. Entries p
// already holds are left as they are.
func (p *Profile) Adopt(extra *Profile) int {
	missing := Difference(p, extra)
	if p.Core.Counters == nil && len(missing.Core.Counters) > 0 {
		p.Core.Counters = map[string]float64{}
	}
	for k, v := range missing.Core.Counters {
		p.Core.Counters[k] = v
	}
	if p.Inventory == nil {
		p.Inventory = map[string][]Item{}
	}
	n := 0
	for _, category := range missing.Categories() {
		for _, item := range missing.Inventory[category] {
			if _, ok := ExtractCanonicalID(category, item); !ok && RuleFor(category).RequireID {
				continue
			}
			if p.hasItem(category, item) {
				continue
			}
			p.Inventory[category] = append(p.Inventory[category], item)
			n++
		}
	}
	return n
}

func (p *Profile) hasItem(category string, item Item) bool {
	if id, ok := ExtractCanonicalID(category, item); ok {
		_, found := p.FindItem(category, id)
		return found
	}
	for _, have := range p.Inventory[category] {
		if reflect.DeepEqual(have, item) {
			return true
		}
	}
	return false
}
