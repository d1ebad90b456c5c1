package transact

import (
	"sort"

	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// declaredTypes are the entity types that come from the intent store.
// Physical locators are synthesized by the engine and never declared.
var declaredTypes = []model.EntityType{
	model.PhysicalSwitch, model.LogicalSwitch, model.PhysicalPort,
	model.RemoteMcastMac, model.LocalMcastMac, model.RemoteUcastMac, model.LocalUcastMac,
	model.Tunnel, model.LogicalRouter,
}

// Diff computes the changes that take the confirmed values to the declared
// ones. Declared values are matched by key: a missing or different confirmed
// value gives a create or update. Confirmed values with no declared value of
// the same key give a delete. Locators are ignored on both sides.
func Diff(declared, confirmed []model.Entity) []model.Change {
	conf := make(map[model.TypedKey]model.Entity, len(confirmed))
	for _, v := range confirmed {
		if v.EntityType() == model.PhysicalLocator {
			continue
		}
		conf[typedKeyOf(v)] = v
	}

	var changes []model.Change
	seen := make(map[model.TypedKey]bool, len(declared))
	for _, v := range declared {
		tk := typedKeyOf(v)
		if tk.Type == model.PhysicalLocator || seen[tk] {
			continue
		}
		seen[tk] = true
		old, ok := conf[tk]
		if ok && model.Equal(old, v) {
			continue
		}
		changes = append(changes, model.Change{Type: tk.Type, Key: tk.Key, New: v, Old: old})
	}
	for tk, old := range conf {
		if !seen[tk] {
			changes = append(changes, model.Change{Type: tk.Type, Key: tk.Key, Old: old})
		}
	}

	sortChanges(changes)
	return changes
}

// sortChanges orders changes by phase: type order, updates before deletes,
// then key.
func sortChanges(changes []model.Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		ad, bd := a.Kind() == model.Delete, b.Kind() == model.Delete
		if ad != bd {
			return !ad
		}
		return a.Key.String() < b.Key.String()
	})
}
