package transact

import (
	"sort"

	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// DependencyGetter extracts the keys an entity value references. Getters
// are stateless; one is registered per entity type.
type DependencyGetter interface {
	// LogicalSwitchDependencies returns the logical switches v references.
	LogicalSwitchDependencies(v model.Entity) []model.Key
	// TerminationPointDependencies returns the physical locators v references.
	TerminationPointDependencies(v model.Entity) []model.Key
}

type noDependencies struct{}

func (noDependencies) LogicalSwitchDependencies(model.Entity) []model.Key    { return nil }
func (noDependencies) TerminationPointDependencies(model.Entity) []model.Key { return nil }

type ucastMacDependencies struct{}

func (ucastMacDependencies) LogicalSwitchDependencies(v model.Entity) []model.Key {
	if m, ok := v.(*model.UcastMacEntry); ok {
		return names(m.LogicalSwitch)
	}
	return nil
}

func (ucastMacDependencies) TerminationPointDependencies(v model.Entity) []model.Key {
	if m, ok := v.(*model.UcastMacEntry); ok {
		return names(m.Locator)
	}
	return nil
}

type mcastMacDependencies struct{}

func (mcastMacDependencies) LogicalSwitchDependencies(v model.Entity) []model.Key {
	if m, ok := v.(*model.McastMacEntry); ok {
		return names(m.LogicalSwitch)
	}
	return nil
}

func (mcastMacDependencies) TerminationPointDependencies(v model.Entity) []model.Key {
	if m, ok := v.(*model.McastMacEntry); ok {
		return names(m.LocatorSet...)
	}
	return nil
}

type portDependencies struct{}

func (portDependencies) LogicalSwitchDependencies(v model.Entity) []model.Key {
	if p, ok := v.(*model.PhysicalPortEntry); ok {
		return names(mapValues(p.VlanBindings)...)
	}
	return nil
}

func (portDependencies) TerminationPointDependencies(model.Entity) []model.Key { return nil }

type tunnelDependencies struct{}

func (tunnelDependencies) LogicalSwitchDependencies(model.Entity) []model.Key { return nil }

func (tunnelDependencies) TerminationPointDependencies(v model.Entity) []model.Key {
	if t, ok := v.(*model.TunnelEntry); ok {
		return names(t.Local, t.Remote)
	}
	return nil
}

type routerDependencies struct{}

func (routerDependencies) LogicalSwitchDependencies(v model.Entity) []model.Key {
	if r, ok := v.(*model.LogicalRouterEntry); ok {
		return names(mapValues(r.SwitchBindings)...)
	}
	return nil
}

func (routerDependencies) TerminationPointDependencies(model.Entity) []model.Key { return nil }

// getters maps each entity type to its dependency getter.
var getters = map[model.EntityType]DependencyGetter{
	model.PhysicalSwitch:  noDependencies{},
	model.LogicalSwitch:   noDependencies{},
	model.PhysicalPort:    portDependencies{},
	model.RemoteMcastMac:  mcastMacDependencies{},
	model.LocalMcastMac:   mcastMacDependencies{},
	model.RemoteUcastMac:  ucastMacDependencies{},
	model.LocalUcastMac:   ucastMacDependencies{},
	model.Tunnel:          tunnelDependencies{},
	model.LogicalRouter:   routerDependencies{},
	model.PhysicalLocator: noDependencies{},
}

func getterFor(t model.EntityType) DependencyGetter {
	if g, ok := getters[t]; ok {
		return g
	}
	return noDependencies{}
}

// locatorKeys returns the locator keys v references.
func locatorKeys(v model.Entity) []model.TypedKey {
	if v == nil {
		return nil
	}
	keys := getterFor(v.EntityType()).TerminationPointDependencies(v)
	out := make([]model.TypedKey, len(keys))
	for i, k := range keys {
		out[i] = model.TypedKey{Type: model.PhysicalLocator, Key: k}
	}
	return out
}

// switchKeys returns the logical switch keys v references.
func switchKeys(v model.Entity) []model.TypedKey {
	if v == nil {
		return nil
	}
	keys := getterFor(v.EntityType()).LogicalSwitchDependencies(v)
	out := make([]model.TypedKey, len(keys))
	for i, k := range keys {
		out[i] = model.TypedKey{Type: model.LogicalSwitch, Key: k}
	}
	return out
}

// names builds sorted, de-duplicated top-level keys, skipping empty names.
func names(ns ...string) []model.Key {
	seen := make(map[string]bool, len(ns))
	var out []model.Key
	for _, n := range ns {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, model.NewKey(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
