package model

import (
	"fmt"
	"sort"

	"github.com/newtron-network/vtepsync/pkg/util"
)

// PhysicalSwitchEntry is the gateway's own switch record.
type PhysicalSwitchEntry struct {
	Name          string
	Description   string
	ManagementIPs []string
	TunnelIPs     []string
}

func (e *PhysicalSwitchEntry) EntityType() EntityType { return PhysicalSwitch }
func (e *PhysicalSwitchEntry) EntityKey() Key         { return NewKey(e.Name) }

func (e *PhysicalSwitchEntry) Fields() map[string]string {
	return compact(map[string]string{
		"name":           e.Name,
		"description":    e.Description,
		"management_ips": util.JoinSorted(e.ManagementIPs),
		"tunnel_ips":     util.JoinSorted(e.TunnelIPs),
	})
}

// LogicalSwitchEntry is a layer-2 broadcast domain bound to a VXLAN VNI.
type LogicalSwitchEntry struct {
	Name            string
	Description     string
	TunnelKey       string // VNI
	ReplicationMode string // "service_node" or "source_node"
}

func (e *LogicalSwitchEntry) EntityType() EntityType { return LogicalSwitch }
func (e *LogicalSwitchEntry) EntityKey() Key         { return NewKey(e.Name) }

func (e *LogicalSwitchEntry) Fields() map[string]string {
	return compact(map[string]string{
		"name":             e.Name,
		"description":      e.Description,
		"tunnel_key":       e.TunnelKey,
		"replication_mode": e.ReplicationMode,
	})
}

// PhysicalPortEntry is a port on a physical switch with its VLAN to
// logical-switch bindings.
type PhysicalPortEntry struct {
	Switch       string
	Name         string
	Description  string
	VlanBindings map[string]string // vlan id -> logical switch name
}

func (e *PhysicalPortEntry) EntityType() EntityType { return PhysicalPort }
func (e *PhysicalPortEntry) EntityKey() Key         { return NewChildKey(e.Switch, e.Name) }

func (e *PhysicalPortEntry) Fields() map[string]string {
	return compact(map[string]string{
		"name":          e.Name,
		"switch":        e.Switch,
		"description":   e.Description,
		"vlan_bindings": util.FormatPairs(e.VlanBindings),
	})
}

// UcastMacEntry binds a unicast MAC in a logical switch to a tunnel endpoint.
// Local entries live behind this gateway; remote entries behind a peer VTEP.
type UcastMacEntry struct {
	Local         bool
	MAC           string
	LogicalSwitch string
	IPAddr        string
	Locator       string // tunnel endpoint IP
}

func (e *UcastMacEntry) EntityType() EntityType {
	if e.Local {
		return LocalUcastMac
	}
	return RemoteUcastMac
}

func (e *UcastMacEntry) EntityKey() Key { return NewChildKey(e.LogicalSwitch, e.MAC) }

func (e *UcastMacEntry) Fields() map[string]string {
	return compact(map[string]string{
		"mac":            e.MAC,
		"logical_switch": e.LogicalSwitch,
		"ipaddr":         e.IPAddr,
		"locator":        e.Locator,
	})
}

// McastMacEntry binds a multicast MAC (usually "unknown-dst") in a logical
// switch to a set of tunnel endpoints.
type McastMacEntry struct {
	Local         bool
	MAC           string
	LogicalSwitch string
	IPAddr        string
	LocatorSet    []string // tunnel endpoint IPs
}

func (e *McastMacEntry) EntityType() EntityType {
	if e.Local {
		return LocalMcastMac
	}
	return RemoteMcastMac
}

func (e *McastMacEntry) EntityKey() Key { return NewChildKey(e.LogicalSwitch, e.MAC) }

func (e *McastMacEntry) Fields() map[string]string {
	return compact(map[string]string{
		"mac":            e.MAC,
		"logical_switch": e.LogicalSwitch,
		"ipaddr":         e.IPAddr,
		"locator_set":    util.JoinSorted(e.LocatorSet),
	})
}

// TunnelEntry is a BFD-monitored tunnel between a local and a remote endpoint.
type TunnelEntry struct {
	Local     string // local endpoint IP
	Remote    string // remote endpoint IP
	BFDParams map[string]string
}

// TunnelName derives the tunnel key name from its endpoints.
func TunnelName(local, remote string) string {
	return local + "-" + remote
}

func (e *TunnelEntry) EntityType() EntityType { return Tunnel }
func (e *TunnelEntry) EntityKey() Key         { return NewKey(TunnelName(e.Local, e.Remote)) }

func (e *TunnelEntry) Fields() map[string]string {
	return compact(map[string]string{
		"local":      e.Local,
		"remote":     e.Remote,
		"bfd_params": util.FormatPairs(e.BFDParams),
	})
}

// LogicalRouterEntry routes between logical switches.
type LogicalRouterEntry struct {
	Name           string
	Description    string
	SwitchBindings map[string]string // interface prefix -> logical switch name
	StaticRoutes   map[string]string // destination prefix -> next hop
}

func (e *LogicalRouterEntry) EntityType() EntityType { return LogicalRouter }
func (e *LogicalRouterEntry) EntityKey() Key         { return NewKey(e.Name) }

func (e *LogicalRouterEntry) Fields() map[string]string {
	return compact(map[string]string{
		"name":            e.Name,
		"description":     e.Description,
		"switch_bindings": util.FormatPairs(e.SwitchBindings),
		"static_routes":   util.FormatPairs(e.StaticRoutes),
	})
}

// PhysicalLocatorEntry is a tunnel endpoint. Locators are never declared on
// their own; they are synthesized for the MACs and tunnels that use them.
type PhysicalLocatorEntry struct {
	DstIP         string
	Encapsulation string
}

// DefaultEncapsulation is the only encapsulation hardware VTEPs support.
const DefaultEncapsulation = "vxlan_over_ipv4"

// NewLocator builds the locator entity for a tunnel endpoint IP.
func NewLocator(ip string) *PhysicalLocatorEntry {
	return &PhysicalLocatorEntry{DstIP: ip, Encapsulation: DefaultEncapsulation}
}

func (e *PhysicalLocatorEntry) EntityType() EntityType { return PhysicalLocator }
func (e *PhysicalLocatorEntry) EntityKey() Key         { return NewKey(e.DstIP) }

func (e *PhysicalLocatorEntry) Fields() map[string]string {
	return compact(map[string]string{
		"dst_ip":             e.DstIP,
		"encapsulation_type": e.Encapsulation,
	})
}

// Decode rebuilds an entity of type t from its key and table fields.
func Decode(t EntityType, key Key, fields map[string]string) (Entity, error) {
	switch t {
	case PhysicalSwitch:
		return &PhysicalSwitchEntry{
			Name:          key.Name,
			Description:   fields["description"],
			ManagementIPs: util.SplitCommaSeparated(fields["management_ips"]),
			TunnelIPs:     util.SplitCommaSeparated(fields["tunnel_ips"]),
		}, nil
	case LogicalSwitch:
		return &LogicalSwitchEntry{
			Name:            key.Name,
			Description:     fields["description"],
			TunnelKey:       fields["tunnel_key"],
			ReplicationMode: fields["replication_mode"],
		}, nil
	case PhysicalPort:
		return &PhysicalPortEntry{
			Switch:       key.Parent,
			Name:         key.Name,
			Description:  fields["description"],
			VlanBindings: util.ParsePairs(fields["vlan_bindings"]),
		}, nil
	case RemoteUcastMac, LocalUcastMac:
		return &UcastMacEntry{
			Local:         t == LocalUcastMac,
			MAC:           key.Name,
			LogicalSwitch: key.Parent,
			IPAddr:        fields["ipaddr"],
			Locator:       fields["locator"],
		}, nil
	case RemoteMcastMac, LocalMcastMac:
		return &McastMacEntry{
			Local:         t == LocalMcastMac,
			MAC:           key.Name,
			LogicalSwitch: key.Parent,
			IPAddr:        fields["ipaddr"],
			LocatorSet:    util.SplitCommaSeparated(fields["locator_set"]),
		}, nil
	case Tunnel:
		return &TunnelEntry{
			Local:     fields["local"],
			Remote:    fields["remote"],
			BFDParams: util.ParsePairs(fields["bfd_params"]),
		}, nil
	case LogicalRouter:
		return &LogicalRouterEntry{
			Name:           key.Name,
			Description:    fields["description"],
			SwitchBindings: util.ParsePairs(fields["switch_bindings"]),
			StaticRoutes:   util.ParsePairs(fields["static_routes"]),
		}, nil
	case PhysicalLocator:
		enc := fields["encapsulation_type"]
		if enc == "" {
			enc = DefaultEncapsulation
		}
		return &PhysicalLocatorEntry{DstIP: key.Name, Encapsulation: enc}, nil
	}
	return nil, fmt.Errorf("decode: unknown entity type %d", int(t))
}

// Validate checks an entity's fields before it is accepted from the intent
// store.
func Validate(e Entity) error {
	v := &util.ValidationBuilder{}
	switch x := e.(type) {
	case *PhysicalSwitchEntry:
		v.Add(x.Name != "", "physical switch name is required")
		for _, ip := range append(append([]string{}, x.ManagementIPs...), x.TunnelIPs...) {
			v.Add(util.IsValidIP(ip), fmt.Sprintf("physical switch %s: invalid IP %q", x.Name, ip))
		}
	case *LogicalSwitchEntry:
		v.Add(x.Name != "", "logical switch name is required")
		if x.TunnelKey != "" {
			if err := util.ValidateVNI(x.TunnelKey); err != nil {
				v.AddErrorf("logical switch %s: %v", x.Name, err)
			}
		}
	case *PhysicalPortEntry:
		v.Add(x.Switch != "" && x.Name != "", "physical port requires switch and name")
		for _, vlan := range sortedKeys(x.VlanBindings) {
			if err := util.ValidateVLAN(vlan); err != nil {
				v.AddErrorf("port %s: %v", x.Name, err)
			}
			v.Add(x.VlanBindings[vlan] != "", fmt.Sprintf("port %s: vlan %s bound to empty logical switch", x.Name, vlan))
		}
	case *UcastMacEntry:
		v.Add(util.IsValidMAC(x.MAC), fmt.Sprintf("invalid MAC %q", x.MAC))
		v.Add(x.LogicalSwitch != "", "ucast MAC requires a logical switch")
		v.Add(util.IsValidIP(x.Locator), fmt.Sprintf("ucast MAC %s: invalid locator %q", x.MAC, x.Locator))
	case *McastMacEntry:
		v.Add(util.IsValidMAC(x.MAC), fmt.Sprintf("invalid MAC %q", x.MAC))
		v.Add(x.LogicalSwitch != "", "mcast MAC requires a logical switch")
		for _, ip := range x.LocatorSet {
			v.Add(util.IsValidIP(ip), fmt.Sprintf("mcast MAC %s: invalid locator %q", x.MAC, ip))
		}
	case *TunnelEntry:
		v.Add(util.IsValidIP(x.Local), fmt.Sprintf("tunnel: invalid local endpoint %q", x.Local))
		v.Add(util.IsValidIP(x.Remote), fmt.Sprintf("tunnel: invalid remote endpoint %q", x.Remote))
	case *LogicalRouterEntry:
		v.Add(x.Name != "", "logical router name is required")
		for _, prefix := range sortedKeys(x.StaticRoutes) {
			v.Add(util.IsValidIPv4CIDR(prefix), fmt.Sprintf("router %s: invalid route prefix %q", x.Name, prefix))
		}
	case *PhysicalLocatorEntry:
		v.Add(util.IsValidIP(x.DstIP), fmt.Sprintf("invalid locator IP %q", x.DstIP))
	default:
		v.AddErrorf("unsupported entity %T", e)
	}
	return v.Build()
}

// compact drops empty field values so rows carry only what is set.
func compact(m map[string]string) map[string]string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
