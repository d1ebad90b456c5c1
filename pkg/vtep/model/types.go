// Package model defines the hardware VTEP entity types, keys, values and
// change records shared by the reconciliation engine, the stores, and the
// device client.
package model

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// NodeID identifies a gateway node (one hardware VTEP device).
type NodeID string

// EntityType tags a kind of hardware VTEP object.
type EntityType int

const (
	PhysicalSwitch EntityType = iota
	LogicalSwitch
	PhysicalPort
	RemoteMcastMac
	LocalMcastMac
	RemoteUcastMac
	LocalUcastMac
	Tunnel
	LogicalRouter
	PhysicalLocator
)

// AllTypes lists every entity type in declaration order.
var AllTypes = []EntityType{
	PhysicalSwitch, LogicalSwitch, PhysicalPort,
	RemoteMcastMac, LocalMcastMac, RemoteUcastMac, LocalUcastMac,
	Tunnel, LogicalRouter, PhysicalLocator,
}

var typeNames = map[EntityType]string{
	PhysicalSwitch:  "physical-switch",
	LogicalSwitch:   "logical-switch",
	PhysicalPort:    "physical-port",
	RemoteMcastMac:  "remote-mcast-mac",
	LocalMcastMac:   "local-mcast-mac",
	RemoteUcastMac:  "remote-ucast-mac",
	LocalUcastMac:   "local-ucast-mac",
	Tunnel:          "tunnel",
	LogicalRouter:   "logical-router",
	PhysicalLocator: "physical-locator",
}

// Device table names, one per entity type.
var typeTables = map[EntityType]string{
	PhysicalSwitch:  "Physical_Switch",
	LogicalSwitch:   "Logical_Switch",
	PhysicalPort:    "Physical_Port",
	RemoteMcastMac:  "Mcast_Macs_Remote",
	LocalMcastMac:   "Mcast_Macs_Local",
	RemoteUcastMac:  "Ucast_Macs_Remote",
	LocalUcastMac:   "Ucast_Macs_Local",
	Tunnel:          "Tunnel",
	LogicalRouter:   "Logical_Router",
	PhysicalLocator: "Physical_Locator",
}

func (t EntityType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("entity-type(%d)", int(t))
}

// Table returns the device table that stores rows of this type.
func (t EntityType) Table() string {
	return typeTables[t]
}

// HasParent reports whether keys of this type are scoped under a parent
// object (the owning physical switch for ports, the logical switch for MACs).
func (t EntityType) HasParent() bool {
	switch t {
	case PhysicalPort, RemoteMcastMac, LocalMcastMac, RemoteUcastMac, LocalUcastMac:
		return true
	}
	return false
}

// IsMac reports whether t is one of the four MAC binding types.
func (t EntityType) IsMac() bool {
	switch t {
	case RemoteMcastMac, LocalMcastMac, RemoteUcastMac, LocalUcastMac:
		return true
	}
	return false
}

// ParseEntityType maps a type name or table name back to its EntityType.
func ParseEntityType(s string) (EntityType, error) {
	for t, name := range typeNames {
		if name == s || typeTables[t] == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown entity type %q", s)
}

// Key identifies an entity within a gateway node. Parent is empty for
// top-level types.
type Key struct {
	Parent string
	Name   string
}

// NewKey builds a top-level key.
func NewKey(name string) Key {
	return Key{Name: name}
}

// NewChildKey builds a key scoped under parent.
func NewChildKey(parent, name string) Key {
	return Key{Parent: parent, Name: name}
}

func (k Key) String() string {
	if k.Parent == "" {
		return k.Name
	}
	return k.Parent + "|" + k.Name
}

// ParseKey parses the String form of a key for entity type t.
func ParseKey(t EntityType, s string) (Key, error) {
	if !t.HasParent() {
		if s == "" {
			return Key{}, fmt.Errorf("empty %s key", t)
		}
		return Key{Name: s}, nil
	}
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("%s key %q must be parent|name", t, s)
	}
	return Key{Parent: parts[0], Name: parts[1]}, nil
}

// TypedKey pairs an entity type with a key; it is comparable and used as a
// map key wherever several types share one index.
type TypedKey struct {
	Type EntityType
	Key  Key
}

func (tk TypedKey) String() string {
	return tk.Type.String() + ":" + tk.Key.String()
}

// Entity is a declared or confirmed hardware VTEP object value.
type Entity interface {
	EntityType() EntityType
	EntityKey() Key
	// Fields flattens the value into table fields. References to other
	// objects are expressed by their key names, not device identifiers.
	Fields() map[string]string
}

// equalOpts compares entity values the way the device stores them: list
// fields are unordered and empty collections equal absent ones.
var equalOpts = cmp.Options{
	cmpopts.EquateEmpty(),
	cmpopts.SortSlices(func(a, b string) bool { return a < b }),
}

// Equal reports whether two entity values are structurally equal.
func Equal(a, b Entity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return cmp.Equal(a, b, equalOpts)
}

// ChangeKind classifies a Change.
type ChangeKind int

const (
	Create ChangeKind = iota
	Update
	Delete
)

func (k ChangeKind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// Change is one observed mutation of declared intent.
type Change struct {
	Type EntityType
	Key  Key
	New  Entity // nil for Delete
	Old  Entity // nil for Create
}

// Kind derives the change kind from which values are present.
func (c Change) Kind() ChangeKind {
	switch {
	case c.New == nil:
		return Delete
	case c.Old == nil:
		return Create
	default:
		return Update
	}
}

func (c Change) String() string {
	return fmt.Sprintf("[%s] %s %s", c.Kind(), c.Type, c.Key)
}

// ChangeSet is the unit of delivery from the intent store: all changes
// observed for one gateway node in one notification or reconciliation pass.
type ChangeSet struct {
	Node    NodeID
	Changes []Change
}

// IsEmpty reports whether the set carries no changes.
func (cs *ChangeSet) IsEmpty() bool {
	return cs == nil || len(cs.Changes) == 0
}

// Add appends a change built from its values.
func (cs *ChangeSet) Add(newValue, oldValue Entity) {
	v := newValue
	if v == nil {
		v = oldValue
	}
	if v == nil {
		return
	}
	cs.Changes = append(cs.Changes, Change{
		Type: v.EntityType(),
		Key:  v.EntityKey(),
		New:  newValue,
		Old:  oldValue,
	})
}

// String returns a human-readable listing of the change set.
func (cs *ChangeSet) String() string {
	if cs.IsEmpty() {
		return "No changes"
	}
	var sb strings.Builder
	for _, c := range cs.Changes {
		sb.WriteString("  " + c.String())
		if c.New != nil {
			sb.WriteString(fmt.Sprintf(" → %v", c.New.Fields()))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
