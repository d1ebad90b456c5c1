package transact

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/newtron-network/vtepsync/pkg/audit"
	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/metrics"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// Reference column names in device rows.
const (
	fieldLogicalSwitchRef = "logical_switch" + device.RefSuffix
	fieldLocatorRef       = "locator" + device.RefSuffix
	fieldLocatorSetRef    = "locator_set" + device.RefSuffix
	fieldVlanBindingsRef  = "vlan_bindings" + device.RefSuffix
	fieldLocalRef         = "local" + device.RefSuffix
	fieldRemoteRef        = "remote" + device.RefSuffix
	fieldSwitchBindRef    = "switch_bindings" + device.RefSuffix
)

// ============================================================================
// Shared staging helpers
// ============================================================================

// commitRow stages an insert or full update of tk and registers the hooks
// that confirm or roll back the cache. Returns the row uuid.
func (m *Manager) commitRow(b *Batch, tk model.TypedKey, v model.Entity, fields map[string]string) string {
	var id string
	if _, known, ok := m.state.Operational(tk); ok {
		id = known
		b.Update(tk, id, fields)
	} else {
		id = b.Insert(tk, fields)
	}
	m.state.MarkInTransit(tk, b.TxID)
	b.OnCommit(func() {
		m.state.UpdateOperational(tk, id, v)
		m.state.ClearInTransit(tk)
	}, func() {
		m.state.ClearInTransit(tk)
		m.state.ClearDeclared(tk)
	})
	return id
}

// deleteRow stages the deletion of tk's confirmed row. Returns false when
// the device has no row for tk.
func (m *Manager) deleteRow(b *Batch, tk model.TypedKey) bool {
	_, id, ok := m.state.Operational(tk)
	if !ok {
		return false
	}
	b.Delete(tk, id)
	m.state.MarkInTransit(tk, b.TxID)
	b.OnCommit(func() {
		m.state.ClearOperational(tk)
		m.state.ClearInTransit(tk)
	}, func() {
		m.state.ClearInTransit(tk)
		m.state.ClearDeclared(tk)
	})
	return true
}

// logicalSwitchUUID resolves a logical switch name to its row uuid, from
// this batch or the confirmed cache.
func (m *Manager) logicalSwitchUUID(b *Batch, name string) (string, error) {
	tk := model.TypedKey{Type: model.LogicalSwitch, Key: model.NewKey(name)}
	if id, ok := b.StagedUUID(tk); ok {
		return id, nil
	}
	if b.IsStaged(tk) {
		// Being deleted in this batch.
		return "", &unresolvedError{dep: tk}
	}
	if _, id, ok := m.state.Operational(tk); ok {
		return id, nil
	}
	return "", &unresolvedError{dep: tk}
}

func locatorTypedKey(ip string) model.TypedKey {
	return model.TypedKey{Type: model.PhysicalLocator, Key: model.NewKey(ip)}
}

// locatorUUIDs resolves tunnel endpoint IPs to locator row uuids, staging
// inserts for locators the device does not have. Nothing is staged unless
// every locator can be resolved.
func (m *Manager) locatorUUIDs(b *Batch, ips []string) (map[string]string, error) {
	for _, ip := range ips {
		tk := locatorTypedKey(ip)
		if _, ok := b.StagedUUID(tk); ok {
			continue
		}
		if m.state.inTransitOutside(tk, b.TxID) || b.IsStaged(tk) {
			return nil, &unresolvedError{dep: tk}
		}
	}

	ids := make(map[string]string, len(ips))
	for _, ip := range ips {
		tk := locatorTypedKey(ip)
		if id, ok := b.StagedUUID(tk); ok {
			ids[ip] = id
			continue
		}
		if _, id, ok := m.state.Operational(tk); ok {
			ids[ip] = id
			continue
		}
		loc := model.NewLocator(ip)
		id := b.Insert(tk, loc.Fields())
		m.state.MarkInTransit(tk, b.TxID)
		b.OnCommit(func() {
			m.state.UpdateOperational(tk, id, loc)
			m.state.ClearInTransit(tk)
		}, func() {
			m.state.ClearInTransit(tk)
		})
		ids[ip] = id
	}
	return ids, nil
}

// trackLocators registers the reference count changes of owner moving from
// before to after (either may be nil). Locators left unreferenced are
// cleaned up in a follow-up.
func (m *Manager) trackLocators(b *Batch, owner model.TypedKey, before, after model.Entity) {
	oldLocs := locatorKeys(before)
	newLocs := locatorKeys(after)
	if len(oldLocs) == 0 && len(newLocs) == 0 {
		return
	}
	keep := make(map[model.TypedKey]bool, len(newLocs))
	for _, l := range newLocs {
		keep[l] = true
	}
	b.OnCommit(func() {
		for _, l := range newLocs {
			m.state.IncRef(l, owner)
		}
		for _, l := range oldLocs {
			if keep[l] {
				continue
			}
			if m.state.DecRef(l, owner) == 0 {
				b.After(m.locatorCleanup(l))
			}
		}
	}, nil)
}

// locatorCleanup deletes a locator nothing references any more.
func (m *Manager) locatorCleanup(tk model.TypedKey) FollowUp {
	return FollowUp{
		Name: "locator cleanup " + tk.Key.String(),
		Build: func(b *Batch) {
			if m.state.RefCount(tk) > 0 || m.state.IsInTransit(tk) {
				return
			}
			m.deleteRow(b, tk)
		},
	}
}

// previous returns the confirmed value of tk, or nil.
func (m *Manager) previous(tk model.TypedKey) model.Entity {
	v, _, _ := m.state.Operational(tk)
	return v
}

// ============================================================================
// Per-type builders
// ============================================================================

// plainBuilder writes rows without references.
type plainBuilder struct {
	m *Manager
}

func (p plainBuilder) upsert(b *Batch, tk model.TypedKey, v model.Entity) error {
	p.m.commitRow(b, tk, v, v.Fields())
	return nil
}

func (p plainBuilder) remove(b *Batch, tk model.TypedKey, old model.Entity) error {
	p.m.deleteRow(b, tk)
	return nil
}

// logicalSwitchBuilder defers deletion: the pass clears references to the
// switch, and the row itself is deleted in a follow-up transaction.
type logicalSwitchBuilder struct {
	plainBuilder
}

func (l logicalSwitchBuilder) remove(b *Batch, tk model.TypedKey, old model.Entity) error {
	m := l.m
	if _, _, ok := m.state.Operational(tk); !ok {
		return nil
	}
	b.Stage(tk)
	m.state.MarkInTransit(tk, b.TxID)
	b.OnCommit(func() {
		// Stay in transit until the deferred delete resolves.
		m.state.MarkInTransit(tk, "deferred:"+b.TxID)
		b.After(m.logicalSwitchDelete(tk, 1))
	}, func() {
		m.state.ClearInTransit(tk)
		m.lost(tk, "delete-failed")
	})
	return nil
}

// logicalSwitchDelete is the deferred delete of a logical switch, retried
// while the switch is still referenced. The wait before attempt n is n times
// LSDeleteDelay.
func (m *Manager) logicalSwitchDelete(tk model.TypedKey, attempt int) FollowUp {
	log := util.WithEntity(string(m.node), tk.Type.String(), tk.Key.String())
	retry := func(b *Batch, reason string) {
		if attempt < m.cfg.LSDeleteRetries {
			log.Debugf("delete attempt %d: %s, retrying", attempt, reason)
			m.state.MarkInTransit(tk, "deferred:"+b.TxID)
			b.After(m.logicalSwitchDelete(tk, attempt+1))
			return
		}
		log.Warnf("giving up delete after %d attempts: %s", attempt, reason)
		m.state.ClearInTransit(tk)
		m.lost(tk, "delete-retries-exhausted")
	}

	return FollowUp{
		Name:  fmt.Sprintf("logical switch delete %s (attempt %d)", tk.Key, attempt),
		Delay: time.Duration(attempt) * m.cfg.LSDeleteDelay,
		Build: func(b *Batch) {
			_, id, ok := m.state.Operational(tk)
			if !ok {
				m.state.ClearInTransit(tk)
				return
			}
			if users := m.switchUsers(tk.Key.Name); len(users) > 0 {
				retry(b, "still referenced by "+strings.Join(users, ", "))
				return
			}
			b.Delete(tk, id)
			m.state.MarkInTransit(tk, b.TxID)
			b.OnCommit(func() {
				m.state.ClearOperational(tk)
				m.state.ClearInTransit(tk)
			}, func() {
				retry(b, "device rejected delete")
			})
		},
	}
}

// switchUsers lists confirmed or pending entities that reference the
// logical switch name.
func (m *Manager) switchUsers(name string) []string {
	var users []string
	for _, t := range []model.EntityType{model.RemoteMcastMac, model.LocalMcastMac, model.RemoteUcastMac, model.LocalUcastMac} {
		for _, v := range m.state.OperationalByParent(t, name) {
			users = append(users, typedKeyOf(v).String())
		}
	}
	for _, v := range m.state.OperationalValues(model.PhysicalPort, model.LogicalRouter) {
		for _, ls := range switchKeys(v) {
			if ls.Key.Name == name {
				users = append(users, typedKeyOf(v).String())
			}
		}
	}
	return users
}

type portBuilder struct {
	plainBuilder
}

func (p portBuilder) upsert(b *Batch, tk model.TypedKey, v model.Entity) error {
	port, ok := v.(*model.PhysicalPortEntry)
	if !ok {
		return fmt.Errorf("%w: expected physical port, got %T", util.ErrInvalidConfig, v)
	}
	fields := port.Fields()
	if len(port.VlanBindings) > 0 {
		vlans := make([]string, 0, len(port.VlanBindings))
		for vlan := range port.VlanBindings {
			vlans = append(vlans, vlan)
		}
		sort.Strings(vlans)
		refs := make(map[string]string, len(vlans))
		for _, vlan := range vlans {
			id, err := p.m.logicalSwitchUUID(b, port.VlanBindings[vlan])
			if err != nil {
				return err
			}
			refs[vlan] = id
		}
		fields[fieldVlanBindingsRef] = util.FormatPairs(refs)
	}
	p.m.commitRow(b, tk, v, fields)
	return nil
}

type ucastMacBuilder struct {
	plainBuilder
}

func (u ucastMacBuilder) upsert(b *Batch, tk model.TypedKey, v model.Entity) error {
	mac, ok := v.(*model.UcastMacEntry)
	if !ok {
		return fmt.Errorf("%w: expected ucast MAC, got %T", util.ErrInvalidConfig, v)
	}
	lsID, err := u.m.logicalSwitchUUID(b, mac.LogicalSwitch)
	if err != nil {
		return err
	}
	locs, err := u.m.locatorUUIDs(b, []string{mac.Locator})
	if err != nil {
		return err
	}
	fields := mac.Fields()
	fields[fieldLogicalSwitchRef] = lsID
	fields[fieldLocatorRef] = locs[mac.Locator]

	u.m.trackLocators(b, tk, u.m.previous(tk), v)
	u.m.commitRow(b, tk, v, fields)
	return nil
}

func (u ucastMacBuilder) remove(b *Batch, tk model.TypedKey, old model.Entity) error {
	prev := u.m.previous(tk)
	if u.m.deleteRow(b, tk) {
		u.m.trackLocators(b, tk, prev, nil)
	}
	return nil
}

type mcastMacBuilder struct {
	plainBuilder
}

func (mb mcastMacBuilder) upsert(b *Batch, tk model.TypedKey, v model.Entity) error {
	mac, ok := v.(*model.McastMacEntry)
	if !ok {
		return fmt.Errorf("%w: expected mcast MAC, got %T", util.ErrInvalidConfig, v)
	}
	lsID, err := mb.m.logicalSwitchUUID(b, mac.LogicalSwitch)
	if err != nil {
		return err
	}
	ips := append([]string(nil), mac.LocatorSet...)
	sort.Strings(ips)
	locs, err := mb.m.locatorUUIDs(b, ips)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(ips))
	for _, ip := range ips {
		ids = append(ids, locs[ip])
	}
	fields := mac.Fields()
	fields[fieldLogicalSwitchRef] = lsID
	if len(ids) > 0 {
		fields[fieldLocatorSetRef] = strings.Join(ids, ",")
	}

	mb.m.trackLocators(b, tk, mb.m.previous(tk), v)
	mb.m.commitRow(b, tk, v, fields)
	return nil
}

func (mb mcastMacBuilder) remove(b *Batch, tk model.TypedKey, old model.Entity) error {
	prev := mb.m.previous(tk)
	if mb.m.deleteRow(b, tk) {
		mb.m.trackLocators(b, tk, prev, nil)
	}
	return nil
}

type tunnelBuilder struct {
	plainBuilder
}

func (t tunnelBuilder) upsert(b *Batch, tk model.TypedKey, v model.Entity) error {
	tun, ok := v.(*model.TunnelEntry)
	if !ok {
		return fmt.Errorf("%w: expected tunnel, got %T", util.ErrInvalidConfig, v)
	}
	locs, err := t.m.locatorUUIDs(b, []string{tun.Local, tun.Remote})
	if err != nil {
		return err
	}
	fields := tun.Fields()
	fields[fieldLocalRef] = locs[tun.Local]
	fields[fieldRemoteRef] = locs[tun.Remote]

	t.m.trackLocators(b, tk, t.m.previous(tk), v)
	t.m.commitRow(b, tk, v, fields)
	return nil
}

func (t tunnelBuilder) remove(b *Batch, tk model.TypedKey, old model.Entity) error {
	prev := t.m.previous(tk)
	if t.m.deleteRow(b, tk) {
		t.m.trackLocators(b, tk, prev, nil)
	}
	return nil
}

type routerBuilder struct {
	plainBuilder
}

func (r routerBuilder) upsert(b *Batch, tk model.TypedKey, v model.Entity) error {
	lr, ok := v.(*model.LogicalRouterEntry)
	if !ok {
		return fmt.Errorf("%w: expected logical router, got %T", util.ErrInvalidConfig, v)
	}
	fields := lr.Fields()
	if len(lr.SwitchBindings) > 0 {
		prefixes := make([]string, 0, len(lr.SwitchBindings))
		for prefix := range lr.SwitchBindings {
			prefixes = append(prefixes, prefix)
		}
		sort.Strings(prefixes)
		refs := make(map[string]string, len(prefixes))
		for _, prefix := range prefixes {
			id, err := r.m.logicalSwitchUUID(b, lr.SwitchBindings[prefix])
			if err != nil {
				return err
			}
			refs[prefix] = id
		}
		fields[fieldSwitchBindRef] = util.FormatPairs(refs)
	}
	r.m.commitRow(b, tk, v, fields)
	return nil
}

// newReconcilers builds the per-type reconcilers in phase order.
func newReconcilers(m *Manager) []*Reconciler {
	plain := plainBuilder{m: m}
	mk := func(t model.EntityType, b builder, cascade bool) *Reconciler {
		return &Reconciler{typ: t, deps: getterFor(t), build: b, cascade: cascade, m: m}
	}
	return []*Reconciler{
		mk(model.PhysicalSwitch, plain, false),
		mk(model.LogicalSwitch, logicalSwitchBuilder{plain}, false),
		mk(model.PhysicalPort, portBuilder{plain}, false),
		mk(model.RemoteMcastMac, mcastMacBuilder{plain}, true),
		mk(model.LocalMcastMac, mcastMacBuilder{plain}, true),
		mk(model.RemoteUcastMac, ucastMacBuilder{plain}, true),
		mk(model.LocalUcastMac, ucastMacBuilder{plain}, true),
		mk(model.Tunnel, tunnelBuilder{plain}, false),
		mk(model.LogicalRouter, routerBuilder{plain}, false),
	}
}

// lost counts and reports a declared change that will not reach the device.
func (m *Manager) lost(tk model.TypedKey, reason string) {
	m.lostUpdates.Add(1)
	metrics.RecordLostUpdate(string(m.node), tk.Type.String(), reason)
	util.WithEntity(string(m.node), tk.Type.String(), tk.Key.String()).
		Warnf("lost update (%s)", reason)
	recordAudit(audit.NewEvent(string(m.node), audit.EventTypeLostUpdate).
		WithEntity(tk.String()).
		WithReason(reason))
}
