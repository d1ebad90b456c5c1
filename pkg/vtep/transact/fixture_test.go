package transact

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
)

const testNode model.NodeID = "hwvtep-1"

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	m         *Manager
	dev       *device.MemoryClient
	intent    *store.MemoryIntentStore
	confirmed *store.MemoryConfirmedStore
	clock     *fakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		dev:       device.NewMemoryClient(),
		intent:    store.NewMemoryIntentStore(),
		confirmed: store.NewMemoryConfirmedStore(),
		clock:     &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.m = NewManager(testNode, cfg, f.dev, f.intent, f.confirmed)
	f.m.state.now = f.clock.Now
	t.Cleanup(f.m.Stop)
	return f
}

// declare records values in the intent store and delivers them as one
// change set.
func (f *fixture) declare(t *testing.T, values ...model.Entity) {
	t.Helper()
	cs := model.ChangeSet{Node: testNode}
	for _, v := range values {
		old, _ := f.intent.Read(context.Background(), testNode, v.EntityType(), v.EntityKey())
		cs.Add(v, old)
	}
	f.intent.Set(testNode, values...)
	if err := f.m.OnChangeSet(context.Background(), cs); err != nil {
		t.Fatalf("OnChangeSet() error = %v", err)
	}
}

// withdraw removes values from the intent store and delivers the deletions.
func (f *fixture) withdraw(t *testing.T, values ...model.Entity) {
	t.Helper()
	cs := model.ChangeSet{Node: testNode}
	keys := make([]model.TypedKey, 0, len(values))
	for _, v := range values {
		cs.Add(nil, v)
		keys = append(keys, typedKeyOf(v))
	}
	f.intent.Remove(testNode, keys...)
	if err := f.m.OnChangeSet(context.Background(), cs); err != nil {
		t.Fatalf("OnChangeSet() error = %v", err)
	}
}

// stage builds a batch for the changes without committing it.
func (f *fixture) stage(changes ...model.Change) *Batch {
	b := NewBatch(testNode)
	f.m.aggregator.Process(context.Background(), b, changes)
	return b
}

// row returns the device row for v, failing the test if it is missing.
func (f *fixture) row(t *testing.T, v model.Entity) *device.Row {
	t.Helper()
	row, err := f.dev.Query(context.Background(), v.EntityType().Table(), v.EntityKey().String())
	if err != nil {
		t.Fatalf("Query(%s) error = %v", typedKeyOf(v), err)
	}
	if row == nil {
		t.Fatalf("device has no row for %s", typedKeyOf(v))
	}
	return row
}

func (f *fixture) hasRow(v model.Entity) bool {
	row, _ := f.dev.Query(context.Background(), v.EntityType().Table(), v.EntityKey().String())
	return row != nil
}

// countExecutes counts device transactions from now on.
func (f *fixture) countExecutes() *int {
	n := new(int)
	f.dev.OnExecute = func([]device.Operation) { *n++ }
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func create(v model.Entity) model.Change {
	return model.Change{Type: v.EntityType(), Key: v.EntityKey(), New: v}
}

func remove(v model.Entity) model.Change {
	return model.Change{Type: v.EntityType(), Key: v.EntityKey(), Old: v}
}

func logicalSwitch(name, vni string) *model.LogicalSwitchEntry {
	return &model.LogicalSwitchEntry{Name: name, TunnelKey: vni, ReplicationMode: "service_node"}
}

func remoteUcast(ls, mac, locator string) *model.UcastMacEntry {
	return &model.UcastMacEntry{MAC: mac, LogicalSwitch: ls, Locator: locator}
}

func localUcast(ls, mac, locator string) *model.UcastMacEntry {
	return &model.UcastMacEntry{Local: true, MAC: mac, LogicalSwitch: ls, Locator: locator}
}

func remoteMcast(ls, mac string, locators ...string) *model.McastMacEntry {
	return &model.McastMacEntry{MAC: mac, LogicalSwitch: ls, LocatorSet: locators}
}

func locatorKey(ip string) model.TypedKey {
	return locatorTypedKey(ip)
}
