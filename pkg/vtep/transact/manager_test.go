package transact

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
)

func TestCreateLogicalSwitch(t *testing.T) {
	f := newFixture(t, Config{})
	ls1 := logicalSwitch("LS1", "5001")

	f.declare(t, ls1)

	row := f.row(t, ls1)
	if row.Fields["tunnel_key"] != "5001" {
		t.Errorf("tunnel_key = %q, want %q", row.Fields["tunnel_key"], "5001")
	}
	tk := typedKeyOf(ls1)
	v, id, ok := f.m.state.Operational(tk)
	if !ok || id != row.UUID {
		t.Fatalf("Operational() = %v, %q, %v; want device id %q", v, id, ok, row.UUID)
	}
	if f.m.state.IsInTransit(tk) {
		t.Error("LS1 still in transit after commit")
	}

	snap, _ := f.confirmed.Snapshot(context.Background(), testNode)
	want := []store.ConfirmedRecord{{DeviceID: row.UUID, Value: ls1}}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("confirmed store mismatch (-want +got):\n%s", diff)
	}
}

// A MAC whose logical switch is not declared waits, and is committed only
// after the switch.
func TestDependencyOrdering(t *testing.T) {
	f := newFixture(t, Config{})
	ls1 := logicalSwitch("LS1", "5001")
	mac := remoteUcast("LS1", "00:11:22:33:44:55", "10.0.0.2")

	var order []string
	f.dev.OnExecute = func(ops []device.Operation) {
		for _, op := range ops {
			order = append(order, op.Table)
		}
	}

	f.declare(t, mac)
	if got := f.m.state.queue.Len(ConfigWait); got != 1 {
		t.Fatalf("ConfigWait queue length = %d, want 1", got)
	}
	if f.hasRow(mac) {
		t.Fatal("MAC committed before its logical switch was declared")
	}

	f.declare(t, ls1)

	lsRow := f.row(t, ls1)
	macRow := f.row(t, mac)
	if macRow.Fields["logical_switch_uuid"] != lsRow.UUID {
		t.Errorf("logical_switch_uuid = %q, want %q", macRow.Fields["logical_switch_uuid"], lsRow.UUID)
	}
	locRow := f.row(t, model.NewLocator("10.0.0.2"))
	if macRow.Fields["locator_uuid"] != locRow.UUID {
		t.Errorf("locator_uuid = %q, want %q", macRow.Fields["locator_uuid"], locRow.UUID)
	}
	want := []string{"Logical_Switch", "Physical_Locator", "Ucast_Macs_Remote"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("commit order mismatch (-want +got):\n%s", diff)
	}
	if f.m.state.IsQueued(typedKeyOf(mac)) {
		t.Error("MAC still queued")
	}
}

// The logical switch and its MAC declared together land in one transaction.
func TestSameBatchReference(t *testing.T) {
	f := newFixture(t, Config{})
	executes := f.countExecutes()
	ls1 := logicalSwitch("LS1", "5001")
	mac := remoteUcast("LS1", "00:11:22:33:44:55", "10.0.0.2")

	f.declare(t, mac, ls1)

	if *executes != 1 {
		t.Errorf("transactions = %d, want 1", *executes)
	}
	if f.row(t, mac).Fields["logical_switch_uuid"] != f.row(t, ls1).UUID {
		t.Error("MAC does not reference LS1's row")
	}
}

func TestIdempotence(t *testing.T) {
	f := newFixture(t, Config{})
	ls1 := logicalSwitch("LS1", "5001")
	f.declare(t, ls1)

	executes := f.countExecutes()
	f.declare(t, logicalSwitch("LS1", "5001"))
	if *executes != 0 {
		t.Errorf("identical re-delivery issued %d transactions, want 0", *executes)
	}

	f.declare(t, logicalSwitch("LS1", "5002"))
	if *executes != 1 {
		t.Errorf("changed value issued %d transactions, want 1", *executes)
	}
	if got := f.row(t, ls1).Fields["tunnel_key"]; got != "5002" {
		t.Errorf("tunnel_key = %q, want %q", got, "5002")
	}
}

// A value reconciliation found already applied is not sent again.
func TestIdempotenceAfterReconcile(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ls1 := logicalSwitch("LS1", "5001")
	id := f.dev.Put(ls1.EntityType().Table(), "LS1", ls1.Fields())
	f.confirmed.Put(ctx, testNode, store.ConfirmedRecord{DeviceID: id, Value: ls1})
	f.intent.Set(testNode, ls1)

	if err := f.m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	executes := f.countExecutes()
	f.declare(t, logicalSwitch("LS1", "5001"))
	if *executes != 0 {
		t.Errorf("re-delivery after reconcile issued %d transactions, want 0", *executes)
	}

	f.declare(t, logicalSwitch("LS1", "5002"))
	if *executes != 1 {
		t.Errorf("changed value issued %d transactions, want 1", *executes)
	}
}

// A commit answered while a reconciliation is queued is part of the seed,
// so the rest of the declared state still reaches the device.
func TestReconcileWhileCommitInFlight(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entered := make(chan struct{})
	gate := make(chan struct{})
	var calls atomic.Int32
	f.dev.OnExecute = func([]device.Operation) {
		if calls.Add(1) == 1 {
			close(entered)
			<-gate
		}
	}
	f.m.Start(ctx)

	ls1 := logicalSwitch("LS1", "5001")
	ls2 := logicalSwitch("LS2", "5002")
	f.declare(t, ls1)
	<-entered
	f.intent.Set(testNode, ls2)

	if err := f.m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	close(gate)
	if err := f.m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	for _, v := range []model.Entity{ls1, ls2} {
		if !f.hasRow(v) {
			t.Errorf("%s missing from the device", typedKeyOf(v))
		}
	}
	if got := f.m.Status().LostUpdates; got != 0 {
		t.Errorf("LostUpdates = %d, want 0", got)
	}
}

// A second mutation of a key waits until the first is confirmed.
func TestAtMostOneInFlight(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ls1 := logicalSwitch("LS1", "5001")
	tk := typedKeyOf(ls1)

	b1 := f.stage(create(ls1))
	if !f.m.state.IsInTransit(tk) {
		t.Fatal("LS1 not in transit after staging")
	}

	f.declare(t, logicalSwitch("LS1", "5002"))
	if !f.m.state.IsQueued(tk) {
		t.Fatal("update of in-transit LS1 was not queued")
	}
	if f.hasRow(ls1) {
		t.Fatal("nothing should reach the device before b1 commits")
	}

	f.m.commit(ctx, b1)

	if got := f.row(t, ls1).Fields["tunnel_key"]; got != "5002" {
		t.Errorf("tunnel_key = %q, want %q", got, "5002")
	}
	if f.m.state.IsQueued(tk) || f.m.state.IsInTransit(tk) {
		t.Error("LS1 should be settled")
	}
}

func TestLogicalSwitchThenMacBeforeConfirmation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ls1 := logicalSwitch("LS1", "5001")
	mac1 := remoteUcast("LS1", "00:11:22:33:44:55", "10.0.0.2")
	f.intent.Set(testNode, ls1)

	b1 := f.stage(create(ls1))
	if n := len(b1.Operations()); n != 1 {
		t.Fatalf("batch has %d operations, want 1", n)
	}

	f.declare(t, mac1)
	jobs := f.m.state.queue.snapshot()
	if len(jobs) != 1 || jobs[0].Kind != OpWait {
		t.Fatalf("queue = %v, want one OpWait job", jobs)
	}
	if !jobs[0].Deps.Contains(model.LogicalSwitch, model.NewKey("LS1")) {
		t.Errorf("job deps = %s, want LS1", jobs[0].Deps)
	}

	f.m.commit(ctx, b1)

	_, u1, ok := f.m.state.Operational(typedKeyOf(ls1))
	if !ok {
		t.Fatal("LS1 not operational after commit")
	}
	if got := f.row(t, mac1).Fields["logical_switch_uuid"]; got != u1 {
		t.Errorf("MAC1 logical_switch_uuid = %q, want %q", got, u1)
	}
	if f.m.state.queue.Len(OpWait) != 0 {
		t.Error("OpWait queue not drained")
	}
}

func TestLogicalSwitchThenMacBeforeConfirmation_Async(t *testing.T) {
	f := newFixture(t, Config{ScanInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entered := make(chan struct{})
	gate := make(chan struct{})
	var calls atomic.Int32
	f.dev.OnExecute = func([]device.Operation) {
		if calls.Add(1) == 1 {
			close(entered)
			<-gate
		}
	}
	f.m.Start(ctx)

	ls1 := logicalSwitch("LS1", "5001")
	mac1 := remoteUcast("LS1", "00:11:22:33:44:55", "10.0.0.2")

	f.declare(t, ls1)
	<-entered
	f.declare(t, mac1)
	waitFor(t, "MAC1 to be parked", func() bool { return f.m.state.queue.Len(OpWait) == 1 })

	close(gate)
	if err := f.m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
	waitFor(t, "MAC1 on the device", func() bool { return f.hasRow(mac1) })

	if f.row(t, mac1).Fields["logical_switch_uuid"] != f.row(t, ls1).UUID {
		t.Error("MAC1 does not reference LS1's row")
	}
}

func TestCommitFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ls1 := logicalSwitch("LS1", "5001")
	tk := typedKeyOf(ls1)
	f.dev.FailNext = 1

	f.declare(t, ls1)

	if f.m.state.IsInTransit(tk) {
		t.Error("in-transit marker not cleared after failure")
	}
	if _, _, ok := f.m.state.Operational(tk); ok {
		t.Error("operational value set by a failed commit")
	}

	// The same value is not suppressed after a failure.
	f.declare(t, logicalSwitch("LS1", "5001"))
	if !f.hasRow(ls1) {
		t.Error("re-delivery after failure was suppressed")
	}
}

func TestLocatorRefCount(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a, b := locatorKey("10.0.0.2"), locatorKey("10.0.0.3")

	f.declare(t, logicalSwitch("LS1", "5001"), remoteMcast("LS1", "unknown-dst", "10.0.0.2", "10.0.0.3"))
	if f.m.state.RefCount(a) != 1 || f.m.state.RefCount(b) != 1 {
		t.Fatalf("ref counts = %d, %d; want 1, 1", f.m.state.RefCount(a), f.m.state.RefCount(b))
	}

	f.declare(t, remoteMcast("LS1", "unknown-dst", "10.0.0.2"))
	if got := f.m.state.RefCount(a); got != 1 {
		t.Errorf("RefCount(A) = %d, want 1", got)
	}
	if got := f.m.state.RefCount(b); got != 0 {
		t.Errorf("RefCount(B) = %d, want 0", got)
	}

	if n := f.m.runDeferred(ctx); n != 1 {
		t.Fatalf("runDeferred() ran %d follow-ups, want 1", n)
	}
	if f.hasRow(model.NewLocator("10.0.0.3")) {
		t.Error("unreferenced locator B not cleaned up")
	}
	if !f.hasRow(model.NewLocator("10.0.0.2")) {
		t.Error("locator A removed while referenced")
	}
}

func TestSharedLocatorKeptUntilLastUser(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	m1 := remoteUcast("LS1", "00:00:00:00:00:01", "10.0.0.2")
	m2 := remoteUcast("LS1", "00:00:00:00:00:02", "10.0.0.2")
	f.declare(t, logicalSwitch("LS1", "5001"), m1, m2)

	f.withdraw(t, m1)
	f.m.runDeferred(ctx)
	if !f.hasRow(model.NewLocator("10.0.0.2")) {
		t.Fatal("locator removed while m2 uses it")
	}

	f.withdraw(t, m2)
	f.m.runDeferred(ctx)
	if f.hasRow(model.NewLocator("10.0.0.2")) {
		t.Error("locator kept after its last user was removed")
	}
}

func TestCascadeDelete(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ls1 := logicalSwitch("LS1", "5001")
	mac := localUcast("LS1", "00:11:22:33:44:55", "10.0.0.1")
	f.declare(t, ls1, mac)

	f.withdraw(t, ls1)

	if f.hasRow(mac) {
		t.Error("MAC not deleted with its logical switch")
	}
	if !f.hasRow(ls1) {
		t.Fatal("logical switch deleted in the same transaction as its references")
	}
	if !f.m.state.IsInTransit(typedKeyOf(ls1)) {
		t.Error("LS1 should stay in transit until its delete is issued")
	}

	if n := f.m.runDeferred(ctx); n != 2 {
		t.Fatalf("runDeferred() ran %d follow-ups, want 2", n)
	}
	if f.hasRow(ls1) {
		t.Error("LS1 not deleted by the follow-up")
	}
	if f.hasRow(model.NewLocator("10.0.0.1")) {
		t.Error("MAC's locator not cleaned up")
	}
	if f.m.state.IsInTransit(typedKeyOf(ls1)) {
		t.Error("LS1 still in transit")
	}
	if got := f.m.state.Summary().Operational; got != 0 {
		t.Errorf("operational entries = %d, want 0", got)
	}
}

func TestLogicalSwitchDeleteRetriesWhileReferenced(t *testing.T) {
	f := newFixture(t, Config{LSDeleteRetries: 2})
	ctx := context.Background()
	ls1 := logicalSwitch("LS1", "5001")
	port := &model.PhysicalPortEntry{Switch: "sw1", Name: "eth1", VlanBindings: map[string]string{"100": "LS1"}}
	f.declare(t, ls1, port)
	if got := f.row(t, port).Fields["vlan_bindings_uuid"]; got != "100="+f.row(t, ls1).UUID {
		t.Fatalf("vlan_bindings_uuid = %q", got)
	}

	f.withdraw(t, ls1)
	if n := f.m.runDeferred(ctx); n != 1 {
		t.Fatalf("first attempt: ran %d follow-ups, want 1", n)
	}
	if !f.hasRow(ls1) || !f.m.state.IsInTransit(typedKeyOf(ls1)) {
		t.Fatal("LS1 should still exist and be pending after a blocked attempt")
	}

	if n := f.m.runDeferred(ctx); n != 1 {
		t.Fatalf("second attempt: ran %d follow-ups, want 1", n)
	}
	if f.m.state.IsInTransit(typedKeyOf(ls1)) {
		t.Error("LS1 still in transit after retries ran out")
	}
	if got := f.m.Status().LostUpdates; got != 1 {
		t.Errorf("LostUpdates = %d, want 1", got)
	}
	if n := f.m.runDeferred(ctx); n != 0 {
		t.Errorf("follow-ups after giving up = %d, want 0", n)
	}
}

func TestLogicalSwitchDeleteMarkerFailureIsLostUpdate(t *testing.T) {
	f := newFixture(t, Config{})
	ls1 := logicalSwitch("LS1", "5001")
	mac := localUcast("LS1", "00:11:22:33:44:55", "10.0.0.1")
	f.declare(t, ls1, mac)

	// The cascaded MAC delete shares the transaction that clears LS1.
	f.dev.FailNext = 1
	f.withdraw(t, ls1)

	if f.m.state.IsInTransit(typedKeyOf(ls1)) {
		t.Error("LS1 still in transit after the failed delete")
	}
	if got := f.m.Status().LostUpdates; got != 1 {
		t.Errorf("LostUpdates = %d, want 1", got)
	}
	if n := f.m.runDeferred(context.Background()); n != 0 {
		t.Errorf("follow-ups after a failed delete = %d, want 0", n)
	}
}

func TestLogicalSwitchDeleteBackoff(t *testing.T) {
	m := NewManager(testNode, Config{LSDeleteDelay: time.Second}, nil, nil, nil)
	tk := typedKeyOf(logicalSwitch("LS1", ""))
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 3 * time.Second} {
		if got := m.logicalSwitchDelete(tk, attempt).Delay; got != want {
			t.Errorf("attempt %d delay = %v, want %v", attempt, got, want)
		}
	}
}

func TestExpiryOutcomes(t *testing.T) {
	ls1 := logicalSwitch("LS1", "5001")
	tk := typedKeyOf(ls1)

	tests := []struct {
		name      string
		onDevice  bool
		knownID   string
		wantKnown bool
	}{
		{name: "create missed", onDevice: true, wantKnown: true},
		{name: "create never happened", onDevice: false},
		{name: "delete confirmed late", onDevice: false, knownID: "old-id"},
		{name: "update confirmed late", onDevice: true, knownID: "old-id", wantKnown: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			var deviceID string
			if tt.onDevice {
				deviceID = f.dev.Put(ls1.EntityType().Table(), "LS1", ls1.Fields())
			}
			if tt.knownID != "" {
				f.m.state.UpdateOperational(tk, tt.knownID, logicalSwitch("LS1", "4000"))
			}
			f.m.state.MarkInTransit(tk, "tx-lost")

			if !f.m.disambiguate(context.Background(), tk) {
				t.Fatal("disambiguate() = false")
			}
			if f.m.state.IsInTransit(tk) {
				t.Error("in-transit marker not cleared")
			}
			v, id, ok := f.m.state.Operational(tk)
			if ok != tt.wantKnown {
				t.Fatalf("Operational() ok = %v, want %v", ok, tt.wantKnown)
			}
			if ok {
				if id != deviceID {
					t.Errorf("device id = %q, want %q", id, deviceID)
				}
				if !model.Equal(v, ls1) {
					t.Errorf("operational value = %+v, want %+v", v, ls1)
				}
			}
		})
	}
}

// A job whose dependency is stuck in transit with no device record is
// released at expiry once the device confirms the row is absent.
func TestExpiryConvergence(t *testing.T) {
	f := newFixture(t, Config{JobTTL: time.Minute})
	ctx := context.Background()
	ls1 := logicalSwitch("LS1", "5001")
	lsKey := typedKeyOf(ls1)
	mac := remoteUcast("LS1", "00:11:22:33:44:55", "10.0.0.2")
	f.intent.Set(testNode, ls1)
	f.m.state.MarkInTransit(lsKey, "tx-lost")

	f.declare(t, mac)
	if f.m.state.queue.Len(OpWait) != 1 {
		t.Fatal("MAC not parked on in-transit LS1")
	}

	f.m.scanOnce(ctx, "")
	if f.m.state.queue.Len(OpWait) != 1 {
		t.Fatal("job released before expiry")
	}

	f.clock.Advance(2 * time.Minute)
	f.m.scanOnce(ctx, "")

	if f.m.state.IsInTransit(lsKey) {
		t.Error("LS1 still in transit after expiry")
	}
	if _, _, ok := f.m.state.Operational(lsKey); ok {
		t.Error("LS1 operational record should stay absent")
	}
	if f.m.state.IsQueued(typedKeyOf(mac)) {
		t.Error("job not released")
	}
}

func TestExpiryCreateMissedReleasesJob(t *testing.T) {
	f := newFixture(t, Config{JobTTL: time.Minute})
	ctx := context.Background()
	ls1 := logicalSwitch("LS1", "5001")
	mac := remoteUcast("LS1", "00:11:22:33:44:55", "10.0.0.2")
	f.intent.Set(testNode, ls1)
	u1 := f.dev.Put(ls1.EntityType().Table(), "LS1", ls1.Fields())
	f.m.state.MarkInTransit(typedKeyOf(ls1), "tx-lost")

	f.declare(t, mac)
	f.clock.Advance(2 * time.Minute)
	f.m.scanOnce(ctx, "")

	if got := f.row(t, mac).Fields["logical_switch_uuid"]; got != u1 {
		t.Errorf("logical_switch_uuid = %q, want %q", got, u1)
	}
}

func TestConfigWaitExpiryIsLostUpdate(t *testing.T) {
	f := newFixture(t, Config{JobTTL: time.Minute})
	mac := remoteUcast("LS9", "00:11:22:33:44:55", "10.0.0.2")

	f.declare(t, mac)
	f.clock.Advance(2 * time.Minute)
	f.m.scanOnce(context.Background(), "")

	if f.m.state.IsQueued(typedKeyOf(mac)) {
		t.Error("expired ConfigWait job still queued")
	}
	if got := f.m.Status().LostUpdates; got != 1 {
		t.Errorf("LostUpdates = %d, want 1", got)
	}
	if f.hasRow(mac) {
		t.Error("expired job reached the device")
	}
}

func TestQueueFullIsLostUpdate(t *testing.T) {
	f := newFixture(t, Config{QueueCapacity: 1})

	f.declare(t, remoteUcast("LS9", "00:00:00:00:00:01", "10.0.0.2"))
	f.declare(t, remoteUcast("LS9", "00:00:00:00:00:02", "10.0.0.2"))

	if got := f.m.state.queue.Len(ConfigWait); got != 1 {
		t.Errorf("ConfigWait length = %d, want 1", got)
	}
	if got := f.m.Status().LostUpdates; got != 1 {
		t.Errorf("LostUpdates = %d, want 1", got)
	}
}

func TestInvalidValueIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	bad := remoteUcast("LS1", "not-a-mac", "10.0.0.2")

	f.declare(t, logicalSwitch("LS1", "5001"), bad)

	if f.hasRow(bad) {
		t.Error("invalid MAC reached the device")
	}
	if got := f.m.Status().LostUpdates; got != 1 {
		t.Errorf("LostUpdates = %d, want 1", got)
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, Config{})
	ls1 := logicalSwitch("LS1", "5001")
	f.stage(create(ls1))
	f.declare(t, remoteUcast("LS9", "00:11:22:33:44:55", "10.0.0.2"))

	f.dev.SetConnected(false)
	f.m.handleDisconnect(util.ErrNotConnected)

	sum := f.m.Status()
	if len(sum.Cache.InTransit) != 0 {
		t.Errorf("in transit after disconnect = %v", sum.Cache.InTransit)
	}
	if sum.ConfigWait+sum.OpWait != 0 || sum.Cache.Queued != 0 {
		t.Errorf("queues not drained: %+v", sum)
	}
	if sum.LostUpdates != 1 {
		t.Errorf("LostUpdates = %d, want 1", sum.LostUpdates)
	}
	if !f.m.Disconnected() || sum.Connected {
		t.Error("manager should report the node disconnected")
	}
}

func TestScanStopsOnDisconnectAndResyncs(t *testing.T) {
	f := newFixture(t, Config{ScanInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ls1 := logicalSwitch("LS1", "5001")
	f.intent.Set(testNode, ls1)
	f.m.Start(ctx)

	f.dev.SetConnected(false)
	waitFor(t, "disconnect", f.m.Disconnected)

	f.dev.SetConnected(true)
	if err := f.m.Resync(ctx); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if err := f.m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
	waitFor(t, "reconnect", func() bool { return !f.m.Disconnected() })
	if !f.hasRow(ls1) {
		t.Error("resync did not reconcile LS1")
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// Confirmed state: LS2 and an orphan locator, both on the device.
	ls2 := logicalSwitch("LS2", "5002")
	ls2ID := f.dev.Put(ls2.EntityType().Table(), "LS2", ls2.Fields())
	orphan := model.NewLocator("10.9.9.9")
	orphanID := f.dev.Put(orphan.EntityType().Table(), orphan.DstIP, orphan.Fields())
	f.confirmed.Put(ctx, testNode, store.ConfirmedRecord{DeviceID: ls2ID, Value: ls2})
	f.confirmed.Put(ctx, testNode, store.ConfirmedRecord{DeviceID: orphanID, Value: orphan})

	ls1 := logicalSwitch("LS1", "5001")
	mac1 := remoteUcast("LS1", "00:11:22:33:44:55", "10.0.0.2")
	f.intent.Set(testNode, ls1, mac1)

	preview, err := f.m.Preview(ctx)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	want := []model.Change{create(ls1), remove(ls2), create(mac1)}
	if diff := cmp.Diff(want, preview); diff != "" {
		t.Errorf("Preview() mismatch (-want +got):\n%s", diff)
	}

	if err := f.m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if f.m.IsInReconciliation() {
		t.Error("still in reconciliation mode")
	}
	if f.row(t, mac1).Fields["logical_switch_uuid"] != f.row(t, ls1).UUID {
		t.Error("MAC1 does not reference LS1")
	}

	f.m.runDeferred(ctx)
	if f.hasRow(ls2) {
		t.Error("stale LS2 not deleted")
	}
	if f.hasRow(orphan) {
		t.Error("orphan locator not cleaned up")
	}

	snap, _ := f.confirmed.Snapshot(ctx, testNode)
	var got []string
	for _, rec := range snap {
		got = append(got, typedKeyOf(rec.Value).String())
	}
	wantKeys := []string{
		"logical-switch:LS1",
		"remote-ucast-mac:LS1|00:11:22:33:44:55",
		"physical-locator:10.0.0.2",
	}
	if diff := cmp.Diff(wantKeys, got); diff != "" {
		t.Errorf("confirmed keys mismatch (-want +got):\n%s", diff)
	}
}

func TestOnChangeSetWrongNode(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.m.OnChangeSet(context.Background(), model.ChangeSet{Node: "other"})
	if !errors.Is(err, util.ErrUnknownNode) {
		t.Errorf("OnChangeSet() error = %v, want ErrUnknownNode", err)
	}
}
