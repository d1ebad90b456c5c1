package transact

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
)

func TestDeviceState_RefCountsBySubKey(t *testing.T) {
	s := newTestState(nil)
	loc := locatorKey("10.0.0.2")
	m1 := typedKeyOf(remoteUcast("LS1", "00:00:00:00:00:01", "10.0.0.2"))
	m2 := typedKeyOf(remoteUcast("LS1", "00:00:00:00:00:02", "10.0.0.2"))

	s.IncRef(loc, m1)
	s.IncRef(loc, m1)
	s.IncRef(loc, m2)
	if got := s.RefCount(loc); got != 2 {
		t.Errorf("RefCount() = %d, want 2", got)
	}
	if got := s.DecRef(loc, m1); got != 1 {
		t.Errorf("DecRef(m1) = %d, want 1", got)
	}
	if got := s.DecRef(loc, m1); got != 1 {
		t.Errorf("repeated DecRef(m1) = %d, want 1", got)
	}
	if got := s.DecRef(loc, m2); got != 0 {
		t.Errorf("DecRef(m2) = %d, want 0", got)
	}
}

func TestDeviceState_InTransit(t *testing.T) {
	s := newTestState(nil)
	tk := typedKeyOf(logicalSwitch("LS1", ""))

	s.MarkInTransit(tk, "tx-1")
	if !s.IsInTransit(tk) {
		t.Fatal("IsInTransit() = false after mark")
	}
	if s.inTransitOutside(tk, "tx-1") {
		t.Error("inTransitOutside() = true for the marking transaction")
	}
	if !s.inTransitOutside(tk, "tx-2") {
		t.Error("inTransitOutside() = false for another transaction")
	}
	s.ClearInTransit(tk)
	if s.IsInTransit(tk) {
		t.Error("IsInTransit() = true after clear")
	}
}

func TestDeviceState_ClearAllInTransit(t *testing.T) {
	s := newTestState(nil)
	ls1 := logicalSwitch("LS1", "5001")
	tk := typedKeyOf(ls1)
	loc := locatorKey("10.0.0.2")
	s.MarkInTransit(tk, "tx-1")
	s.MarkInTransit(loc, "tx-1")
	s.markDispatched(tk, ls1)

	cleared := s.ClearAllInTransit()

	if diff := cmp.Diff([]model.TypedKey{tk, loc}, cleared); diff != "" {
		t.Errorf("ClearAllInTransit() mismatch (-want +got):\n%s", diff)
	}
	if s.isDispatched(tk, ls1) {
		t.Error("dispatched value kept after forced clear")
	}
}

func TestDeviceState_DeclaredAvailable(t *testing.T) {
	intent := store.NewMemoryIntentStore()
	ls1 := logicalSwitch("LS1", "5001")
	intent.Set(testNode, ls1)
	s := newTestState(intent)
	ctx := context.Background()

	if !s.IsDeclaredAvailable(ctx, typedKeyOf(ls1)) {
		t.Fatal("IsDeclaredAvailable(LS1) = false")
	}
	if v, ok := s.Declared(typedKeyOf(ls1)); !ok || !model.Equal(v, ls1) {
		t.Error("intent store hit not cached")
	}
	if s.IsDeclaredAvailable(ctx, typedKeyOf(logicalSwitch("LS2", ""))) {
		t.Error("IsDeclaredAvailable(LS2) = true")
	}

	// A slow intent store counts as not declared.
	slow := store.NewMemoryIntentStore()
	slow.Set(testNode, ls1)
	slow.ReadDelay = time.Second
	s = newTestState(slow)
	if s.IsDeclaredAvailable(ctx, typedKeyOf(ls1)) {
		t.Error("IsDeclaredAvailable() = true past the read timeout")
	}
}

func TestDeviceState_Seed(t *testing.T) {
	s := newTestState(nil)
	mac := remoteMcast("LS1", "unknown-dst", "10.0.0.2", "10.0.0.3")
	s.MarkInTransit(typedKeyOf(mac), "tx-old")

	s.Seed([]store.ConfirmedRecord{
		{DeviceID: "u-ls", Value: logicalSwitch("LS1", "5001")},
		{DeviceID: "u-mac", Value: mac},
	})

	if s.IsInTransit(typedKeyOf(mac)) {
		t.Error("Seed() kept an in-transit marker")
	}
	if _, id, ok := s.Operational(typedKeyOf(mac)); !ok || id != "u-mac" {
		t.Errorf("Operational(mac) id = %q, %v", id, ok)
	}
	for _, ip := range []string{"10.0.0.2", "10.0.0.3"} {
		if got := s.RefCount(locatorKey(ip)); got != 1 {
			t.Errorf("RefCount(%s) = %d, want 1", ip, got)
		}
	}
	if got := len(s.OperationalByParent(model.RemoteMcastMac, "LS1")); got != 1 {
		t.Errorf("OperationalByParent() = %d entries, want 1", got)
	}
}

func TestDeviceState_EnqueueRejected(t *testing.T) {
	s := newTestState(nil)
	s.queue = newDependencyQueue(testNode, 1)
	ls1 := newTestJob(logicalSwitch("LS1", ""), ConfigWait)
	ls2 := newTestJob(logicalSwitch("LS2", ""), OpWait)
	if err := s.Enqueue(ls1); err != nil {
		t.Fatalf("Enqueue(LS1) error = %v", err)
	}
	if err := s.Enqueue(ls2); err != nil {
		t.Fatalf("Enqueue(LS2) error = %v", err)
	}

	// A new key that does not fit is not marked queued.
	ls3 := newTestJob(logicalSwitch("LS3", ""), ConfigWait)
	if err := s.Enqueue(ls3); err == nil {
		t.Fatal("Enqueue(LS3) succeeded over capacity")
	}
	if s.IsQueued(ls3.TypedKey()) {
		t.Error("rejected LS3 marked queued")
	}

	// A rejected replacement keeps the marker of the job still parked.
	if err := s.Enqueue(newTestJob(logicalSwitch("LS2", "5002"), ConfigWait)); err == nil {
		t.Fatal("Enqueue(LS2 replacement) succeeded over capacity")
	}
	if !s.IsQueued(ls2.TypedKey()) {
		t.Error("LS2 lost its queued marker while its job is parked")
	}
}
