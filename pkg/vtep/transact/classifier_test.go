package transact

import (
	"context"
	"testing"
	"time"

	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
)

func newTestState(intent store.IntentReader) *DeviceState {
	s := NewDeviceState(testNode, intent, 50*time.Millisecond)
	s.queue = newDependencyQueue(testNode, 10)
	return s
}

func TestClassifier(t *testing.T) {
	ls1 := logicalSwitch("LS1", "5001")
	lsKey := typedKeyOf(ls1)
	mac := remoteUcast("LS1", "00:11:22:33:44:55", "10.0.0.2")
	macKey := typedKeyOf(mac)
	locKey := locatorKey("10.0.0.2")
	getter := getterFor(model.RemoteUcastMac)

	tests := []struct {
		name          string
		setup         func(s *DeviceState, b *Batch)
		change        model.Change
		wantConfig    []model.TypedKey
		wantInTransit []model.TypedKey
	}{
		{
			name:       "undeclared switch",
			change:     create(mac),
			wantConfig: []model.TypedKey{lsKey},
		},
		{
			name:   "declared switch",
			setup:  func(s *DeviceState, b *Batch) { s.UpdateDeclared(lsKey, ls1) },
			change: create(mac),
		},
		{
			name:   "switch staged in this batch",
			setup:  func(s *DeviceState, b *Batch) { b.Stage(lsKey); s.MarkInTransit(lsKey, b.TxID) },
			change: create(mac),
		},
		{
			name:   "deletes skip config dependencies",
			change: remove(mac),
		},
		{
			name: "switch in transit elsewhere",
			setup: func(s *DeviceState, b *Batch) {
				s.UpdateDeclared(lsKey, ls1)
				s.MarkInTransit(lsKey, "other-tx")
			},
			change:        create(mac),
			wantInTransit: []model.TypedKey{lsKey},
		},
		{
			name: "locator in transit",
			setup: func(s *DeviceState, b *Batch) {
				s.UpdateDeclared(lsKey, ls1)
				s.MarkInTransit(locKey, "other-tx")
			},
			change:        create(mac),
			wantInTransit: []model.TypedKey{locKey},
		},
		{
			name: "own key in transit",
			setup: func(s *DeviceState, b *Batch) {
				s.UpdateDeclared(lsKey, ls1)
				s.MarkInTransit(macKey, "other-tx")
			},
			change:        create(mac),
			wantInTransit: []model.TypedKey{macKey},
		},
		{
			name: "own key queued",
			setup: func(s *DeviceState, b *Batch) {
				s.UpdateDeclared(lsKey, ls1)
				s.Enqueue(&Job{Change: create(mac), Deps: DependencySet{}, Kind: OpWait})
			},
			change:        create(mac),
			wantInTransit: []model.TypedKey{macKey},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestState(nil)
			b := NewBatch(testNode)
			if tt.setup != nil {
				tt.setup(s, b)
			}
			deps := NewClassifier(s).Classify(context.Background(), b, getter, tt.change)

			if got := deps.Config.Keys(); !sameKeys(got, tt.wantConfig) {
				t.Errorf("Config = %v, want %v", got, tt.wantConfig)
			}
			if got := deps.InTransit.Keys(); !sameKeys(got, tt.wantInTransit) {
				t.Errorf("InTransit = %v, want %v", got, tt.wantInTransit)
			}
		})
	}
}

func TestClassifier_FallsBackToIntentStore(t *testing.T) {
	intent := store.NewMemoryIntentStore()
	intent.Set(testNode, logicalSwitch("LS1", "5001"))
	s := newTestState(intent)

	deps := NewClassifier(s).Classify(context.Background(), NewBatch(testNode),
		getterFor(model.RemoteUcastMac), create(remoteUcast("LS1", "00:11:22:33:44:55", "10.0.0.2")))
	if !deps.Config.Empty() {
		t.Errorf("Config = %s, want none", deps.Config)
	}
}

func sameKeys(a, b []model.TypedKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
