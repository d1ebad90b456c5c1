package transact

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
)

func TestController_RoutesChangeSets(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	intent := store.NewMemoryIntentStore()
	confirmed := store.NewMemoryConfirmedStore()
	devA, devB := device.NewMemoryClient(), device.NewMemoryClient()
	cfg := Config{ScanInterval: 20 * time.Millisecond}
	mA := NewManager("gw-a", cfg, devA, intent, confirmed)
	mB := NewManager("gw-b", cfg, devB, intent, confirmed)

	// Declared before start: picked up by the initial reconciliation.
	intent.Set("gw-a", logicalSwitch("LS1", "5001"))

	c := NewController(intent, 50*time.Millisecond, mA, mB)
	if diff := cmp.Diff([]model.NodeID{"gw-a", "gw-b"}, c.Nodes()); diff != "" {
		t.Errorf("Nodes() mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.Manager("gw-z"); !errors.Is(err, util.ErrUnknownNode) {
		t.Errorf("Manager(gw-z) error = %v, want ErrUnknownNode", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	hasRow := func(d *device.MemoryClient, table, key string) func() bool {
		return func() bool {
			row, _ := d.Query(context.Background(), table, key)
			return row != nil
		}
	}
	waitFor(t, "initial reconciliation of gw-a", hasRow(devA, "Logical_Switch", "LS1"))

	intent.Set("gw-b", logicalSwitch("LS7", "5007"))
	intent.Set("gw-unknown", logicalSwitch("LS8", "5008"))
	waitFor(t, "LS7 on gw-b", hasRow(devB, "Logical_Switch", "LS7"))

	if len(devA.Rows("Logical_Switch")) != 1 {
		t.Error("gw-b's change reached gw-a")
	}

	st := c.Statuses()
	if len(st) != 2 || st[0].Node != "gw-a" || st[1].Node != "gw-b" {
		t.Fatalf("Statuses() = %+v", st)
	}
	if !st[0].Connected || st[0].Cache.Operational == 0 {
		t.Errorf("gw-a status = %+v", st[0])
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
