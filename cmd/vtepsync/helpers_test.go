package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/newtron-network/vtepsync/pkg/audit"
	"github.com/newtron-network/vtepsync/pkg/settings"
	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
	"github.com/newtron-network/vtepsync/pkg/vtep/transact"
)

func TestChangeViews(t *testing.T) {
	ls1 := &model.LogicalSwitchEntry{Name: "LS1", TunnelKey: "5001"}
	ls2 := &model.LogicalSwitchEntry{Name: "LS2"}
	var cs model.ChangeSet
	cs.Add(ls1, nil)
	cs.Add(nil, ls2)

	got := changeViews(cs.Changes)
	want := []changeView{
		{Kind: "create", Type: model.LogicalSwitch.String(), Key: "LS1", Fields: ls1.Fields()},
		{Kind: "delete", Type: model.LogicalSwitch.String(), Key: "LS2"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("changeViews() mismatch (-want +got):\n%s", diff)
	}

	if got := changeFields(cs.Changes[0]); !strings.Contains(got, "5001") {
		t.Errorf("changeFields(create) = %q", got)
	}
	if got := changeFields(cs.Changes[1]); !strings.Contains(got, "-") {
		t.Errorf("changeFields(delete) = %q", got)
	}
}

func TestRequireNode(t *testing.T) {
	defer func(saved *settings.Settings, name string) { cfg, nodeName = saved, name }(cfg, nodeName)

	cfg = &settings.Settings{Nodes: []settings.NodeSettings{{Name: "hwvtep-1"}}}
	nodeName = ""
	if n, err := requireNode(); err != nil || n.Name != "hwvtep-1" {
		t.Errorf("requireNode() with one node = %v, %v", n, err)
	}

	cfg.Nodes = append(cfg.Nodes, settings.NodeSettings{Name: "hwvtep-2"})
	if _, err := requireNode(); err == nil {
		t.Error("requireNode() should fail without -N when several nodes exist")
	}

	nodeName = "hwvtep-2"
	if n, err := requireNode(); err != nil || n.Name != "hwvtep-2" {
		t.Errorf("requireNode(hwvtep-2) = %v, %v", n, err)
	}

	nodeName = "hwvtep-9"
	if _, err := requireNode(); !errors.Is(err, util.ErrUnknownNode) {
		t.Errorf("requireNode(hwvtep-9) error = %v, want ErrUnknownNode", err)
	}
}

func TestIsMetaCommand(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		want bool
	}{
		{versionCmd, true},
		{settingsShowCmd, true},
		{runCmd, false},
		{diffCmd, false},
	}
	for _, tt := range tests {
		if got := isMetaCommand(tt.cmd); got != tt.want {
			t.Errorf("isMetaCommand(%s) = %v, want %v", tt.cmd.Name(), got, tt.want)
		}
	}
}

func TestStatusServer(t *testing.T) {
	intent := store.NewMemoryIntentStore()
	m := transact.NewManager("hwvtep-1", transact.Config{}, device.NewMemoryClient(), intent, store.NewMemoryConfirmedStore())
	ctrl := transact.NewController(intent, 0, m)

	srv := httptest.NewServer(newStatusServer("", ctrl).Handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	statuses, err := fetchStatus(ctx, srv.URL+"/status")
	if err != nil {
		t.Fatalf("fetchStatus() error = %v", err)
	}
	if len(statuses) != 1 || statuses[0].Node != "hwvtep-1" || !statuses[0].Connected {
		t.Errorf("statuses = %+v", statuses)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %s", resp.Status)
	}

	if _, err := fetchStatus(ctx, srv.URL+"/missing"); err == nil {
		t.Error("fetchStatus() of a missing path should fail")
	}
}

func TestStatusJSON(t *testing.T) {
	st := transact.Status{Node: "hwvtep-1", Connected: true, OpWait: 2}
	data, err := json.Marshal([]transact.Status{st})
	if err != nil {
		t.Fatal(err)
	}
	var back []transact.Status
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]transact.Status{st}, back); diff != "" {
		t.Errorf("status JSON mismatch (-want +got):\n%s", diff)
	}
}

func TestEventDetailAndResult(t *testing.T) {
	tx := audit.NewEvent("hwvtep-1", audit.EventTypeTransaction).
		WithTransaction("tx-1").
		WithOperations([]string{"insert Logical_Switch|LS1", "insert Physical_Locator|10.0.0.2"}).
		WithSuccess()
	if got := eventDetail(tx); got != "tx-1 (2 ops)" {
		t.Errorf("eventDetail(tx) = %q", got)
	}
	if got := eventResult(tx); !strings.Contains(got, "ok") {
		t.Errorf("eventResult(tx) = %q", got)
	}

	lost := audit.NewEvent("hwvtep-1", audit.EventTypeLostUpdate).WithEntity("logical-switch:LS1").WithReason("expired")
	if got := eventDetail(lost); got != "logical-switch:LS1 expired" {
		t.Errorf("eventDetail(lost) = %q", got)
	}
	if got := eventResult(lost); !strings.Contains(got, "lost") {
		t.Errorf("eventResult(lost) = %q", got)
	}

	failed := audit.NewEvent("hwvtep-1", audit.EventTypeTransaction).
		WithError(errors.New("first\nsecond"))
	if got := eventResult(failed); !strings.Contains(got, "first ...") || strings.Contains(got, "second") {
		t.Errorf("eventResult(failed) = %q", got)
	}
}
