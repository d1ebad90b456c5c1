//go:build integration

package device

import (
	"strings"
	"testing"

	"github.com/newtron-network/vtepsync/internal/testutil"
)

func connectedRedisClient(t *testing.T) *RedisClient {
	t.Helper()
	testutil.SkipIfNoRedis(t)
	addr := testutil.RedisAddr()
	testutil.FlushDB(t, testutil.DeviceDB)

	c := NewRedisClient(addr, testutil.DeviceDB)
	if err := c.Connect(testutil.Context(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisClient_TransactionRoundTrip(t *testing.T) {
	c := connectedRedisClient(t)
	ctx := testutil.Context(t)

	ls := NewUUID()
	tx := c.NewTransaction()
	tx.Add(Operation{Kind: OpInsert, Table: "Logical_Switch", Key: "LS1", UUID: ls,
		Fields: map[string]string{"name": "LS1", "tunnel_key": "5001"}})
	tx.Add(Operation{Kind: OpInsert, Table: "Ucast_Macs_Remote", Key: "LS1|00:11:22:33:44:55",
		Fields: map[string]string{"mac": "00:11:22:33:44:55", "logical_switch_uuid": ls}})
	results, err := tx.Execute(ctx)
	if err != nil || Failed(results) {
		t.Fatalf("Execute() = %+v, %v", results, err)
	}

	row, err := c.Query(ctx, "Logical_Switch", "LS1")
	if err != nil || row == nil {
		t.Fatalf("Query() = %v, %v", row, err)
	}
	if row.UUID != ls || row.Fields["tunnel_key"] != "5001" {
		t.Errorf("Query() = %+v", row)
	}

	tx = c.NewTransaction()
	tx.Add(Operation{Kind: OpDelete, Table: "Logical_Switch", Key: "LS1"})
	results, err = tx.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(results[0].Error, "still referenced") {
		t.Errorf("delete of referenced row: results = %+v", results)
	}

	rows, err := c.List(ctx, "Ucast_Macs_Remote")
	if err != nil || len(rows) != 1 {
		t.Fatalf("List() = %v, %v", rows, err)
	}
}

func TestRedisClient_EmptyRowUsesNullSentinel(t *testing.T) {
	c := connectedRedisClient(t)
	ctx := testutil.Context(t)

	tx := c.NewTransaction()
	tx.Add(Operation{Kind: OpInsert, Table: "Physical_Switch", Key: "sw1"})
	if results, err := tx.Execute(ctx); err != nil || Failed(results) {
		t.Fatalf("Execute() = %+v, %v", results, err)
	}
	row, err := c.Query(ctx, "Physical_Switch", "sw1")
	if err != nil || row == nil {
		t.Fatalf("Query() = %v, %v", row, err)
	}
	if len(row.Fields) != 0 {
		t.Errorf("Fields = %v, want empty", row.Fields)
	}

	raw := testutil.DeviceRow(t, "Physical_Switch", row.UUID)
	if raw[nullField] != nullField {
		t.Errorf("stored hash = %v, want NULL sentinel", raw)
	}
	// row hash, index, ROWS and GENERATION
	if n := testutil.KeyCount(t, testutil.DeviceDB); n != 4 {
		t.Errorf("KeyCount() = %d, want 4", n)
	}
}
