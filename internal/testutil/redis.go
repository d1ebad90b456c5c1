//go:build integration

package testutil

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"testing"

	"github.com/go-redis/redis/v8"
)

// intentKey is the hash key of one declared row: "TABLE|node|key".
func intentKey(table, node, key string) string {
	return table + "|" + node + "|" + key
}

// SetupIntentDB flushes the intent database and loads testdata/seed/intent.json
// into it. The returned client is closed when the test ends.
func SetupIntentDB(t *testing.T) *redis.Client {
	t.Helper()

	client := RedisClient(t, IntentDB)
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing intent DB: %v", err)
	}
	loadSeed(t, client, SeedPath("intent.json"))
	return client
}

// loadSeed writes a seed file of the form
// { "TABLE": { "node|key": { "field": "value" } } } as one pipeline, tables
// in name order so a failure names the same row on every run.
func loadSeed(t *testing.T, client *redis.Client, seedFile string) {
	t.Helper()

	data, err := os.ReadFile(seedFile)
	if err != nil {
		t.Fatalf("reading seed file %s: %v", seedFile, err)
	}
	var tables map[string]map[string]map[string]string
	if err := json.Unmarshal(data, &tables); err != nil {
		t.Fatalf("parsing seed file %s: %v", seedFile, err)
	}

	names := make([]string, 0, len(tables))
	for table := range tables {
		names = append(names, table)
	}
	sort.Strings(names)

	ctx := context.Background()
	pipe := client.TxPipeline()
	for _, table := range names {
		for key, fields := range tables[table] {
			pipe.HSet(ctx, table+"|"+key, hashArgs(fields)...)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.Fatalf("loading seed file %s: %v", seedFile, err)
	}
}

// PutIntent declares one row for node, as an external writer would.
func PutIntent(t *testing.T, client *redis.Client, node, table, key string, fields map[string]string) {
	t.Helper()

	k := intentKey(table, node, key)
	if err := client.HSet(context.Background(), k, hashArgs(fields)...).Err(); err != nil {
		t.Fatalf("declaring %s: %v", k, err)
	}
}

// WithdrawIntent removes one declared row of node.
func WithdrawIntent(t *testing.T, client *redis.Client, node, table, key string) {
	t.Helper()

	k := intentKey(table, node, key)
	if err := client.Del(context.Background(), k).Err(); err != nil {
		t.Fatalf("withdrawing %s: %v", k, err)
	}
}

// FlushDB empties one of the test databases.
func FlushDB(t *testing.T, db int) {
	t.Helper()

	if err := RedisClient(t, db).FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", db, err)
	}
}

// hashArgs flattens fields for HSET. A row without fields still gets a hash.
func hashArgs(fields map[string]string) []interface{} {
	if len(fields) == 0 {
		return []interface{}{"NULL", "NULL"}
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// DeviceRow reads the raw hash of a row in the device database.
func DeviceRow(t *testing.T, table, uuid string) map[string]string {
	t.Helper()

	k := table + "|" + uuid
	vals, err := RedisClient(t, DeviceDB).HGetAll(context.Background(), k).Result()
	if err != nil {
		t.Fatalf("reading %s: %v", k, err)
	}
	return vals
}
