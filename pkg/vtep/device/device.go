// Package device implements the hardware VTEP device protocol client: rows
// grouped in tables, atomic multi-operation transactions, point queries, and
// connection liveness. The device keeps rows in Redis; the in-memory client
// mirrors it for offline use and tests.
package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OpKind is the kind of a device operation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is a single row mutation inside a transaction.
//
// Inserts may carry a caller-allocated UUID so later operations in the same
// transaction can reference the new row. Updates and deletes address the row
// by UUID when known and by Key otherwise.
type Operation struct {
	Kind   OpKind
	Table  string
	Key    string
	UUID   string
	Fields map[string]string
}

func (op Operation) String() string {
	return fmt.Sprintf("%s %s|%s", op.Kind, op.Table, op.Key)
}

// OperationResult is the device's answer for one operation. Error is empty
// on success; UUID is the row identifier the operation acted on.
type OperationResult struct {
	UUID  string
	Error string
}

// Row is a device table row as returned by Query.
type Row struct {
	UUID   string
	Table  string
	Key    string
	Fields map[string]string
}

// Transaction accumulates operations and executes them atomically: either
// every operation applies or none does.
type Transaction interface {
	Add(op Operation)
	Operations() []Operation
	Execute(ctx context.Context) ([]OperationResult, error)
}

// Client is a connection to one gateway device.
type Client interface {
	NewTransaction() Transaction
	// Query returns the row for table/key, or nil if the device has none.
	Query(ctx context.Context, table, key string) (*Row, error)
	Ping(ctx context.Context) error
	IsConnected() bool
	Close() error
}

// NewUUID allocates a row identifier.
func NewUUID() string {
	return uuid.NewString()
}

// RefSuffix marks fields whose values are row UUIDs. The device enforces
// referential integrity on these fields: referenced rows must exist, and a
// referenced row cannot be deleted.
const RefSuffix = "_uuid"

// RefUUIDs extracts every referenced UUID from a row's fields. Reference
// values are either a single UUID, a comma-separated list, or "k=uuid" pairs.
func RefUUIDs(fields map[string]string) []string {
	var refs []string
	for name, value := range fields {
		if !strings.HasSuffix(name, RefSuffix) || value == "" {
			continue
		}
		for _, item := range strings.Split(value, ",") {
			item = strings.TrimSpace(item)
			if _, v, ok := strings.Cut(item, "="); ok {
				item = v
			}
			if item != "" {
				refs = append(refs, item)
			}
		}
	}
	return refs
}

// Failed reports whether any result carries an error.
func Failed(results []OperationResult) bool {
	for _, r := range results {
		if r.Error != "" {
			return true
		}
	}
	return false
}

// baseTransaction holds the operation list shared by both clients.
type baseTransaction struct {
	ops []Operation
}

func (t *baseTransaction) Add(op Operation) {
	if op.Kind == OpInsert && op.UUID == "" {
		op.UUID = NewUUID()
	}
	t.ops = append(t.ops, op)
}

func (t *baseTransaction) Operations() []Operation {
	return t.ops
}
