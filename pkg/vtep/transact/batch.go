package transact

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// FollowUp is work scheduled after a batch commits: it stages operations
// into a fresh batch once Delay has passed.
type FollowUp struct {
	Name  string
	Delay time.Duration
	Build func(b *Batch)
}

type hook struct {
	success func()
	failure func()
}

// Batch is the unit of device submission: an ordered operation list built
// during one pass, with per-entity commit hooks and post-commit follow-ups.
type Batch struct {
	Node model.NodeID
	TxID string

	ops       []device.Operation
	staged    map[model.TypedKey]string // key -> row uuid ("" for marker-only)
	touched   []model.TypedKey
	hooks     []hook
	followUps []FollowUp
}

// NewBatch starts an empty batch with a fresh transaction id.
func NewBatch(node model.NodeID) *Batch {
	return &Batch{
		Node:   node,
		TxID:   uuid.NewString(),
		staged: make(map[model.TypedKey]string),
	}
}

// Insert stages a row insert and returns its pre-allocated uuid, which later
// operations in the batch may reference.
func (b *Batch) Insert(tk model.TypedKey, fields map[string]string) string {
	id := device.NewUUID()
	b.add(tk, id, device.Operation{Kind: device.OpInsert, Table: tk.Type.Table(), Key: tk.Key.String(), UUID: id, Fields: fields})
	return id
}

// Update stages a full-row update of the row with the given uuid.
func (b *Batch) Update(tk model.TypedKey, id string, fields map[string]string) {
	b.add(tk, id, device.Operation{Kind: device.OpUpdate, Table: tk.Type.Table(), Key: tk.Key.String(), UUID: id, Fields: fields})
}

// Delete stages the deletion of the row with the given uuid.
func (b *Batch) Delete(tk model.TypedKey, id string) {
	b.add(tk, "", device.Operation{Kind: device.OpDelete, Table: tk.Type.Table(), Key: tk.Key.String(), UUID: id})
}

func (b *Batch) add(tk model.TypedKey, id string, op device.Operation) {
	b.ops = append(b.ops, op)
	b.staged[tk] = id
	b.touched = append(b.touched, tk)
}

// Stage marks tk as handled by this batch without a device operation.
func (b *Batch) Stage(tk model.TypedKey) {
	b.staged[tk] = ""
}

func (b *Batch) IsStaged(tk model.TypedKey) bool {
	_, ok := b.staged[tk]
	return ok
}

// StagedUUID returns the row uuid an insert or update in this batch assigned
// to tk. Deletes and markers have none.
func (b *Batch) StagedUUID(tk model.TypedKey) (string, bool) {
	id, ok := b.staged[tk]
	return id, ok && id != ""
}

// OnCommit registers hooks run after the transaction. Exactly one of them
// runs; either may be nil.
func (b *Batch) OnCommit(success, failure func()) {
	b.hooks = append(b.hooks, hook{success: success, failure: failure})
}

// After schedules a follow-up once this batch has committed or failed.
func (b *Batch) After(f FollowUp) {
	b.followUps = append(b.followUps, f)
}

func (b *Batch) Operations() []device.Operation {
	return b.ops
}

func (b *Batch) FollowUps() []FollowUp {
	return b.followUps
}

// IsEmpty reports whether the batch has nothing to submit or run.
func (b *Batch) IsEmpty() bool {
	return len(b.ops) == 0 && len(b.hooks) == 0 && len(b.followUps) == 0
}

func (b *Batch) String() string {
	return fmt.Sprintf("batch %s: %d operations", b.TxID, len(b.ops))
}
