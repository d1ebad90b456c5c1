package transact

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/newtron-network/vtepsync/pkg/audit"
	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/metrics"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
)

// Invoker commits batches to one device and drives their hooks.
type Invoker struct {
	node      model.NodeID
	client    device.Client
	confirmed store.ConfirmedStore
	state     *DeviceState
}

// NewInvoker creates an invoker. confirmed may be nil, in which case nothing
// is written through.
func NewInvoker(node model.NodeID, client device.Client, confirmed store.ConfirmedStore, state *DeviceState) *Invoker {
	return &Invoker{node: node, client: client, confirmed: confirmed, state: state}
}

// Invoke executes b as one device transaction. If any operation fails every
// failure hook runs and the cache keeps its confirmed values; otherwise
// every success hook runs and the result is written through to the
// confirmed store. Waiting jobs are re-evaluated either way.
func (inv *Invoker) Invoke(ctx context.Context, b *Batch) error {
	log := util.WithTransaction(string(inv.node), b.TxID)

	if len(b.ops) == 0 {
		inv.runHooks(b, true)
		return nil
	}

	tx := inv.client.NewTransaction()
	for _, op := range b.ops {
		tx.Add(op)
	}

	start := time.Now()
	results, err := tx.Execute(ctx)
	if err == nil {
		err = operationErrors(b.ops, results)
	}
	elapsed := time.Since(start)
	metrics.RecordTransaction(string(inv.node), err == nil, elapsed)

	event := audit.NewEvent(string(inv.node), audit.EventTypeTransaction).
		WithTransaction(b.TxID).
		WithOperations(operationStrings(b.ops)).
		WithDuration(elapsed)

	if err != nil {
		log.Warnf("transaction failed: %v", err)
		recordAudit(event.WithError(err))
		inv.runHooks(b, false)
		inv.state.NotifyStateChanged(b.TxID)
		return fmt.Errorf("%s: %w", b, err)
	}

	inv.runHooks(b, true)
	for _, op := range b.ops {
		metrics.RecordOperation(string(inv.node), op.Table, string(op.Kind))
		log.Debugf("  %s", op)
	}
	inv.writeThrough(ctx, b)
	log.Infof("committed %d operations", len(b.ops))
	recordAudit(event.WithSuccess())

	inv.state.NotifyStateChanged(b.TxID)
	return nil
}

func (inv *Invoker) runHooks(b *Batch, success bool) {
	// Hooks may schedule follow-ups on b, so iterate by index.
	for i := 0; i < len(b.hooks); i++ {
		h := b.hooks[i]
		if success && h.success != nil {
			h.success()
		}
		if !success && h.failure != nil {
			h.failure()
		}
	}
}

// writeThrough records the confirmed value of every row the batch touched.
func (inv *Invoker) writeThrough(ctx context.Context, b *Batch) {
	if inv.confirmed == nil {
		return
	}
	seen := make(map[model.TypedKey]bool, len(b.touched))
	for _, tk := range b.touched {
		if seen[tk] {
			continue
		}
		seen[tk] = true
		if err := writeConfirmed(ctx, inv.confirmed, inv.node, inv.state, tk); err != nil {
			util.WithEntity(string(inv.node), tk.Type.String(), tk.Key.String()).
				Warnf("confirmed store write failed: %v", err)
		}
	}
}

// writeConfirmed stores the cache's operational value for tk, or removes
// the entry when the cache has none.
func writeConfirmed(ctx context.Context, confirmed store.ConfirmedStore, node model.NodeID, state *DeviceState, tk model.TypedKey) error {
	if v, id, ok := state.Operational(tk); ok {
		return confirmed.Put(ctx, node, store.ConfirmedRecord{DeviceID: id, Value: v})
	}
	return confirmed.Delete(ctx, node, tk.Type, tk.Key)
}

// operationErrors combines the per-operation errors of a transaction.
func operationErrors(ops []device.Operation, results []device.OperationResult) error {
	if len(results) != len(ops) {
		return fmt.Errorf("%w: %d results for %d operations", util.ErrTransactionFailed, len(results), len(ops))
	}
	var err error
	for i, r := range results {
		if r.Error != "" {
			op := ops[i]
			err = multierr.Append(err, util.NewOperationError(string(op.Kind), op.Table, op.Key, r.Error))
		}
	}
	return err
}

func operationStrings(ops []device.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.String()
	}
	return out
}

func recordAudit(e *audit.Event) {
	if err := audit.Log(e); err != nil {
		util.WithNode(e.Node).Warnf("audit log write failed: %v", err)
	}
}
