package transact

import (
	"context"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// Aggregator runs every per-type reconciler over one change set, in phase
// order, into a single batch.
type Aggregator struct {
	node        model.NodeID
	reconcilers []*Reconciler
}

// Process stages the changes into b. Changes for types no reconciler owns
// are ignored.
func (a *Aggregator) Process(ctx context.Context, b *Batch, changes []model.Change) {
	p := newPass(ctx, b, changes)
	for _, r := range a.reconcilers {
		r.Reconcile(p, p.updated[r.typ], p.deleted[r.typ])
		delete(p.updated, r.typ)
		delete(p.deleted, r.typ)
	}
	for t, cs := range p.updated {
		util.WithNode(string(a.node)).Debugf("ignoring %d %s changes", len(cs), t)
	}
	for t, cs := range p.deleted {
		util.WithNode(string(a.node)).Debugf("ignoring %d %s deletions", len(cs), t)
	}
}
