package transact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// builder stages the device operations for one entity type.
type builder interface {
	upsert(b *Batch, tk model.TypedKey, v model.Entity) error
	remove(b *Batch, tk model.TypedKey, old model.Entity) error
}

// unresolvedError reports a reference whose device row id is not known yet.
type unresolvedError struct {
	dep model.TypedKey
}

func (e *unresolvedError) Error() string {
	return fmt.Sprintf("no device row for %s", e.dep)
}

// Reconciler turns the changes of one entity type into staged operations,
// parked jobs, or nothing at all.
type Reconciler struct {
	typ     model.EntityType
	deps    DependencyGetter
	build   builder
	cascade bool // delete children of deleted logical switches
	m       *Manager
}

func (r *Reconciler) Type() model.EntityType {
	return r.typ
}

// Reconcile processes the pass's updates for this type, then its deletions.
func (r *Reconciler) Reconcile(p *Pass, updated, deleted []model.Change) {
	for _, c := range updated {
		r.process(p.ctx, p.batch, c, time.Time{})
	}
	if r.cascade {
		deleted = append(deleted, r.cascaded(p)...)
	}
	for _, c := range deleted {
		r.process(p.ctx, p.batch, c, time.Time{})
	}
}

// cascaded returns deletions for confirmed children of the logical switches
// deleted in this pass that the pass does not already touch.
func (r *Reconciler) cascaded(p *Pass) []model.Change {
	var out []model.Change
	for _, ls := range p.deletedSwitches {
		for _, v := range r.m.state.OperationalByParent(r.typ, ls) {
			tk := typedKeyOf(v)
			if p.changed[tk] {
				continue
			}
			p.changed[tk] = true
			out = append(out, model.Change{Type: r.typ, Key: tk.Key, Old: v})
		}
	}
	return out
}

// process classifies c and dispatches or parks it. deadline carries the
// expiry of a released job so re-parking does not extend it.
func (r *Reconciler) process(ctx context.Context, b *Batch, c model.Change, deadline time.Time) {
	tk := model.TypedKey{Type: c.Type, Key: c.Key}
	log := util.WithEntity(string(r.m.node), c.Type.String(), c.Key.String())

	if b.IsStaged(tk) {
		log.Debug("already staged in this batch")
		return
	}

	if c.New != nil {
		if err := model.Validate(c.New); err != nil {
			log.Warnf("rejecting declared value: %v", err)
			r.m.lost(tk, "invalid")
			return
		}
		if !r.m.state.IsQueued(tk) && r.m.state.isDispatched(tk, c.New) {
			log.Debug("identical to dispatched value, suppressed")
			return
		}
		r.m.state.UpdateDeclared(tk, c.New)
	} else {
		r.m.state.ClearDeclared(tk)
	}

	deps := r.m.classifier.Classify(ctx, b, r.deps, c)
	switch {
	case !deps.Config.Empty():
		r.park(b, c, deps.Config, ConfigWait, deadline)
	case !deps.InTransit.Empty():
		r.park(b, c, deps.InTransit, OpWait, deadline)
	default:
		r.dispatch(ctx, b, c, c.New, deadline)
	}
}

// dispatch stages c with value v (nil for a deletion).
func (r *Reconciler) dispatch(ctx context.Context, b *Batch, c model.Change, v model.Entity, deadline time.Time) {
	tk := model.TypedKey{Type: c.Type, Key: c.Key}
	log := util.WithEntity(string(r.m.node), c.Type.String(), c.Key.String())

	var err error
	if v == nil {
		err = r.build.remove(b, tk, c.Old)
	} else {
		err = r.build.upsert(b, tk, v)
	}

	var unresolved *unresolvedError
	if errors.As(err, &unresolved) {
		log.Debugf("reference not on device yet: %s", unresolved.dep)
		deps := DependencySet{}
		deps.Add(unresolved.dep.Type, unresolved.dep.Key)
		r.park(b, c, deps, OpWait, deadline)
		return
	}
	if err != nil {
		log.Warnf("cannot stage change: %v", err)
		r.m.lost(tk, "build-failed")
		return
	}

	if v == nil {
		r.m.state.ClearDeclared(tk)
	} else {
		r.m.state.markDispatched(tk, v)
	}
	log.Debugf("staged %s in %s", c.Kind(), b.TxID)
}

// park queues c until deps are met.
func (r *Reconciler) park(b *Batch, c model.Change, deps DependencySet, kind JobKind, deadline time.Time) {
	tk := model.TypedKey{Type: c.Type, Key: c.Key}
	log := util.WithEntity(string(r.m.node), c.Type.String(), c.Key.String())
	now := r.m.now()
	expires := now.Add(r.m.cfg.JobTTL)
	if !deadline.IsZero() && deadline.Before(expires) {
		expires = deadline
	}
	if !now.Before(expires) {
		log.Warnf("released job blocked again on %s after its deadline", deps)
		r.m.lost(tk, "expired")
		return
	}

	job := &Job{
		Change:    c,
		Deps:      deps,
		Kind:      kind,
		TxID:      b.TxID,
		CreatedAt: now,
		ExpiresAt: expires,
	}
	if kind == ConfigWait {
		job.resume = func(ctx context.Context, nb *Batch, v model.Entity) {
			rc := c
			rc.New = v
			r.process(ctx, nb, rc, job.ExpiresAt)
		}
	} else {
		job.resume = func(ctx context.Context, nb *Batch, v model.Entity) {
			r.dispatch(ctx, nb, c, v, job.ExpiresAt)
		}
	}

	if err := r.m.state.Enqueue(job); err != nil {
		log.Warnf("dropping change: %v", err)
		r.m.lost(tk, "queue-full")
		return
	}
	log.Debugf("parked %s waiting on %s", kind, deps)
}

// Pass is one run of the aggregator over a set of changes.
type Pass struct {
	ctx             context.Context
	batch           *Batch
	updated         map[model.EntityType][]model.Change
	deleted         map[model.EntityType][]model.Change
	changed         map[model.TypedKey]bool
	deletedSwitches []string
}

func newPass(ctx context.Context, b *Batch, changes []model.Change) *Pass {
	p := &Pass{
		ctx:     ctx,
		batch:   b,
		updated: make(map[model.EntityType][]model.Change),
		deleted: make(map[model.EntityType][]model.Change),
		changed: make(map[model.TypedKey]bool),
	}

	// The last change for a key wins.
	last := make(map[model.TypedKey]model.Change, len(changes))
	var order []model.TypedKey
	for _, c := range changes {
		tk := model.TypedKey{Type: c.Type, Key: c.Key}
		if _, seen := last[tk]; !seen {
			order = append(order, tk)
		}
		last[tk] = c
	}

	for _, tk := range order {
		c := last[tk]
		p.changed[tk] = true
		if c.Kind() == model.Delete {
			p.deleted[c.Type] = append(p.deleted[c.Type], c)
			if c.Type == model.LogicalSwitch {
				p.deletedSwitches = append(p.deletedSwitches, c.Key.Name)
			}
		} else {
			p.updated[c.Type] = append(p.updated[c.Type], c)
		}
	}
	sort.Strings(p.deletedSwitches)
	return p
}
