package transact

import (
	"context"

	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// Dependencies is the classification of one change.
type Dependencies struct {
	// Config holds referenced keys that are not declared.
	Config DependencySet
	// InTransit holds referenced keys (and possibly the change's own key)
	// with an unconfirmed mutation outside the current batch.
	InTransit DependencySet
}

// Classifier computes the dependencies of a change against the cache.
type Classifier struct {
	state *DeviceState
}

// NewClassifier creates a classifier over state.
func NewClassifier(state *DeviceState) *Classifier {
	return &Classifier{state: state}
}

// Classify returns the unmet dependencies of c, which is about to be staged
// in b. Keys staged in b are satisfied by the batch itself.
func (c *Classifier) Classify(ctx context.Context, b *Batch, g DependencyGetter, ch model.Change) Dependencies {
	deps := Dependencies{Config: DependencySet{}, InTransit: DependencySet{}}

	v := ch.New
	if v == nil {
		v = ch.Old
	}
	lsKeys := g.LogicalSwitchDependencies(v)
	tpKeys := g.TerminationPointDependencies(v)

	// Deletions never wait for referenced keys to be declared; locators are
	// synthesized in the batch and never declared.
	if ch.New != nil {
		for _, k := range lsKeys {
			tk := model.TypedKey{Type: model.LogicalSwitch, Key: k}
			if b.IsStaged(tk) {
				continue
			}
			if !c.state.IsDeclaredAvailable(ctx, tk) {
				deps.Config.Add(tk.Type, tk.Key)
			}
		}
	}

	for _, k := range lsKeys {
		c.addInTransit(b, deps.InTransit, model.TypedKey{Type: model.LogicalSwitch, Key: k})
	}
	for _, k := range tpKeys {
		c.addInTransit(b, deps.InTransit, model.TypedKey{Type: model.PhysicalLocator, Key: k})
	}

	self := model.TypedKey{Type: ch.Type, Key: ch.Key}
	if c.state.IsQueued(self) {
		deps.InTransit.Add(self.Type, self.Key)
	} else {
		c.addInTransit(b, deps.InTransit, self)
	}
	return deps
}

func (c *Classifier) addInTransit(b *Batch, set DependencySet, tk model.TypedKey) {
	if c.state.inTransitOutside(tk, b.TxID) {
		set.Add(tk.Type, tk.Key)
	}
}
