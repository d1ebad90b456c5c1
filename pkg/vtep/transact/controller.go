package transact

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
)

// Controller routes intent change sets to the manager of each gateway node
// and keeps disconnected nodes resynchronizing.
type Controller struct {
	watcher   store.IntentWatcher
	managers  map[model.NodeID]*Manager
	supervise time.Duration
}

// NewController creates a controller over the given managers. supervise is
// how often disconnected nodes are retried; zero disables it.
func NewController(watcher store.IntentWatcher, supervise time.Duration, managers ...*Manager) *Controller {
	c := &Controller{
		watcher:   watcher,
		managers:  make(map[model.NodeID]*Manager, len(managers)),
		supervise: supervise,
	}
	for _, m := range managers {
		c.managers[m.Node()] = m
	}
	return c
}

// Manager returns the manager of node.
func (c *Controller) Manager(node model.NodeID) (*Manager, error) {
	m, ok := c.managers[node]
	if !ok {
		return nil, fmt.Errorf("%w: %s", util.ErrUnknownNode, node)
	}
	return m, nil
}

// Nodes lists the managed nodes in name order.
func (c *Controller) Nodes() []model.NodeID {
	nodes := make([]model.NodeID, 0, len(c.managers))
	for n := range c.managers {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// Statuses returns the status of every node, ordered by node name.
func (c *Controller) Statuses() []Status {
	out := make([]Status, 0, len(c.managers))
	for _, n := range c.Nodes() {
		out = append(out, c.managers[n].Status())
	}
	return out
}

// Run starts every manager, reconciles all nodes in parallel, and then
// routes change sets until ctx is done. Per-node failures are logged and
// retried by supervision; they never stop the controller.
func (c *Controller) Run(ctx context.Context) error {
	changes, err := c.watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch intent: %w", err)
	}

	for _, m := range c.managers {
		m.Start(ctx)
	}
	defer func() {
		for _, m := range c.managers {
			m.Stop()
		}
	}()

	c.ReconcileAll(ctx)

	var tick <-chan time.Time
	if c.supervise > 0 {
		ticker := time.NewTicker(c.supervise)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case cs, ok := <-changes:
			if !ok {
				return nil
			}
			c.route(ctx, cs)
		case <-tick:
			c.resyncDisconnected(ctx)
		}
	}
}

// ReconcileAll runs a full reconciliation of every node in parallel.
func (c *Controller) ReconcileAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range c.managers {
		m := m
		g.Go(func() error {
			if err := m.Reconcile(gctx); err != nil {
				util.WithNode(string(m.Node())).Warnf("initial reconciliation failed: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) route(ctx context.Context, cs model.ChangeSet) {
	m, err := c.Manager(cs.Node)
	if err != nil {
		util.Logger.Debugf("dropping change set: %v", err)
		return
	}
	if err := m.OnChangeSet(ctx, cs); err != nil {
		util.WithNode(string(cs.Node)).Warnf("change set rejected: %v", err)
	}
}

func (c *Controller) resyncDisconnected(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range c.managers {
		if !m.Disconnected() {
			continue
		}
		m := m
		g.Go(func() error {
			if err := m.Resync(gctx); err != nil {
				util.WithNode(string(m.Node())).Debugf("resync: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
