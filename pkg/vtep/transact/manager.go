// Package transact is the southbound reconciliation engine: it turns
// declared-intent change sets into dependency-ordered device transactions,
// tracks unconfirmed mutations, parks work whose references are not
// resolvable yet, and converges the cache with the device after failures,
// expiry and disconnects.
package transact

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newtron-network/vtepsync/pkg/audit"
	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/metrics"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
)

// Manager owns the reconciliation engine of one gateway node.
//
// When started, batches are built on a single worker goroutine and executed
// in order on a single committer goroutine, so a node never has two
// transactions in flight to its device while new changes keep being
// classified. The queue scan runs on its own ticker. A Manager that is not
// started does all of this inline on the caller's goroutine, and keeps
// follow-ups until runDeferred is called.
type Manager struct {
	node      model.NodeID
	cfg       Config
	client    device.Client
	intent    store.IntentReader
	confirmed store.ConfirmedStore

	state      *DeviceState
	classifier *Classifier
	aggregator *Aggregator
	invoker    *Invoker

	reconciling  atomic.Bool
	disconnected atomic.Bool
	lostUpdates  atomic.Int64
	pending      atomic.Int64

	mu       sync.Mutex
	started  bool
	scanning bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	work     *workQueue
	commits  *workQueue
	deferred []FollowUp
}

// NewManager wires the engine for node. intent and confirmed may be nil.
func NewManager(node model.NodeID, cfg Config, client device.Client, intent store.IntentReader, confirmed store.ConfirmedStore) *Manager {
	cfg = cfg.withDefaults()
	state := NewDeviceState(node, intent, cfg.IntentReadTimeout)
	state.queue = newDependencyQueue(node, cfg.QueueCapacity)

	m := &Manager{
		node:       node,
		cfg:        cfg,
		client:     client,
		intent:     intent,
		confirmed:  confirmed,
		state:      state,
		classifier: NewClassifier(state),
		invoker:    NewInvoker(node, client, confirmed, state),
		work:       newWorkQueue(),
		commits:    newWorkQueue(),
	}
	m.aggregator = &Aggregator{node: node, reconcilers: newReconcilers(m)}
	state.onStateChanged = m.requestScan
	return m
}

func (m *Manager) Node() model.NodeID {
	return m.node
}

// State exposes the node's cache for inspection.
func (m *Manager) State() *DeviceState {
	return m.state
}

func (m *Manager) now() time.Time {
	return m.state.now()
}

// ============================================================================
// Entry points
// ============================================================================

// OnChangeSet processes one change set for this node. In reconciliation mode
// the set is taken as the complete declared state and diffed against the
// confirmed cache; otherwise its changes are applied as given.
func (m *Manager) OnChangeSet(ctx context.Context, cs model.ChangeSet) error {
	if cs.Node != m.node {
		return fmt.Errorf("%w: %s (manager for %s)", util.ErrUnknownNode, cs.Node, m.node)
	}
	changes := cs.Changes
	m.run(ctx, func(ctx context.Context) {
		m.handleChanges(ctx, changes)
	})
	return nil
}

func (m *Manager) IsInReconciliation() bool {
	return m.reconciling.Load()
}

func (m *Manager) SetInReconciliation(on bool) {
	m.reconciling.Store(on)
}

// Reconcile resynchronizes the node: the cache is seeded from the confirmed
// store and the full declared state is diffed against it.
//
// The snapshot is taken on the worker once every batch already handed to the
// committer has been answered, so commits finishing in between cannot be
// lost by the seed. A started manager returns as soon as the pass is queued;
// its outcome is logged and audited.
func (m *Manager) Reconcile(ctx context.Context) error {
	start := time.Now()
	if perr := m.client.Ping(ctx); perr != nil {
		m.run(ctx, func(context.Context) { m.handleDisconnect(perr) })
		err := fmt.Errorf("reconcile %s: %w", m.node, perr)
		m.recordReconcile(start, err)
		return err
	}

	errc := make(chan error, 1)
	m.run(ctx, func(ctx context.Context) {
		err := m.reconcileOnWorker(ctx)
		if err != nil {
			err = fmt.Errorf("reconcile %s: %w", m.node, err)
			util.WithNode(string(m.node)).Error(err)
		}
		m.recordReconcile(start, err)
		errc <- err
	})
	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func (m *Manager) reconcileOnWorker(ctx context.Context) error {
	m.drainCommits(ctx)
	recs, declared, err := m.snapshot(ctx)
	if err != nil {
		return err
	}
	util.WithNode(string(m.node)).Infof("reconciling %d declared against %d confirmed entities", len(declared), len(recs))

	cs := model.ChangeSet{Node: m.node}
	for _, v := range declared {
		cs.Add(v, nil)
	}
	m.state.Seed(recs)
	m.disconnected.Store(false)
	m.SetInReconciliation(true)
	defer m.SetInReconciliation(false)

	b := NewBatch(m.node)
	for _, v := range m.state.OperationalValues(model.PhysicalLocator) {
		tk := typedKeyOf(v)
		if m.state.RefCount(tk) == 0 {
			b.After(m.locatorCleanup(tk))
		}
	}
	m.handleChangesInto(ctx, b, cs.Changes)
	return nil
}

func (m *Manager) recordReconcile(start time.Time, err error) {
	metrics.RecordReconciliation(string(m.node), err == nil)
	event := audit.NewEvent(string(m.node), audit.EventTypeReconcile).WithDuration(time.Since(start))
	if err != nil {
		event.WithError(err)
	} else {
		event.WithSuccess()
	}
	recordAudit(event)
}

// drainCommits blocks until every batch already handed to the committer has
// been executed. Must run on the worker, which is the only submitter.
func (m *Manager) drainCommits(ctx context.Context) {
	if !m.isStarted() {
		return
	}
	flushed := make(chan struct{})
	m.pending.Add(1)
	m.commits.push(func(context.Context) { close(flushed) })
	select {
	case <-flushed:
	case <-ctx.Done():
	}
}

// Preview returns the changes a reconciliation would apply, without
// touching the cache or the device.
func (m *Manager) Preview(ctx context.Context) ([]model.Change, error) {
	recs, declared, err := m.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", m.node, err)
	}
	confirmed := make([]model.Entity, 0, len(recs))
	for _, rec := range recs {
		confirmed = append(confirmed, rec.Value)
	}
	return Diff(declared, confirmed), nil
}

func (m *Manager) snapshot(ctx context.Context) ([]store.ConfirmedRecord, []model.Entity, error) {
	var recs []store.ConfirmedRecord
	if m.confirmed != nil {
		var err error
		if recs, err = m.confirmed.Snapshot(ctx, m.node); err != nil {
			return nil, nil, fmt.Errorf("confirmed snapshot: %w", err)
		}
	}
	var declared []model.Entity
	if m.intent != nil {
		var err error
		if declared, err = m.intent.ReadAll(ctx, m.node); err != nil {
			return nil, nil, fmt.Errorf("read intent: %w", err)
		}
	}
	return recs, declared, nil
}

func (m *Manager) handleChanges(ctx context.Context, changes []model.Change) {
	m.handleChangesInto(ctx, NewBatch(m.node), changes)
}

func (m *Manager) handleChangesInto(ctx context.Context, b *Batch, changes []model.Change) {
	if m.IsInReconciliation() {
		var declared []model.Entity
		for _, c := range changes {
			if c.New != nil {
				declared = append(declared, c.New)
			}
		}
		changes = Diff(declared, m.state.OperationalValues(declaredTypes...))
		m.state.adoptConfirmed(declared)
		util.WithNode(string(m.node)).Infof("reconciliation diff: %d changes", len(changes))
	}
	m.aggregator.Process(ctx, b, changes)
	m.submit(ctx, b)
}

// ============================================================================
// Scheduling
// ============================================================================

// Start launches the worker, committer and scan goroutines. They stop when
// ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.wg.Add(2)
	go m.work.run(m.ctx, &m.wg, m.done)
	go m.commits.run(m.ctx, &m.wg, m.done)
	m.startScannerLocked()
	util.WithNode(string(m.node)).Debug("engine started")
}

// Stop cancels the goroutines and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.started = false
	m.scanning = false
	m.mu.Unlock()
}

func (m *Manager) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// WaitIdle blocks until no work, commit or delayed follow-up is outstanding.
// Jobs parked in the dependency queue do not count.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for m.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (m *Manager) done() {
	m.pending.Add(-1)
}

// run executes fn on the worker, or inline when not started.
func (m *Manager) run(ctx context.Context, fn func(context.Context)) {
	if !m.isStarted() {
		fn(ctx)
		return
	}
	m.pending.Add(1)
	m.work.push(fn)
}

// submit hands b to the committer, or commits inline when not started.
func (m *Manager) submit(ctx context.Context, b *Batch) {
	if b.IsEmpty() {
		return
	}
	if !m.isStarted() {
		m.commit(ctx, b)
		return
	}
	m.pending.Add(1)
	m.commits.push(func(ctx context.Context) { m.commit(ctx, b) })
}

func (m *Manager) commit(ctx context.Context, b *Batch) {
	if err := m.invoker.Invoke(ctx, b); err != nil {
		util.WithTransaction(string(m.node), b.TxID).Debugf("commit: %v", err)
	}
	for _, f := range b.FollowUps() {
		m.schedule(f)
	}
}

// schedule runs f on the worker after its delay. A manager that is not
// started keeps it for runDeferred.
func (m *Manager) schedule(f FollowUp) {
	run := func(ctx context.Context) {
		b := NewBatch(m.node)
		f.Build(b)
		m.submit(ctx, b)
	}

	m.mu.Lock()
	if !m.started {
		m.deferred = append(m.deferred, f)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if f.Delay <= 0 {
		m.pending.Add(1)
		m.work.push(run)
		return
	}
	m.pending.Add(1)
	time.AfterFunc(f.Delay, func() {
		if m.isStarted() {
			m.pending.Add(1)
			m.work.push(run)
		}
		m.done()
	})
}

// runDeferred runs the follow-ups kept while not started and returns how
// many ran.
func (m *Manager) runDeferred(ctx context.Context) int {
	m.mu.Lock()
	pending := m.deferred
	m.deferred = nil
	m.mu.Unlock()

	for _, f := range pending {
		b := NewBatch(m.node)
		f.Build(b)
		m.submit(ctx, b)
	}
	return len(pending)
}

// requestScan re-evaluates the dependency queue after txID completed.
func (m *Manager) requestScan(txID string) {
	m.run(context.Background(), func(ctx context.Context) {
		m.scanOnce(ctx, txID)
	})
}

func (m *Manager) startScannerLocked() {
	if m.scanning {
		return
	}
	m.scanning = true
	m.wg.Add(1)
	go m.scanLoop(m.ctx)
}

// scanLoop re-evaluates the queue every scan interval while the device is
// reachable. On a failed liveness check it hands the disconnect to the
// worker and stops rearming.
func (m *Manager) scanLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.client.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			m.scanning = false
			m.mu.Unlock()
			m.run(ctx, func(context.Context) { m.handleDisconnect(err) })
			return
		}
		m.requestScan("")
	}
}

// handleDisconnect force-fails everything outstanding for the node: in-transit
// markers are cleared, parked jobs are dropped, and reconciliation must be
// re-entered to resynchronize.
func (m *Manager) handleDisconnect(cause error) {
	log := util.WithNode(string(m.node))
	m.disconnected.Store(true)
	m.SetInReconciliation(false)

	cleared := m.state.ClearAllInTransit()
	jobs := m.state.queue.drain()
	for _, job := range jobs {
		tk := job.TypedKey()
		m.state.Dequeue(tk)
		metrics.RecordJob(string(m.node), job.Kind.String(), "dropped")
		m.lost(tk, "disconnected")
	}
	log.Warnf("device disconnected (%v): cleared %d in-transit markers, dropped %d jobs",
		cause, len(cleared), len(jobs))
	recordAudit(audit.NewEvent(string(m.node), audit.EventTypeDisconnect).
		WithReason(fmt.Sprintf("%d in transit, %d queued", len(cleared), len(jobs))).
		WithError(cause))
}

// Disconnected reports whether the node lost its device since the last
// successful reconciliation.
func (m *Manager) Disconnected() bool {
	return m.disconnected.Load()
}

// connector is implemented by clients that can re-dial their device.
type connector interface {
	Connect(ctx context.Context) error
}

// Resync reconnects to the device, restarts the queue scan and reconciles.
func (m *Manager) Resync(ctx context.Context) error {
	if c, ok := m.client.(connector); ok {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("resync %s: %w", m.node, err)
		}
	} else if err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("resync %s: %w", m.node, err)
	}

	m.mu.Lock()
	if m.started {
		m.startScannerLocked()
	}
	m.mu.Unlock()

	util.WithNode(string(m.node)).Info("device reachable again, reconciling")
	return m.Reconcile(ctx)
}

// ============================================================================
// Status
// ============================================================================

// Status is a point-in-time view of one node's engine.
type Status struct {
	Node             model.NodeID
	Connected        bool
	InReconciliation bool
	Cache            StateSummary
	ConfigWait       int
	OpWait           int
	LostUpdates      int64
}

func (m *Manager) Status() Status {
	return Status{
		Node:             m.node,
		Connected:        m.client.IsConnected() && !m.Disconnected(),
		InReconciliation: m.IsInReconciliation(),
		Cache:            m.state.Summary(),
		ConfigWait:       m.state.queue.Len(ConfigWait),
		OpWait:           m.state.queue.Len(OpWait),
		LostUpdates:      m.lostUpdates.Load(),
	}
}

// ============================================================================
// Work queue
// ============================================================================

// workQueue is an unbounded FIFO of work run by one goroutine. Pushing never
// blocks, so the worker and committer can feed each other.
type workQueue struct {
	mu     sync.Mutex
	items  []func(context.Context)
	signal chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{signal: make(chan struct{}, 1)}
}

func (q *workQueue) push(fn func(context.Context)) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *workQueue) pop() (func(context.Context), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

func (q *workQueue) run(ctx context.Context, wg *sync.WaitGroup, done func()) {
	defer wg.Done()
	for {
		fn, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.signal:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
		done()
	}
}
