package transact

import (
	"context"
	"sort"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/metrics"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// Expiry disambiguation outcomes.
const (
	outcomeCreateMissed = "create-missed"
	outcomeCreateAbsent = "create-absent"
	outcomeDeleteLate   = "delete-late"
	outcomeUpdateLate   = "update-late"
)

// scanOnce evaluates every parked job. Jobs whose dependencies are met are
// resumed together in one new batch; expired jobs are disambiguated against
// the device or dropped. committedTx names the transaction whose completion
// triggered the scan, if any.
func (m *Manager) scanOnce(ctx context.Context, committedTx string) {
	now := m.now()
	var released []*Job
	for _, job := range m.state.queue.snapshot() {
		if m.evaluate(ctx, job, committedTx) || (job.expired(now) && m.expire(ctx, job)) {
			if m.state.queue.take(job) {
				released = append(released, job)
			}
		}
	}
	if len(released) == 0 {
		return
	}

	sort.SliceStable(released, func(i, j int) bool {
		a, b := released[i], released[j]
		if a.Change.Type != b.Change.Type {
			return a.Change.Type < b.Change.Type
		}
		return !a.IsDelete() && b.IsDelete()
	})

	b := NewBatch(m.node)
	log := util.WithTransaction(string(m.node), b.TxID)
	for _, job := range released {
		tk := job.TypedKey()
		m.state.Dequeue(tk)
		metrics.RecordJob(string(m.node), job.Kind.String(), "released")
		log.Debugf("releasing %s job for %s", job.Kind, tk)
		job.resume(ctx, b, m.resolve(job))
	}
	m.submit(ctx, b)
}

// resolve picks the value a released job applies: the latest declared value
// for its key, or its own payload. Deletions always use the payload.
func (m *Manager) resolve(job *Job) model.Entity {
	if job.IsDelete() {
		return nil
	}
	if v, ok := m.state.Declared(job.TypedKey()); ok {
		return v
	}
	return job.Change.New
}

// evaluate reports whether every dependency of job is met.
func (m *Manager) evaluate(ctx context.Context, job *Job, committedTx string) bool {
	self := job.TypedKey()
	for _, dep := range job.Deps.Keys() {
		switch job.Kind {
		case ConfigWait:
			if !m.state.IsDeclaredAvailable(ctx, dep) {
				return false
			}
		case OpWait:
			if m.blockedInTransit(dep, committedTx) {
				return false
			}
			if dep != self && m.state.IsQueued(dep) {
				return false
			}
		}
	}
	return true
}

func (m *Manager) blockedInTransit(tk model.TypedKey, committedTx string) bool {
	txID, _, ok := m.state.inTransitInfo(tk)
	return ok && (committedTx == "" || txID != committedTx)
}

// expire handles a job past its deadline. ConfigWait jobs are dropped. An
// OpWait job has each in-transit dependency settled by asking the device;
// it is released if that leaves nothing to wait for, and dropped otherwise.
func (m *Manager) expire(ctx context.Context, job *Job) bool {
	tk := job.TypedKey()
	log := util.WithEntity(string(m.node), tk.Type.String(), tk.Key.String())

	if job.Kind == OpWait {
		settled := true
		for _, dep := range job.Deps.Keys() {
			if m.state.IsInTransit(dep) && !m.disambiguate(ctx, dep) {
				settled = false
			}
		}
		if settled && m.evaluate(ctx, job, "") {
			log.Infof("dependencies settled by device query after expiry")
			return true
		}
	}

	if m.state.queue.take(job) {
		m.state.Dequeue(tk)
		metrics.RecordJob(string(m.node), job.Kind.String(), "expired")
		log.Warnf("%s job expired waiting on %s", job.Kind, job.Deps)
		m.lost(tk, "expired")
	}
	return false
}

// disambiguate asks the device for tk's row and converges the cache to the
// answer, clearing the in-transit marker.
func (m *Manager) disambiguate(ctx context.Context, tk model.TypedKey) bool {
	log := util.WithEntity(string(m.node), tk.Type.String(), tk.Key.String())

	qctx, cancel := context.WithTimeout(ctx, m.cfg.IntentReadTimeout)
	defer cancel()
	row, err := m.client.Query(qctx, tk.Type.Table(), tk.Key.String())
	if err != nil {
		log.Warnf("device query failed: %v", err)
		return false
	}

	_, _, known := m.state.Operational(tk)
	var outcome string
	switch {
	case row != nil:
		v, err := model.Decode(tk.Type, tk.Key, row.Fields)
		if err != nil {
			log.Warnf("cannot decode device row: %v", err)
			return false
		}
		m.state.UpdateOperational(tk, row.UUID, v)
		outcome = outcomeUpdateLate
		if !known {
			outcome = outcomeCreateMissed
		}
	default:
		m.state.ClearOperational(tk)
		outcome = outcomeDeleteLate
		if !known {
			outcome = outcomeCreateAbsent
		}
	}
	m.state.ClearInTransit(tk)
	metrics.RecordExpiry(string(m.node), outcome)
	log.Infof("in-transit marker settled by device query: %s", outcome)

	if m.confirmed != nil {
		if err := writeConfirmed(ctx, m.confirmed, m.node, m.state, tk); err != nil {
			log.Warnf("confirmed store write failed: %v", err)
		}
	}
	return true
}
