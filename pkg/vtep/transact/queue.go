package transact

import (
	"fmt"
	"sync"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/metrics"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// DependencyQueue holds the ConfigWait and OpWait FIFOs of one node.
type DependencyQueue struct {
	node     model.NodeID
	capacity int

	mu     sync.Mutex
	queues [2][]*Job
}

func newDependencyQueue(node model.NodeID, capacity int) *DependencyQueue {
	return &DependencyQueue{node: node, capacity: capacity}
}

// add appends job to its FIFO, replacing any job already parked for the
// same key. A full FIFO rejects the job with ErrQueueFull and leaves both
// FIFOs as they were.
func (q *DependencyQueue) add(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tk := job.TypedKey()
	n := len(q.queues[job.Kind])
	if old := q.findLocked(tk); old != nil && old.Kind == job.Kind {
		n--
	}
	if n >= q.capacity {
		return fmt.Errorf("%w: %s queue holds %d jobs", util.ErrQueueFull, job.Kind, q.capacity)
	}
	q.removeLocked(tk)
	q.queues[job.Kind] = append(q.queues[job.Kind], job)
	q.gaugeLocked()
	metrics.RecordJob(string(q.node), job.Kind.String(), "enqueued")
	return nil
}

// has reports whether a job is parked for tk.
func (q *DependencyQueue) has(tk model.TypedKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.findLocked(tk) != nil
}

func (q *DependencyQueue) findLocked(tk model.TypedKey) *Job {
	for kind := range q.queues {
		for _, j := range q.queues[kind] {
			if j.TypedKey() == tk {
				return j
			}
		}
	}
	return nil
}

func (q *DependencyQueue) removeLocked(tk model.TypedKey) *Job {
	for kind := range q.queues {
		for i, j := range q.queues[kind] {
			if j.TypedKey() == tk {
				q.queues[kind] = append(q.queues[kind][:i:i], q.queues[kind][i+1:]...)
				return j
			}
		}
	}
	return nil
}

// take removes job if it is still parked; a superseded job is not.
func (q *DependencyQueue) take(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.queues[job.Kind] {
		if j == job {
			q.queues[job.Kind] = append(q.queues[job.Kind][:i:i], q.queues[job.Kind][i+1:]...)
			q.gaugeLocked()
			return true
		}
	}
	return false
}

// snapshot returns the parked jobs, ConfigWait first, each in FIFO order.
func (q *DependencyQueue) snapshot() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.queues[ConfigWait])+len(q.queues[OpWait]))
	out = append(out, q.queues[ConfigWait]...)
	return append(out, q.queues[OpWait]...)
}

// drain removes and returns every parked job.
func (q *DependencyQueue) drain() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append(append([]*Job{}, q.queues[ConfigWait]...), q.queues[OpWait]...)
	q.queues[ConfigWait] = nil
	q.queues[OpWait] = nil
	q.gaugeLocked()
	return out
}

// Len returns the number of jobs parked in the kind's FIFO.
func (q *DependencyQueue) Len(kind JobKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[kind])
}

func (q *DependencyQueue) gaugeLocked() {
	metrics.SetQueueDepth(string(q.node), ConfigWait.String(), len(q.queues[ConfigWait]))
	metrics.SetQueueDepth(string(q.node), OpWait.String(), len(q.queues[OpWait]))
}
