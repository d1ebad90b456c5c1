package transact

import (
	"context"
	"strings"
	"time"

	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// JobKind says what a pending job waits for.
type JobKind int

const (
	// ConfigWait jobs wait for a referenced key to become declared.
	ConfigWait JobKind = iota
	// OpWait jobs wait for referenced keys to leave the in-transit state.
	OpWait
)

func (k JobKind) String() string {
	if k == ConfigWait {
		return "config-wait"
	}
	return "op-wait"
}

// DependencySet groups dependency keys by entity type.
type DependencySet map[model.EntityType]map[model.Key]struct{}

// Add records a dependency on t/key.
func (d DependencySet) Add(t model.EntityType, key model.Key) {
	keys, ok := d[t]
	if !ok {
		keys = make(map[model.Key]struct{})
		d[t] = keys
	}
	keys[key] = struct{}{}
}

// Contains reports whether t/key is a dependency.
func (d DependencySet) Contains(t model.EntityType, key model.Key) bool {
	_, ok := d[t][key]
	return ok
}

func (d DependencySet) Empty() bool {
	for _, keys := range d {
		if len(keys) > 0 {
			return false
		}
	}
	return true
}

// Keys returns the dependencies in type then key order.
func (d DependencySet) Keys() []model.TypedKey {
	var out []model.TypedKey
	for t, keys := range d {
		for k := range keys {
			out = append(out, model.TypedKey{Type: t, Key: k})
		}
	}
	sortTypedKeys(out)
	return out
}

func (d DependencySet) String() string {
	keys := d.Keys()
	parts := make([]string, len(keys))
	for i, tk := range keys {
		parts[i] = tk.String()
	}
	return strings.Join(parts, ",")
}

// Continuation finishes a job's dispatch once its dependencies are met.
// resolved is the value to apply: the latest declared value for the key, or
// the job's own payload.
type Continuation func(ctx context.Context, b *Batch, resolved model.Entity)

// Job is a change parked until its dependencies are satisfied. Jobs for the
// same key supersede each other.
type Job struct {
	Change    model.Change
	Deps      DependencySet
	Kind      JobKind
	TxID      string // batch that parked the job
	CreatedAt time.Time
	ExpiresAt time.Time

	resume Continuation
}

func (j *Job) TypedKey() model.TypedKey {
	return model.TypedKey{Type: j.Change.Type, Key: j.Change.Key}
}

// IsDelete reports whether the parked change is a deletion.
func (j *Job) IsDelete() bool {
	return j.Change.New == nil
}

func (j *Job) expired(now time.Time) bool {
	return !now.Before(j.ExpiresAt)
}
