package transact

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
)

// record is everything the cache knows about one key.
type record struct {
	declared   model.Entity // latest declared value seen
	dispatched model.Entity // last value sent toward the device

	operational model.Entity
	deviceID    string

	inTransit bool
	txID      string
	markedAt  time.Time
}

func (r *record) empty() bool {
	return r.declared == nil && r.dispatched == nil && r.operational == nil && !r.inTransit
}

// DeviceState is the per-node cache of declared and confirmed values,
// in-transit markers, queued markers and locator reference counts.
// It is safe for concurrent use; only IsDeclaredAvailable may block, bounded
// by the intent read timeout.
type DeviceState struct {
	node        model.NodeID
	intent      store.IntentReader
	readTimeout time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	records map[model.TypedKey]*record
	queued  map[model.TypedKey]bool
	refs    map[model.TypedKey]map[model.TypedKey]struct{}

	queue          *DependencyQueue
	onStateChanged func(txID string)
}

// NewDeviceState creates an empty cache for node. intent may be nil, in
// which case declared-availability is answered from the cache alone.
func NewDeviceState(node model.NodeID, intent store.IntentReader, readTimeout time.Duration) *DeviceState {
	return &DeviceState{
		node:        node,
		intent:      intent,
		readTimeout: readTimeout,
		now:         time.Now,
		records:     make(map[model.TypedKey]*record),
		queued:      make(map[model.TypedKey]bool),
		refs:        make(map[model.TypedKey]map[model.TypedKey]struct{}),
	}
}

func (s *DeviceState) recordLocked(tk model.TypedKey) *record {
	r, ok := s.records[tk]
	if !ok {
		r = &record{}
		s.records[tk] = r
	}
	return r
}

func (s *DeviceState) pruneLocked(tk model.TypedKey) {
	if r, ok := s.records[tk]; ok && r.empty() {
		delete(s.records, tk)
	}
}

// ============================================================================
// In-transit markers
// ============================================================================

func (s *DeviceState) IsInTransit(tk model.TypedKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[tk]
	return ok && r.inTransit
}

// inTransitInfo returns the marking transaction and time of an in-transit key.
func (s *DeviceState) inTransitInfo(tk model.TypedKey) (txID string, since time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, found := s.records[tk]
	if !found || !r.inTransit {
		return "", time.Time{}, false
	}
	return r.txID, r.markedAt, true
}

// inTransitOutside reports whether tk is in transit under a transaction
// other than txID.
func (s *DeviceState) inTransitOutside(tk model.TypedKey, txID string) bool {
	id, _, ok := s.inTransitInfo(tk)
	return ok && id != txID
}

func (s *DeviceState) MarkInTransit(tk model.TypedKey, txID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(tk)
	r.inTransit = true
	r.txID = txID
	r.markedAt = s.now()
}

func (s *DeviceState) ClearInTransit(tk model.TypedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[tk]; ok {
		r.inTransit = false
		r.txID = ""
		s.pruneLocked(tk)
	}
}

// ClearAllInTransit force-clears every in-transit marker and forgets what
// was dispatched, as if every outstanding transaction failed. Returns the
// keys that were in transit.
func (s *DeviceState) ClearAllInTransit() []model.TypedKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cleared []model.TypedKey
	for tk, r := range s.records {
		if r.inTransit {
			cleared = append(cleared, tk)
		}
		r.inTransit = false
		r.txID = ""
		r.dispatched = nil
		s.pruneLocked(tk)
	}
	sortTypedKeys(cleared)
	return cleared
}

// ============================================================================
// Operational (confirmed) values
// ============================================================================

// Operational returns the confirmed value and device row id for tk.
func (s *DeviceState) Operational(tk model.TypedKey) (model.Entity, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[tk]
	if !ok || r.operational == nil {
		return nil, "", false
	}
	return r.operational, r.deviceID, true
}

func (s *DeviceState) UpdateOperational(tk model.TypedKey, deviceID string, v model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(tk)
	r.operational = v
	r.deviceID = deviceID
}

func (s *DeviceState) ClearOperational(tk model.TypedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[tk]; ok {
		r.operational = nil
		r.deviceID = ""
		s.pruneLocked(tk)
	}
}

// OperationalByParent returns confirmed values of type t scoped under parent.
func (s *DeviceState) OperationalByParent(t model.EntityType, parent string) []model.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Entity
	for tk, r := range s.records {
		if tk.Type == t && tk.Key.Parent == parent && r.operational != nil {
			out = append(out, r.operational)
		}
	}
	sortEntities(out)
	return out
}

// OperationalValues returns every confirmed value of the given types, or of
// every type when none are given.
func (s *DeviceState) OperationalValues(types ...model.EntityType) []model.Entity {
	want := make(map[model.EntityType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Entity
	for tk, r := range s.records {
		if r.operational != nil && (len(want) == 0 || want[tk.Type]) {
			out = append(out, r.operational)
		}
	}
	sortEntities(out)
	return out
}

// Seed replaces the cache contents with a confirmed-state snapshot and
// rebuilds locator reference counts from it. Queued markers are kept.
func (s *DeviceState) Seed(recs []store.ConfirmedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[model.TypedKey]*record, len(recs))
	s.refs = make(map[model.TypedKey]map[model.TypedKey]struct{})
	for _, rec := range recs {
		tk := typedKeyOf(rec.Value)
		s.records[tk] = &record{operational: rec.Value, deviceID: rec.DeviceID}
		for _, loc := range locatorKeys(rec.Value) {
			s.incRefLocked(loc, tk)
		}
	}
}

// ============================================================================
// Declared values
// ============================================================================

// Declared returns the latest declared value recorded for tk.
func (s *DeviceState) Declared(tk model.TypedKey) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[tk]
	if !ok || r.declared == nil {
		return nil, false
	}
	return r.declared, true
}

func (s *DeviceState) UpdateDeclared(tk model.TypedKey, v model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(tk).declared = v
}

// ClearDeclared forgets the declared and dispatched values of tk, so the
// next delivery of any value is acted upon.
func (s *DeviceState) ClearDeclared(tk model.TypedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[tk]; ok {
		r.declared = nil
		r.dispatched = nil
		s.pruneLocked(tk)
	}
}

func (s *DeviceState) markDispatched(tk model.TypedKey, v model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(tk).dispatched = v
}

// adoptConfirmed records each declared value that equals the confirmed one
// as declared and dispatched, so a later identical delivery is suppressed.
func (s *DeviceState) adoptConfirmed(declared []model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range declared {
		r, ok := s.records[typedKeyOf(v)]
		if !ok || r.inTransit || r.operational == nil || !model.Equal(r.operational, v) {
			continue
		}
		r.declared = v
		r.dispatched = v
	}
}

// isDispatched reports whether v equals the value last sent for tk.
func (s *DeviceState) isDispatched(tk model.TypedKey, v model.Entity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[tk]
	return ok && r.dispatched != nil && model.Equal(r.dispatched, v)
}

// IsDeclaredAvailable reports whether tk has a declared value, consulting
// the intent store when the cache has none. A hit is cached.
func (s *DeviceState) IsDeclaredAvailable(ctx context.Context, tk model.TypedKey) bool {
	if _, ok := s.Declared(tk); ok {
		return true
	}
	if s.intent == nil {
		return false
	}
	rctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	v, err := s.intent.Read(rctx, s.node, tk.Type, tk.Key)
	if err != nil {
		util.WithEntity(string(s.node), tk.Type.String(), tk.Key.String()).
			Debugf("intent read failed, treating as not declared: %v", err)
		return false
	}
	if v == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.recordLocked(tk); r.declared == nil {
		r.declared = v
	}
	return true
}

// ============================================================================
// Queued markers
// ============================================================================

func (s *DeviceState) IsQueued(tk model.TypedKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queued[tk]
}

// Enqueue parks job in the dependency queue, replacing any job already
// queued for the same key.
// A rejected job leaves the queued marker matching what is still parked.
func (s *DeviceState) Enqueue(job *Job) error {
	tk := job.TypedKey()
	err := s.queue.add(job)
	parked := err == nil || s.queue.has(tk)
	s.mu.Lock()
	defer s.mu.Unlock()
	if parked {
		s.queued[tk] = true
	} else {
		delete(s.queued, tk)
	}
	return err
}

// Dequeue clears the queued marker of tk.
func (s *DeviceState) Dequeue(tk model.TypedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, tk)
}

// ============================================================================
// Reference counts
// ============================================================================

// IncRef records that sub references key. Counting is by distinct referrer,
// so repeated calls for the same pair count once.
func (s *DeviceState) IncRef(key, sub model.TypedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incRefLocked(key, sub)
}

func (s *DeviceState) incRefLocked(key, sub model.TypedKey) {
	users, ok := s.refs[key]
	if !ok {
		users = make(map[model.TypedKey]struct{})
		s.refs[key] = users
	}
	users[sub] = struct{}{}
}

// DecRef drops sub's reference to key and returns the remaining count.
func (s *DeviceState) DecRef(key, sub model.TypedKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.refs[key]
	delete(users, sub)
	if len(users) == 0 {
		delete(s.refs, key)
		return 0
	}
	return len(users)
}

func (s *DeviceState) RefCount(key model.TypedKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs[key])
}

// ============================================================================
// Notification and inspection
// ============================================================================

// NotifyStateChanged signals that the transaction txID has completed so
// waiting jobs can be re-evaluated.
func (s *DeviceState) NotifyStateChanged(txID string) {
	if s.onStateChanged != nil {
		s.onStateChanged(txID)
	}
}

// StateSummary counts cache contents.
type StateSummary struct {
	Operational int
	Declared    int
	InTransit   []string
	Queued      int
}

// Summary returns a point-in-time count of the cache.
func (s *DeviceState) Summary() StateSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum StateSummary
	for tk, r := range s.records {
		if r.operational != nil {
			sum.Operational++
		}
		if r.declared != nil {
			sum.Declared++
		}
		if r.inTransit {
			sum.InTransit = append(sum.InTransit, tk.String())
		}
	}
	sort.Strings(sum.InTransit)
	sum.Queued = len(s.queued)
	return sum
}

func typedKeyOf(e model.Entity) model.TypedKey {
	return model.TypedKey{Type: e.EntityType(), Key: e.EntityKey()}
}

func sortTypedKeys(keys []model.TypedKey) {
	sort.Slice(keys, func(i, j int) bool { return lessTypedKey(keys[i], keys[j]) })
}

func lessTypedKey(a, b model.TypedKey) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.Key.String() < b.Key.String()
}

func sortEntities(es []model.Entity) {
	sort.Slice(es, func(i, j int) bool { return lessTypedKey(typedKeyOf(es[i]), typedKeyOf(es[j])) })
}
