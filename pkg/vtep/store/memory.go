package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// MemoryIntentStore holds declared intent in process memory. Set and Remove
// publish change-sets to every watcher.
type MemoryIntentStore struct {
	mu     sync.RWMutex
	values map[model.NodeID]map[model.TypedKey]model.Entity
	subs   map[chan model.ChangeSet]struct{}

	// ReadDelay slows every Read, for exercising read timeouts.
	ReadDelay time.Duration
}

// NewMemoryIntentStore returns an empty intent store.
func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{
		values: make(map[model.NodeID]map[model.TypedKey]model.Entity),
		subs:   make(map[chan model.ChangeSet]struct{}),
	}
}

// Set declares values for node and notifies watchers with one change-set.
func (s *MemoryIntentStore) Set(node model.NodeID, values ...model.Entity) {
	cs := model.ChangeSet{Node: node}
	s.mu.Lock()
	m := s.nodeLocked(node)
	for _, v := range values {
		tk := model.TypedKey{Type: v.EntityType(), Key: v.EntityKey()}
		old := m[tk]
		m[tk] = v
		cs.Add(v, old)
	}
	s.mu.Unlock()
	s.publish(cs)
}

// Remove withdraws declared values for node and notifies watchers.
func (s *MemoryIntentStore) Remove(node model.NodeID, keys ...model.TypedKey) {
	cs := model.ChangeSet{Node: node}
	s.mu.Lock()
	m := s.nodeLocked(node)
	for _, tk := range keys {
		if old, ok := m[tk]; ok {
			delete(m, tk)
			cs.Add(nil, old)
		}
	}
	s.mu.Unlock()
	s.publish(cs)
}

func (s *MemoryIntentStore) nodeLocked(node model.NodeID) map[model.TypedKey]model.Entity {
	m, ok := s.values[node]
	if !ok {
		m = make(map[model.TypedKey]model.Entity)
		s.values[node] = m
	}
	return m
}

func (s *MemoryIntentStore) publish(cs model.ChangeSet) {
	if cs.IsEmpty() {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- cs:
		default:
			util.WithNode(string(cs.Node)).Warnf("intent watcher full, dropping %d changes", len(cs.Changes))
		}
	}
}

func (s *MemoryIntentStore) Read(ctx context.Context, node model.NodeID, t model.EntityType, key model.Key) (model.Entity, error) {
	if s.ReadDelay > 0 {
		select {
		case <-time.After(s.ReadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[node][model.TypedKey{Type: t, Key: key}], nil
}

// ReadAll returns node's declared values ordered by type then key.
func (s *MemoryIntentStore) ReadAll(ctx context.Context, node model.NodeID) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Entity, 0, len(s.values[node]))
	for _, v := range s.values[node] {
		out = append(out, v)
	}
	sortEntities(out)
	return out, nil
}

func (s *MemoryIntentStore) Watch(ctx context.Context) (<-chan model.ChangeSet, error) {
	ch := make(chan model.ChangeSet, 256)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// MemoryConfirmedStore holds confirmed state in process memory.
type MemoryConfirmedStore struct {
	mu      sync.RWMutex
	records map[model.NodeID]map[model.TypedKey]ConfirmedRecord
}

// NewMemoryConfirmedStore returns an empty confirmed-state store.
func NewMemoryConfirmedStore() *MemoryConfirmedStore {
	return &MemoryConfirmedStore{records: make(map[model.NodeID]map[model.TypedKey]ConfirmedRecord)}
}

func (s *MemoryConfirmedStore) Snapshot(ctx context.Context, node model.NodeID) ([]ConfirmedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConfirmedRecord, 0, len(s.records[node]))
	for _, r := range s.records[node] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return lessEntity(out[i].Value, out[j].Value) })
	return out, nil
}

func (s *MemoryConfirmedStore) Put(ctx context.Context, node model.NodeID, rec ConfirmedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[node]
	if !ok {
		m = make(map[model.TypedKey]ConfirmedRecord)
		s.records[node] = m
	}
	m[model.TypedKey{Type: rec.Value.EntityType(), Key: rec.Value.EntityKey()}] = rec
	return nil
}

func (s *MemoryConfirmedStore) Delete(ctx context.Context, node model.NodeID, t model.EntityType, key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[node], model.TypedKey{Type: t, Key: key})
	return nil
}

func sortEntities(es []model.Entity) {
	sort.Slice(es, func(i, j int) bool { return lessEntity(es[i], es[j]) })
}

func lessEntity(a, b model.Entity) bool {
	if a.EntityType() != b.EntityType() {
		return a.EntityType() < b.EntityType()
	}
	return a.EntityKey().String() < b.EntityKey().String()
}
