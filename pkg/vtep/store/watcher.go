package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// RedisWatcher turns Redis keyspace notifications on the intent database
// into per-node change-sets. Notifications for a node are coalesced over the
// debounce window; each flush re-reads the touched keys and diffs them
// against the last values delivered.
type RedisWatcher struct {
	store    *RedisIntentStore
	nodes    []model.NodeID
	debounce time.Duration

	mu   sync.Mutex
	last map[model.NodeID]map[model.TypedKey]model.Entity
}

// NewRedisWatcher watches intent for the given nodes.
func NewRedisWatcher(s *RedisIntentStore, debounce time.Duration, nodes ...model.NodeID) *RedisWatcher {
	return &RedisWatcher{
		store:    s,
		nodes:    nodes,
		debounce: debounce,
		last:     make(map[model.NodeID]map[model.TypedKey]model.Entity),
	}
}

// Watch subscribes to keyspace events and primes the last-seen values from
// a full read, so the first change-set for a key carries its old value.
func (w *RedisWatcher) Watch(ctx context.Context) (<-chan model.ChangeSet, error) {
	client := w.store.client
	if err := client.ConfigSet(ctx, "notify-keyspace-events", "Khg").Err(); err != nil {
		util.Logger.Warnf("enabling keyspace notifications: %v (assuming already enabled)", err)
	}

	for _, node := range w.nodes {
		values, err := w.store.ReadAll(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("priming watcher for %s: %w", node, err)
		}
		m := make(map[model.TypedKey]model.Entity, len(values))
		for _, v := range values {
			m[model.TypedKey{Type: v.EntityType(), Key: v.EntityKey()}] = v
		}
		w.last[node] = m
	}

	prefix := fmt.Sprintf("__keyspace@%d__:", w.store.db)
	pubsub := client.PSubscribe(ctx, prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to keyspace events: %w", err)
	}

	out := make(chan model.ChangeSet, 64)
	go w.loop(ctx, pubsub, prefix, out)
	return out, nil
}

func (w *RedisWatcher) loop(ctx context.Context, pubsub *redis.PubSub, prefix string, out chan<- model.ChangeSet) {
	defer close(out)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	dirty := make(map[model.NodeID]map[model.TypedKey]bool)
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			node, t, key, err := parseEntryKey(strings.TrimPrefix(msg.Channel, prefix))
			if err != nil || t == model.PhysicalLocator || !w.watches(node) {
				continue
			}
			if dirty[node] == nil {
				dirty[node] = make(map[model.TypedKey]bool)
			}
			dirty[node][model.TypedKey{Type: t, Key: key}] = true
			if flush == nil {
				flush = time.After(w.debounce)
			}
		case <-flush:
			flush = nil
			for node, keys := range dirty {
				cs := w.collect(ctx, node, keys)
				if cs.IsEmpty() {
					continue
				}
				select {
				case out <- cs:
				case <-ctx.Done():
					return
				}
			}
			dirty = make(map[model.NodeID]map[model.TypedKey]bool)
		}
	}
}

func (w *RedisWatcher) watches(node model.NodeID) bool {
	for _, n := range w.nodes {
		if n == node {
			return true
		}
	}
	return false
}

// collect re-reads keys and builds the change-set against the last values.
func (w *RedisWatcher) collect(ctx context.Context, node model.NodeID, keys map[model.TypedKey]bool) model.ChangeSet {
	ordered := make([]model.TypedKey, 0, len(keys))
	for tk := range keys {
		ordered = append(ordered, tk)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Type != ordered[j].Type {
			return ordered[i].Type < ordered[j].Type
		}
		return ordered[i].Key.String() < ordered[j].Key.String()
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	last := w.last[node]
	if last == nil {
		last = make(map[model.TypedKey]model.Entity)
		w.last[node] = last
	}

	cs := model.ChangeSet{Node: node}
	for _, tk := range ordered {
		current, err := w.store.Read(ctx, node, tk.Type, tk.Key)
		if err != nil {
			util.WithEntity(string(node), tk.Type.String(), tk.Key.String()).Warnf("skipping change: %v", err)
			continue
		}
		previous := last[tk]
		if current == nil && previous == nil {
			continue
		}
		if current != nil && previous != nil && model.Equal(current, previous) {
			continue
		}
		cs.Changes = append(cs.Changes, model.Change{Type: tk.Type, Key: tk.Key, New: current, Old: previous})
		if current == nil {
			delete(last, tk)
		} else {
			last[tk] = current
		}
	}
	return cs
}
