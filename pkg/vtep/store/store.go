// Package store provides the declared-intent store the engine consumes and
// the confirmed-state store it writes through to. Both are keyed per gateway
// node; Redis implementations serve the daemon and in-memory ones serve
// tests and offline runs.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

// IntentReader reads declared values.
type IntentReader interface {
	// Read returns the declared value for type/key, or nil if none is declared.
	Read(ctx context.Context, node model.NodeID, t model.EntityType, key model.Key) (model.Entity, error)
	// ReadAll returns every declared value for node.
	ReadAll(ctx context.Context, node model.NodeID) ([]model.Entity, error)
}

// IntentWatcher delivers declared-intent changes grouped per node. The
// channel is closed when ctx is done.
type IntentWatcher interface {
	Watch(ctx context.Context) (<-chan model.ChangeSet, error)
}

// ConfirmedRecord is one device-acknowledged value with its device row id.
type ConfirmedRecord struct {
	DeviceID string
	Value    model.Entity
}

// ConfirmedStore persists device-acknowledged state so a restarted
// controller can seed its cache before reconciling.
type ConfirmedStore interface {
	Snapshot(ctx context.Context, node model.NodeID) ([]ConfirmedRecord, error)
	Put(ctx context.Context, node model.NodeID, rec ConfirmedRecord) error
	Delete(ctx context.Context, node model.NodeID, t model.EntityType, key model.Key) error
}

// entryKey renders the per-node key of an entity: "<Table>|<node>|<key>".
func entryKey(node model.NodeID, t model.EntityType, key model.Key) string {
	return fmt.Sprintf("%s|%s|%s", t.Table(), node, key)
}

// parseEntryKey reverses entryKey.
func parseEntryKey(s string) (model.NodeID, model.EntityType, model.Key, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return "", 0, model.Key{}, fmt.Errorf("malformed entry key %q", s)
	}
	t, err := model.ParseEntityType(parts[0])
	if err != nil {
		return "", 0, model.Key{}, err
	}
	key, err := model.ParseKey(t, parts[2])
	if err != nil {
		return "", 0, model.Key{}, err
	}
	return model.NodeID(parts[1]), t, key, nil
}
