package store

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
)

const (
	nullField     = "NULL"
	deviceIDField = "device_id"
)

// redisDB wraps a Redis client for one logical database.
type redisDB struct {
	client *redis.Client
	db     int
}

func newRedisDB(addr string, db int) redisDB {
	return redisDB{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		db:     db,
	}
}

// Connect tests the connection
func (r redisDB) Connect(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection
func (r redisDB) Close() error {
	return r.client.Close()
}

func (r redisDB) write(ctx context.Context, redisKey string, fields map[string]string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		if len(fields) == 0 {
			pipe.HSet(ctx, redisKey, nullField, nullField)
			return nil
		}
		// One HSET so watchers see exactly one notification per write.
		args := make([]interface{}, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		pipe.HSet(ctx, redisKey, args...)
		return nil
	})
	return err
}

// readNode scans every per-node entry of the declarable tables and calls fn
// with the decoded key parts and fields.
func (r redisDB) readNode(ctx context.Context, node model.NodeID,
	fn func(t model.EntityType, key model.Key, fields map[string]string)) error {
	for _, t := range model.AllTypes {
		pattern := fmt.Sprintf("%s|%s|*", t.Table(), node)
		keys, err := scanKeys(ctx, r.client, pattern, 100)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", t.Table(), err)
		}
		for _, k := range keys {
			_, et, key, err := parseEntryKey(k)
			if err != nil {
				util.WithNode(string(node)).Warnf("skipping %s: %v", k, err)
				continue
			}
			fields, err := r.client.HGetAll(ctx, k).Result()
			if err != nil {
				return fmt.Errorf("reading %s: %w", k, err)
			}
			if len(fields) == 0 {
				continue
			}
			delete(fields, nullField)
			fn(et, key, fields)
		}
	}
	return nil
}

// RedisIntentStore reads declared intent from Redis hashes at
// "<Table>|<node>|<key>".
type RedisIntentStore struct {
	redisDB
}

// NewRedisIntentStore creates an intent store client. Call Connect before use.
func NewRedisIntentStore(addr string, db int) *RedisIntentStore {
	return &RedisIntentStore{redisDB: newRedisDB(addr, db)}
}

func (s *RedisIntentStore) Read(ctx context.Context, node model.NodeID, t model.EntityType, key model.Key) (model.Entity, error) {
	fields, err := s.client.HGetAll(ctx, entryKey(node, t, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading intent %s %s: %w", t, key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	delete(fields, nullField)
	return decodeIntent(t, key, fields)
}

// ReadAll returns node's declared values ordered by type then key. Entries
// that fail validation are logged and skipped.
func (s *RedisIntentStore) ReadAll(ctx context.Context, node model.NodeID) ([]model.Entity, error) {
	var out []model.Entity
	err := s.readNode(ctx, node, func(t model.EntityType, key model.Key, fields map[string]string) {
		if t == model.PhysicalLocator {
			return
		}
		e, err := decodeIntent(t, key, fields)
		if err != nil {
			util.WithEntity(string(node), t.String(), key.String()).Warnf("invalid intent: %v", err)
			return
		}
		out = append(out, e)
	})
	if err != nil {
		return nil, err
	}
	sortEntities(out)
	return out, nil
}

// Write declares a value for node.
func (s *RedisIntentStore) Write(ctx context.Context, node model.NodeID, e model.Entity) error {
	if err := model.Validate(e); err != nil {
		return err
	}
	return s.write(ctx, entryKey(node, e.EntityType(), e.EntityKey()), e.Fields())
}

// Remove withdraws a declared value.
func (s *RedisIntentStore) Remove(ctx context.Context, node model.NodeID, t model.EntityType, key model.Key) error {
	return s.client.Del(ctx, entryKey(node, t, key)).Err()
}

func decodeIntent(t model.EntityType, key model.Key, fields map[string]string) (model.Entity, error) {
	e, err := model.Decode(t, key, fields)
	if err != nil {
		return nil, err
	}
	if err := model.Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

// RedisConfirmedStore persists confirmed state in Redis hashes at
// "<Table>|<node>|<key>", with the device row id in the device_id field.
type RedisConfirmedStore struct {
	redisDB
}

// NewRedisConfirmedStore creates a confirmed-state store client. Call
// Connect before use.
func NewRedisConfirmedStore(addr string, db int) *RedisConfirmedStore {
	return &RedisConfirmedStore{redisDB: newRedisDB(addr, db)}
}

func (s *RedisConfirmedStore) Snapshot(ctx context.Context, node model.NodeID) ([]ConfirmedRecord, error) {
	var out []ConfirmedRecord
	err := s.readNode(ctx, node, func(t model.EntityType, key model.Key, fields map[string]string) {
		id := fields[deviceIDField]
		delete(fields, deviceIDField)
		e, err := model.Decode(t, key, fields)
		if err != nil {
			util.WithEntity(string(node), t.String(), key.String()).Warnf("undecodable confirmed entry: %v", err)
			return
		}
		out = append(out, ConfirmedRecord{DeviceID: id, Value: e})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisConfirmedStore) Put(ctx context.Context, node model.NodeID, rec ConfirmedRecord) error {
	fields := rec.Value.Fields()
	fields[deviceIDField] = rec.DeviceID
	return s.write(ctx, entryKey(node, rec.Value.EntityType(), rec.Value.EntityKey()), fields)
}

func (s *RedisConfirmedStore) Delete(ctx context.Context, node model.NodeID, t model.EntityType, key model.Key) error {
	return s.client.Del(ctx, entryKey(node, t, key)).Err()
}

// scanKeys iterates Redis keys matching the given pattern using cursor-based
// SCAN instead of the blocking O(N) KEYS command. The count hint controls
// how many keys Redis returns per iteration (not an exact limit).
func scanKeys(ctx context.Context, client *redis.Client, pattern string, countHint int64) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, nextCursor, err := client.Scan(ctx, cursor, pattern, countHint).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
