package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/vtepsync/pkg/util"
)

// Device database layout:
//
//	<Table>|<uuid>     hash   row fields ("NULL":"NULL" when empty)
//	<Table>_INDEX      hash   key -> uuid
//	ROWS               hash   uuid -> "<Table>|<key>"
//	REFS|<uuid>        set    uuids of rows referencing <uuid>
//	GENERATION         string bumped by every committed transaction
const (
	rowsKey       = "ROWS"
	refsPrefix    = "REFS|"
	generationKey = "GENERATION"
	indexSuffix   = "_INDEX"
	nullField     = "NULL"
)

// maxTxRetries bounds optimistic retries when another writer commits
// between WATCH and EXEC.
const maxTxRetries = 5

// RedisClient talks to a gateway whose device database is served by Redis,
// optionally through an SSH tunnel.
type RedisClient struct {
	addr string
	db   int
	ssh  *SSHConfig

	mu        sync.RWMutex
	client    *redis.Client
	tunnel    *SSHTunnel
	connected bool
}

// NewRedisClient creates a client for the device database at addr. Call
// Connect before use.
func NewRedisClient(addr string, db int) *RedisClient {
	return &RedisClient{addr: addr, db: db}
}

// WithSSH routes the connection through an SSH tunnel to the gateway.
func (c *RedisClient) WithSSH(cfg SSHConfig) *RedisClient {
	c.ssh = &cfg
	return c
}

// Connect dials the device. Calling Connect again drops the old connection
// and dials afresh.
func (c *RedisClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	addr := c.addr
	if c.ssh != nil {
		tun, err := NewSSHTunnel(*c.ssh)
		if err != nil {
			return fmt.Errorf("SSH tunnel to %s: %w", c.ssh.Host, err)
		}
		c.tunnel = tun
		addr = tun.LocalAddr()
	}

	c.client = redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   c.db,
	})
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.closeLocked()
		return fmt.Errorf("connecting to device database at %s: %w", c.addr, err)
	}
	c.connected = true
	return nil
}

func (c *RedisClient) closeLocked() {
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	if c.tunnel != nil {
		c.tunnel.Close()
		c.tunnel = nil
	}
	c.connected = false
}

// Close closes the connection.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *RedisClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Ping checks the device and updates the connection state.
func (c *RedisClient) Ping(ctx context.Context) error {
	rc := c.redis()
	if rc == nil {
		return util.ErrNotConnected
	}
	err := rc.Ping(ctx).Err()
	c.mu.Lock()
	c.connected = err == nil
	c.mu.Unlock()
	return err
}

func (c *RedisClient) redis() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// observe marks the connection lost when err is a transport failure rather
// than a server reply.
func (c *RedisClient) observe(err error) {
	if err == nil || err == redis.Nil ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var reply redis.Error
	if errors.As(err, &reply) {
		return
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

type redisTransaction struct {
	baseTransaction
	client *RedisClient
}

// NewTransaction starts a transaction against the device.
func (c *RedisClient) NewTransaction() Transaction {
	return &redisTransaction{client: c}
}

func (t *redisTransaction) Execute(ctx context.Context) ([]OperationResult, error) {
	return t.client.execute(ctx, t.ops)
}

// execute plans ops against a WATCHed snapshot and commits the resulting
// mutations in one MULTI/EXEC.
func (c *RedisClient) execute(ctx context.Context, ops []Operation) ([]OperationResult, error) {
	rc := c.redis()
	if rc == nil || !c.IsConnected() {
		return nil, util.ErrNotConnected
	}

	var results []OperationResult
	txf := func(tx *redis.Tx) error {
		res, muts, err := plan(redisView{ctx: ctx, tx: tx}, ops)
		if err != nil {
			return err
		}
		results = res
		if len(muts) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range muts {
				applyPipe(ctx, pipe, m)
			}
			pipe.Incr(ctx, generationKey)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := rc.Watch(ctx, txf, generationKey)
		if err == nil {
			return results, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		c.observe(err)
		return nil, fmt.Errorf("device transaction: %w", err)
	}
	return nil, fmt.Errorf("device transaction: %w after %d attempts", redis.TxFailedErr, maxTxRetries)
}

func applyPipe(ctx context.Context, pipe redis.Pipeliner, m mutation) {
	rowKey := m.table + "|" + m.uuid
	for _, r := range m.delRefs {
		pipe.SRem(ctx, refsPrefix+r, m.uuid)
	}
	switch m.kind {
	case mutSet:
		pipe.Del(ctx, rowKey)
		if len(m.fields) == 0 {
			pipe.HSet(ctx, rowKey, nullField, nullField)
		} else {
			args := make([]interface{}, 0, len(m.fields)*2)
			for k, v := range m.fields {
				args = append(args, k, v)
			}
			pipe.HSet(ctx, rowKey, args...)
		}
		pipe.HSet(ctx, m.table+indexSuffix, m.key, m.uuid)
		pipe.HSet(ctx, rowsKey, m.uuid, m.table+"|"+m.key)
		for _, r := range m.addRefs {
			pipe.SAdd(ctx, refsPrefix+r, m.uuid)
		}
	case mutDel:
		pipe.Del(ctx, rowKey)
		pipe.HDel(ctx, m.table+indexSuffix, m.key)
		pipe.HDel(ctx, rowsKey, m.uuid)
		pipe.Del(ctx, refsPrefix+m.uuid)
	}
}

// Query returns the row for table/key, or nil if the device has none.
func (c *RedisClient) Query(ctx context.Context, table, key string) (*Row, error) {
	rc := c.redis()
	if rc == nil {
		return nil, util.ErrNotConnected
	}
	id, err := rc.HGet(ctx, table+indexSuffix, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		c.observe(err)
		return nil, fmt.Errorf("query %s|%s: %w", table, key, err)
	}
	fields, err := rc.HGetAll(ctx, table+"|"+id).Result()
	if err != nil {
		c.observe(err)
		return nil, fmt.Errorf("query %s|%s: %w", table, key, err)
	}
	return &Row{UUID: id, Table: table, Key: key, Fields: stripNull(fields)}, nil
}

// List returns every row of a table sorted by key.
func (c *RedisClient) List(ctx context.Context, table string) ([]Row, error) {
	rc := c.redis()
	if rc == nil {
		return nil, util.ErrNotConnected
	}
	index, err := rc.HGetAll(ctx, table+indexSuffix).Result()
	if err != nil {
		c.observe(err)
		return nil, fmt.Errorf("listing %s: %w", table, err)
	}
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		fields, err := rc.HGetAll(ctx, table+"|"+index[k]).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s|%s: %w", table, k, err)
		}
		rows = append(rows, Row{UUID: index[k], Table: table, Key: k, Fields: stripNull(fields)})
	}
	return rows, nil
}

// redisView reads device state inside a WATCH.
type redisView struct {
	ctx context.Context
	tx  *redis.Tx
}

func (v redisView) lookup(table, key string) (string, bool, error) {
	id, err := v.tx.HGet(v.ctx, table+indexSuffix, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (v redisView) row(id string) (string, string, map[string]string, bool, error) {
	loc, err := v.tx.HGet(v.ctx, rowsKey, id).Result()
	if err == redis.Nil {
		return "", "", nil, false, nil
	}
	if err != nil {
		return "", "", nil, false, err
	}
	table, key, ok := strings.Cut(loc, "|")
	if !ok {
		return "", "", nil, false, fmt.Errorf("corrupt row locator %q for %s", loc, id)
	}
	fields, err := v.tx.HGetAll(v.ctx, table+"|"+id).Result()
	if err != nil {
		return "", "", nil, false, err
	}
	return table, key, stripNull(fields), true, nil
}

func (v redisView) referrers(id string) ([]string, error) {
	users, err := v.tx.SMembers(v.ctx, refsPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

func stripNull(fields map[string]string) map[string]string {
	delete(fields, nullField)
	return fields
}
