package device

import (
	"context"
	"sort"
	"sync"

	"github.com/newtron-network/vtepsync/pkg/util"
)

// MemoryClient is an offline device: the same table, index and reference
// bookkeeping as the Redis device, held in process memory. Used for dry-run
// reconciliation and tests.
type MemoryClient struct {
	mu        sync.RWMutex
	rows      map[string]*memRow // uuid -> row
	index     map[string]string  // table|key -> uuid
	refs      map[string]map[string]bool
	connected bool

	// FailNext makes the next Execute report an error on every operation
	// without applying anything. Decremented per Execute.
	FailNext int
	// OnExecute, if set, runs before a transaction is planned.
	OnExecute func(ops []Operation)
}

type memRow struct {
	table  string
	key    string
	fields map[string]string
}

// NewMemoryClient returns a connected, empty in-memory device.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		rows:      make(map[string]*memRow),
		index:     make(map[string]string),
		refs:      make(map[string]map[string]bool),
		connected: true,
	}
}

type memTransaction struct {
	baseTransaction
	client *MemoryClient
}

// NewTransaction starts a transaction against the in-memory device.
func (c *MemoryClient) NewTransaction() Transaction {
	return &memTransaction{client: c}
}

func (t *memTransaction) Execute(ctx context.Context) ([]OperationResult, error) {
	return t.client.execute(ctx, t.ops)
}

func (c *MemoryClient) execute(ctx context.Context, ops []Operation) ([]OperationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook := c.OnExecute; hook != nil {
		hook(ops)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, util.ErrNotConnected
	}
	if c.FailNext > 0 {
		c.FailNext--
		results := make([]OperationResult, len(ops))
		for i := range results {
			results[i].Error = "injected failure"
		}
		return results, nil
	}

	results, muts, err := plan(memView{c}, ops)
	if err != nil {
		return nil, err
	}
	for _, m := range muts {
		c.applyLocked(m)
	}
	return results, nil
}

func (c *MemoryClient) applyLocked(m mutation) {
	for _, r := range m.delRefs {
		delete(c.refs[r], m.uuid)
	}
	switch m.kind {
	case mutSet:
		c.rows[m.uuid] = &memRow{table: m.table, key: m.key, fields: copyFields(m.fields)}
		c.index[m.table+"|"+m.key] = m.uuid
		for _, r := range m.addRefs {
			if c.refs[r] == nil {
				c.refs[r] = make(map[string]bool)
			}
			c.refs[r][m.uuid] = true
		}
	case mutDel:
		delete(c.rows, m.uuid)
		delete(c.index, m.table+"|"+m.key)
		delete(c.refs, m.uuid)
	}
}

// Query returns the row for table/key or nil.
func (c *MemoryClient) Query(ctx context.Context, table, key string) (*Row, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return nil, util.ErrNotConnected
	}
	id, ok := c.index[table+"|"+key]
	if !ok {
		return nil, nil
	}
	r := c.rows[id]
	return &Row{UUID: id, Table: r.table, Key: r.key, Fields: copyFields(r.fields)}, nil
}

// Rows returns every row of a table sorted by key.
func (c *MemoryClient) Rows(table string) []Row {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Row
	for id, r := range c.rows {
		if r.table == table {
			out = append(out, Row{UUID: id, Table: r.table, Key: r.key, Fields: copyFields(r.fields)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// List returns every row of a table sorted by key.
func (c *MemoryClient) List(ctx context.Context, table string) ([]Row, error) {
	if !c.IsConnected() {
		return nil, util.ErrNotConnected
	}
	return c.Rows(table), nil
}

// Put writes a row directly, bypassing transactions. It simulates changes
// made on the device by someone other than this controller.
func (c *MemoryClient) Put(table, key string, fields map[string]string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.index[table+"|"+key]
	if !ok {
		id = NewUUID()
	}
	c.applyLocked(mutation{kind: mutSet, table: table, key: key, uuid: id, fields: fields, addRefs: RefUUIDs(fields)})
	return id
}

// Remove deletes a row directly, bypassing transactions and integrity checks.
func (c *MemoryClient) Remove(table, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.index[table+"|"+key]
	if !ok {
		return
	}
	c.applyLocked(mutation{kind: mutDel, table: table, key: key, uuid: id, delRefs: RefUUIDs(c.rows[id].fields)})
}

// SetConnected simulates connection loss and recovery.
func (c *MemoryClient) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// Ping fails when the simulated connection is down.
func (c *MemoryClient) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return util.ErrNotConnected
	}
	return nil
}

func (c *MemoryClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MemoryClient) Close() error {
	c.SetConnected(false)
	return nil
}

// memView reads the in-memory state; callers hold c.mu.
type memView struct {
	c *MemoryClient
}

func (v memView) lookup(table, key string) (string, bool, error) {
	id, ok := v.c.index[table+"|"+key]
	return id, ok, nil
}

func (v memView) row(id string) (string, string, map[string]string, bool, error) {
	r, ok := v.c.rows[id]
	if !ok {
		return "", "", nil, false, nil
	}
	return r.table, r.key, r.fields, true, nil
}

func (v memView) referrers(id string) ([]string, error) {
	var out []string
	for r := range v.c.refs[id] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

// copyFields returns a shallow copy of the map (avoids aliasing caller's map).
func copyFields(fields map[string]string) map[string]string {
	if fields == nil {
		return map[string]string{}
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp
}
