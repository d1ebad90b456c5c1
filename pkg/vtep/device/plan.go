package device

import (
	"errors"
	"fmt"

	"github.com/newtron-network/vtepsync/pkg/util"
)

// stateView is the read side a transaction is planned against.
type stateView interface {
	lookup(table, key string) (string, bool, error)
	row(uuid string) (table, key string, fields map[string]string, ok bool, err error)
	referrers(uuid string) ([]string, error)
}

type mutKind int

const (
	mutSet mutKind = iota
	mutDel
)

// mutation is one row write produced by planning; both clients apply the
// same list.
type mutation struct {
	kind    mutKind
	table   string
	key     string
	uuid    string
	fields  map[string]string
	addRefs []string
	delRefs []string
}

type pendingRow struct {
	table   string
	key     string
	fields  map[string]string
	deleted bool
}

// planner overlays the operations of one transaction on a stateView.
type planner struct {
	view     stateView
	rows     map[string]*pendingRow
	index    map[string]string // table|key -> uuid ("" when deleted)
	refDelta map[string]int
	muts     []mutation
}

func newPlanner(view stateView) *planner {
	return &planner{
		view:     view,
		rows:     make(map[string]*pendingRow),
		index:    make(map[string]string),
		refDelta: make(map[string]int),
	}
}

// plan validates ops in order and returns the mutations to apply. If any
// operation fails, every result carries an error and no mutation is
// returned. A non-nil error means the view itself could not be read.
func plan(view stateView, ops []Operation) ([]OperationResult, []mutation, error) {
	p := newPlanner(view)
	results := make([]OperationResult, len(ops))
	failed := -1

	for i, op := range ops {
		id, err := p.apply(op)
		if err != nil {
			var opErr *util.OperationError
			if !errors.As(err, &opErr) {
				return nil, nil, err
			}
			results[i] = OperationResult{UUID: id, Error: err.Error()}
			failed = i
			break
		}
		results[i] = OperationResult{UUID: id}
	}

	if failed >= 0 {
		for i := range results {
			if i != failed {
				results[i].Error = "transaction aborted"
			}
		}
		return results, nil, nil
	}
	return results, p.muts, nil
}

func (p *planner) apply(op Operation) (string, error) {
	switch op.Kind {
	case OpInsert:
		return p.insert(op)
	case OpUpdate:
		return p.update(op)
	case OpDelete:
		return p.delete(op)
	}
	return "", util.NewOperationError(string(op.Kind), op.Table, op.Key, "unknown operation")
}

func (p *planner) insert(op Operation) (string, error) {
	if _, ok, err := p.lookup(op.Table, op.Key); err != nil {
		return "", err
	} else if ok {
		return "", util.NewOperationError("insert", op.Table, op.Key, util.ErrAlreadyExists.Error())
	}
	id := op.UUID
	if id == "" {
		id = NewUUID()
	}
	refs := RefUUIDs(op.Fields)
	if err := p.checkRefs(op, refs); err != nil {
		return id, err
	}
	p.rows[id] = &pendingRow{table: op.Table, key: op.Key, fields: op.Fields}
	p.index[op.Table+"|"+op.Key] = id
	for _, r := range refs {
		p.refDelta[r]++
	}
	p.muts = append(p.muts, mutation{
		kind: mutSet, table: op.Table, key: op.Key, uuid: id,
		fields: op.Fields, addRefs: refs,
	})
	return id, nil
}

func (p *planner) update(op Operation) (string, error) {
	id, old, err := p.resolve(op)
	if err != nil {
		return id, err
	}
	oldRefs := RefUUIDs(old.fields)
	newRefs := RefUUIDs(op.Fields)
	if err := p.checkRefs(op, newRefs); err != nil {
		return id, err
	}
	p.rows[id] = &pendingRow{table: old.table, key: old.key, fields: op.Fields}
	for _, r := range oldRefs {
		p.refDelta[r]--
	}
	for _, r := range newRefs {
		p.refDelta[r]++
	}
	p.muts = append(p.muts, mutation{
		kind: mutSet, table: old.table, key: old.key, uuid: id,
		fields: op.Fields, addRefs: newRefs, delRefs: oldRefs,
	})
	return id, nil
}

func (p *planner) delete(op Operation) (string, error) {
	id, old, err := p.resolve(op)
	if err != nil {
		return id, err
	}
	users, err := p.view.referrers(id)
	if err != nil {
		return id, err
	}
	if len(users)+p.refDelta[id] > 0 {
		return id, util.NewOperationError("delete", op.Table, op.Key,
			util.NewInUseError(op.Table+"|"+old.key, users...).Error())
	}
	oldRefs := RefUUIDs(old.fields)
	for _, r := range oldRefs {
		p.refDelta[r]--
	}
	p.rows[id] = &pendingRow{table: old.table, key: old.key, deleted: true}
	p.index[old.table+"|"+old.key] = ""
	p.muts = append(p.muts, mutation{
		kind: mutDel, table: old.table, key: old.key, uuid: id, delRefs: oldRefs,
	})
	return id, nil
}

// resolve finds the live row an update or delete addresses.
func (p *planner) resolve(op Operation) (string, *pendingRow, error) {
	id := op.UUID
	if id == "" {
		found, ok, err := p.lookup(op.Table, op.Key)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return "", nil, util.NewOperationError(string(op.Kind), op.Table, op.Key, util.ErrNotFound.Error())
		}
		id = found
	}
	row, err := p.row(id)
	if err != nil {
		return id, nil, err
	}
	if row == nil || row.table != op.Table {
		return id, nil, util.NewOperationError(string(op.Kind), op.Table, op.Key, util.ErrNotFound.Error())
	}
	return id, row, nil
}

func (p *planner) checkRefs(op Operation, refs []string) error {
	for _, r := range refs {
		row, err := p.row(r)
		if err != nil {
			return err
		}
		if row == nil {
			return util.NewOperationError(string(op.Kind), op.Table, op.Key,
				fmt.Sprintf("dangling reference to %s", r))
		}
	}
	return nil
}

func (p *planner) lookup(table, key string) (string, bool, error) {
	if id, ok := p.index[table+"|"+key]; ok {
		return id, id != "", nil
	}
	return p.view.lookup(table, key)
}

func (p *planner) row(id string) (*pendingRow, error) {
	if r, ok := p.rows[id]; ok {
		if r.deleted {
			return nil, nil
		}
		return r, nil
	}
	table, key, fields, ok, err := p.view.row(id)
	if err != nil || !ok {
		return nil, err
	}
	return &pendingRow{table: table, key: key, fields: fields}, nil
}
