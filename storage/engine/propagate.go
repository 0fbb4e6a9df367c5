package engine

import (
	"bytes"

	"github.com/emirpasic/gods/stacks/arraystack"
	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/hkey"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/tuple"
	"go.uber.org/zap"
)

type propagationMode string

const (
	modeAdopt   propagationMode = "adopt"
	modeOrphan  propagationMode = "orphan"
	modeCascade propagationMode = "cascade"
)

// keyRangeUnder matches every key strictly beneath key
func keyRangeUnder(key hkey.HKey) keys.Range {
	return keys.All().Prefix(key)
}

type movedRow struct {
	key hkey.HKey
	row *row.Row
}

// propagation re-keys or removes the stored rows whose keys derive
// from a changed row. Rows are collected in ascending key order before
// anything is written, so every ancestor is handled before its own
// descendants and the scan never observes its own writes.
type propagation struct {
	engine *Engine
	o      *op
	mode   propagationMode
	rows   []movedRow
}

// descendantsOf collects the rows stored beneath key whose table
// ordinal is in affected. A nil affected set matches every table.
func (engine *Engine) descendantsOf(o *op, table *schema.Table, key hkey.HKey, cascade bool, affected map[int32]bool) (*propagation, error) {
	p := &propagation{engine: engine, o: o, mode: modeOrphan}

	if cascade {
		p.mode = modeCascade
	}

	group := table.Group()
	iter, err := o.handle(kv.SpaceGroup, group.TreeID).Scan(keyRangeUnder(key), kv.SortOrderAsc)

	if err != nil {
		return nil, err
	}

	for iter.Next() {
		descendant, err := p.decode(group, iter.Key(), iter.Value())

		if err != nil {
			return nil, err
		}

		if affected == nil || affected[descendant.row.Table.Ordinal()] {
			p.rows = append(p.rows, descendant)
		}
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return p, nil
}

// orphansOf collects the orphans that parent adopts: the direct
// children stored under its table's orphan prefix whose join columns
// match parent's primary key, plus everything stored beneath them.
func (engine *Engine) orphansOf(o *op, parent *row.Row) (*propagation, error) {
	p := &propagation{engine: engine, o: o, mode: modeAdopt}
	table := parent.Table
	group := table.Group()
	pk := tuple.Append(nil, parent.Project(table.PrimaryKey.Columns)...)
	moved := arraystack.New()
	iter, err := o.handle(kv.SpaceGroup, group.TreeID).ScanPrefix(hkey.Orphan(table), kv.SortOrderAsc)

	if err != nil {
		return nil, err
	}

	for iter.Next() {
		key := hkey.HKey(iter.Key())

		// keys beneath a moved row follow it directly
		for !moved.Empty() {
			top, _ := moved.Peek()

			if key.HasPrefix(top.(hkey.HKey)) {
				break
			}

			moved.Pop()
		}

		if moved.Empty() {
			child, err := hkey.Table(group, key)

			if err != nil {
				return nil, err
			}

			if child.Parent() != table {
				continue
			}
		}

		candidate, err := p.decode(group, iter.Key(), iter.Value())

		if err != nil {
			return nil, err
		}

		if moved.Empty() {
			join := candidate.row.Table.Join()

			if !bytes.Equal(tuple.Append(nil, candidate.row.Project(join.ChildColumns)...), pk) {
				continue
			}
		}

		moved.Push(candidate.key)
		p.rows = append(p.rows, candidate)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *propagation) decode(group *schema.Group, key, value []byte) (movedRow, error) {
	k := hkey.HKey(append([]byte(nil), key...))
	table, err := hkey.Table(group, k)

	if err != nil {
		return movedRow{}, err
	}

	r, err := p.engine.codec.Decode(table, value)

	if err != nil {
		return movedRow{}, err
	}

	return movedRow{key: k, row: r}, nil
}

// run detaches and applies the propagation
func (p *propagation) run() error {
	if err := p.detach(); err != nil {
		return err
	}

	return p.apply()
}

// detach removes the group index entries of the collected rows top-down.
// It runs before the changed row is written or removed so the entries
// are computed from the state they were stored in.
func (p *propagation) detach() error {
	for _, moved := range p.rows {
		if err := p.engine.removeGroupEntries(p.o, moved.row, moved.key); err != nil {
			return err
		}
	}

	return nil
}

// apply removes every collected row and, unless cascading, stores it
// again through the write path, which recomputes its key from its
// parent's current key
func (p *propagation) apply() error {
	if len(p.rows) == 0 {
		return nil
	}

	defer p.engine.metrics.timer("propagate")()

	p.o.logger.Debug("propagating", zap.String("mode", string(p.mode)), zap.Int("rows", len(p.rows)))

	rekeyed := make([]hkey.HKey, len(p.rows))

	for i, moved := range p.rows {
		table := moved.row.Table

		if p.mode == modeCascade {
			if err := p.engine.notify(func(observer RowObserver) error { return observer.BeforeDelete(p.o.ctx, table, moved.key, moved.row) }); err != nil {
				return err
			}
		}

		if err := p.engine.unstoreRow(p.o, moved.row, moved.key); err != nil {
			return err
		}

		p.engine.metrics.PropagatedRows.WithLabelValues(string(p.mode)).Inc()

		if p.mode == modeCascade {
			if err := p.engine.addRowCount(p.o, table, -1); err != nil {
				return err
			}

			continue
		}

		key, err := p.o.build(moved.row)

		if err != nil {
			return err
		}

		if err := p.engine.storeRow(p.o, moved.row, key, writeOptions{}); err != nil {
			return err
		}

		rekeyed[i] = key
	}

	if p.mode == modeCascade {
		return nil
	}

	for i, moved := range p.rows {
		if err := p.engine.putGroupEntries(p.o, moved.row, rekeyed[i]); err != nil {
			return err
		}
	}

	return nil
}
