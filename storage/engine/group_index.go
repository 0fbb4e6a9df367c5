package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/hkey"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/tuple"
)

// groupEntry is the entry of one leaf row in a group index. The key
// is the index columns followed by the leaf row's key. The value is
// a bitmap of the chain positions that contributed a stored row,
// followed by the leaf row's key.
type groupEntry struct {
	index *schema.GroupIndex
	key   []byte
	value []byte
}

// groupIndexEntry assembles the entry of the leaf row stored at key.
// Ancestors along the index chain are read through prefixes of key.
// An ancestor segment that is null or has no stored row leaves its
// columns null and its bit clear.
func (engine *Engine) groupIndexEntry(o *op, index *schema.GroupIndex, leaf *row.Row, key hkey.HKey) (groupEntry, error) {
	rows := make([]*row.Row, len(index.Chain))
	var bitmap uint64

	for i, table := range index.Chain {
		if table == leaf.Table {
			rows[i] = leaf
			bitmap |= 1 << uint(i)

			continue
		}

		prefix, err := hkey.Truncate(index.Group, key, table.Depth()+1)

		if err != nil {
			return groupEntry{}, err
		}

		ancestor, err := engine.fetch(o, table, prefix)

		if err != nil {
			return groupEntry{}, err
		}

		if ancestor != nil {
			rows[i] = ancestor
			bitmap |= 1 << uint(i)
		}
	}

	values := make([]interface{}, len(index.Columns))

	for i, column := range index.Columns {
		if r := rows[index.ChainPosition(column.Table())]; r != nil {
			values[i] = r.Values[column.Position]
		}
	}

	values = spatialize(index.Spatial, values)
	entry := groupEntry{index: index, key: append(tuple.Append(nil, values...), key...)}
	entry.value = append(binary.AppendUvarint(nil, bitmap), key...)

	return entry, nil
}

// decodeGroupValue splits a group index value into its bitmap
// and leaf key
func decodeGroupValue(value []byte) (uint64, hkey.HKey, error) {
	bitmap, n := binary.Uvarint(value)

	if n <= 0 {
		return 0, nil, fmt.Errorf("%w: bad group index bitmap", tuple.ErrCorrupt)
	}

	return bitmap, hkey.HKey(value[n:]), nil
}

// leafIndexes returns the group indexes whose leaf is table
func leafIndexes(table *schema.Table) []*schema.GroupIndex {
	var indexes []*schema.GroupIndex

	for _, index := range table.GroupIndexes() {
		if index.Leaf() == table {
			indexes = append(indexes, index)
		}
	}

	return indexes
}

// putGroupEntries stores the entries of r in the group indexes it is
// the leaf of
func (engine *Engine) putGroupEntries(o *op, r *row.Row, key hkey.HKey) error {
	return engine.eachGroupEntry(o, r, key, func(entry groupEntry) error {
		return o.handle(kv.SpaceIndex, entry.index.TreeID).Put(entry.key, entry.value)
	})
}

// removeGroupEntries removes the entries of r from the group indexes
// it is the leaf of. It must run while r's ancestors are still in the
// state the entries were computed from.
func (engine *Engine) removeGroupEntries(o *op, r *row.Row, key hkey.HKey) error {
	return engine.eachGroupEntry(o, r, key, func(entry groupEntry) error {
		_, err := o.handle(kv.SpaceIndex, entry.index.TreeID).Remove(entry.key)

		return err
	})
}

func (engine *Engine) eachGroupEntry(o *op, r *row.Row, key hkey.HKey, fn func(entry groupEntry) error) error {
	if len(r.Table.GroupIndexes()) == 0 {
		engine.metrics.GroupIndexSkips.WithLabelValues("no_group_indexes").Inc()

		return nil
	}

	defer engine.metrics.timer("group_index_maintenance")()

	for _, index := range leafIndexes(r.Table) {
		entry, err := engine.groupIndexEntry(o, index, r, key)

		if err != nil {
			return fmt.Errorf("could not build entry for group index %s: %w", index, err)
		}

		if err := fn(entry); err != nil {
			return err
		}
	}

	return nil
}

// overlappingGroupIndexes returns the group indexes spanning table
// with a key column among the changed positions
func (engine *Engine) overlappingGroupIndexes(table *schema.Table, changed []int) []*schema.GroupIndex {
	if len(table.GroupIndexes()) == 0 {
		engine.metrics.GroupIndexSkips.WithLabelValues("no_group_indexes").Inc()

		return nil
	}

	var indexes []*schema.GroupIndex

	for _, index := range table.GroupIndexes() {
		if index.Overlaps(table, changed) {
			indexes = append(indexes, index)
		}
	}

	if len(indexes) == 0 {
		engine.metrics.GroupIndexSkips.WithLabelValues("no_column_overlap").Inc()
	}

	return indexes
}

// groupEntriesUnder computes the current entries of every leaf row
// stored at or beneath prefix for the given indexes
func (engine *Engine) groupEntriesUnder(o *op, indexes []*schema.GroupIndex, prefix hkey.HKey) ([]groupEntry, error) {
	if len(indexes) == 0 {
		return nil, nil
	}

	defer engine.metrics.timer("group_index_maintenance")()

	group := indexes[0].Group
	iter, err := o.handle(kv.SpaceGroup, group.TreeID).ScanPrefix(prefix, kv.SortOrderAsc)

	if err != nil {
		return nil, err
	}

	var entries []groupEntry

	for iter.Next() {
		key := hkey.HKey(append([]byte(nil), iter.Key()...))
		table, err := hkey.Table(group, key)

		if err != nil {
			return nil, err
		}

		var leaf *row.Row

		for _, index := range indexes {
			if index.Leaf() != table {
				continue
			}

			if leaf == nil {
				if leaf, err = engine.codec.Decode(table, iter.Value()); err != nil {
					return nil, err
				}
			}

			entry, err := engine.groupIndexEntry(o, index, leaf, key)

			if err != nil {
				return nil, err
			}

			entries = append(entries, entry)
		}
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}
