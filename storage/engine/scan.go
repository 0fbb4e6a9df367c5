package engine

import (
	"context"
	"fmt"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/hkey"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/session"
	"github.com/jrife/grouse/storage/tuple"
	"github.com/jrife/grouse/utils/stream"
	"go.uber.org/zap"
)

// IndexEntry is one decoded index entry
type IndexEntry struct {
	// Values are the index key values. A spatial index holds the
	// z-value in place of its coordinates.
	Values []interface{}
	// HKey is the key of the indexed row
	HKey hkey.HKey
	// Present is the bitmap of chain positions that contributed a
	// stored row. It is only set for group index entries.
	Present uint64
}

// IndexRange returns the range of index keys that start with values
func IndexRange(values ...interface{}) keys.Range {
	if len(values) == 0 {
		return keys.All()
	}

	return keys.All().HasPrefix(tuple.Append(nil, values...))
}

// Lookup reads the row of table with primary key pk through the
// primary key index
func (engine *Engine) Lookup(ctx context.Context, txn *session.Txn, table *schema.Table, pk ...interface{}) (*row.Row, hkey.HKey, error) {
	o, err := engine.begin(ctx, txn, "Lookup")

	if err != nil {
		return nil, nil, err
	}

	defer o.release()

	if table, err = engine.resolveTable(o, table); err != nil {
		return nil, nil, err
	}

	if len(pk) != len(table.PrimaryKey.Columns) {
		return nil, nil, fmt.Errorf("primary key of %s has %d columns, got %d values", table, len(table.PrimaryKey.Columns), len(pk))
	}

	normalized := make([]interface{}, len(pk))

	for i, column := range table.PrimaryKey.Columns {
		if normalized[i], err = column.Type.Normalize(pk[i]); err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", column, err)
		}
	}

	key, err := o.ParentKey(table, normalized)

	if err != nil {
		return nil, nil, wrapError("could not read primary key index", err)
	}

	if key == nil {
		return nil, nil, ErrNoSuchRow
	}

	r, err := engine.fetch(o, table, key)

	if err != nil {
		return nil, nil, wrapError("could not read row", err)
	}

	if r == nil {
		return nil, nil, fmt.Errorf("primary key index of %s points at missing row %s", table, hkey.Format(table.Group(), key))
	}

	return r, key, nil
}

// Fetch reads the row of table stored at key
func (engine *Engine) Fetch(ctx context.Context, txn *session.Txn, table *schema.Table, key hkey.HKey) (*row.Row, error) {
	o, err := engine.begin(ctx, txn, "Fetch")

	if err != nil {
		return nil, err
	}

	defer o.release()

	if table, err = engine.resolveTable(o, table); err != nil {
		return nil, err
	}

	r, err := engine.fetch(o, table, key)

	if err != nil {
		return nil, wrapError("could not read row", err)
	}

	if r == nil {
		return nil, ErrNoSuchRow
	}

	return r, nil
}

// ScanGroup returns a stream of the rows stored at or beneath prefix
// in key order. An empty prefix scans the whole group. Stream values
// are *row.Row.
func (engine *Engine) ScanGroup(ctx context.Context, txn *session.Txn, group *schema.Group, prefix hkey.HKey, reverse bool) (stream.Stream, error) {
	o, err := engine.begin(ctx, txn, "ScanGroup")

	if err != nil {
		return nil, err
	}

	defer o.release()

	current := o.snapshot.Group(group.Name)

	if current == nil {
		return nil, ErrNoSuchTable
	}

	keyRange := keys.All()

	if len(prefix) > 0 {
		keyRange = keyRange.HasPrefix(prefix)
	}

	iter, err := o.handle(kv.SpaceGroup, current.TreeID).Scan(keyRange, sortOrder(reverse))

	if err != nil {
		return nil, wrapError("could not scan group", err)
	}

	return stream.Pipeline(kv.Stream(iter), stream.Map(func(value interface{}) (interface{}, error) {
		pair := value.(kv.KV)
		table, err := hkey.Table(current, pair.Key)

		if err != nil {
			return nil, err
		}

		return engine.codec.Decode(table, pair.Value)
	})), nil
}

// ScanTable returns a stream of at most limit rows of table, adopted
// and orphaned alike, in group key order. A limit <= 0 returns every
// row.
func (engine *Engine) ScanTable(ctx context.Context, txn *session.Txn, table *schema.Table, limit int) (stream.Stream, error) {
	rows, err := engine.ScanGroup(ctx, txn, table.Group(), nil, false)

	if err != nil {
		return nil, err
	}

	id := table.ID

	return stream.Pipeline(
		rows,
		stream.Filter(func(value interface{}) bool { return value.(*row.Row).Table.ID == id }),
		stream.Limit(limit),
		stream.Log(engine.logger.With(zap.String("operation", "ScanTable"), zap.String("table", table.Name))),
	), nil
}

// ScanIndex returns a stream of the entries of a table index within
// keyRange. Stream values are IndexEntry.
func (engine *Engine) ScanIndex(ctx context.Context, txn *session.Txn, index *schema.Index, keyRange keys.Range, reverse bool) (stream.Stream, error) {
	o, err := engine.begin(ctx, txn, "ScanIndex")

	if err != nil {
		return nil, err
	}

	defer o.release()

	table, err := engine.resolveTable(o, index.Table)

	if err != nil {
		return nil, err
	}

	if index = table.Index(index.Name); index == nil {
		return nil, ErrNoSuchIndex
	}

	iter, err := o.handle(kv.SpaceIndex, index.TreeID).Scan(keyRange, sortOrder(reverse))

	if err != nil {
		return nil, wrapError("could not scan index", err)
	}

	width := len(index.Columns)

	if index.Spatial != nil {
		width -= index.Spatial.Dimensions - 1
	}

	return stream.Pipeline(kv.Stream(iter), stream.Map(func(value interface{}) (interface{}, error) {
		pair := value.(kv.KV)
		values, rest, err := decodeN(pair.Key, width)

		if err != nil {
			return nil, err
		}

		entry := IndexEntry{Values: values}

		if index.Unique {
			entry.HKey = hkey.HKey(append([]byte(nil), pair.Value...))
		} else {
			entry.HKey = hkey.HKey(append([]byte(nil), rest...))
		}

		return entry, nil
	})), nil
}

// ScanGroupIndex returns a stream of the entries of a group index
// within keyRange. Stream values are IndexEntry.
func (engine *Engine) ScanGroupIndex(ctx context.Context, txn *session.Txn, index *schema.GroupIndex, keyRange keys.Range, reverse bool) (stream.Stream, error) {
	o, err := engine.begin(ctx, txn, "ScanGroupIndex")

	if err != nil {
		return nil, err
	}

	defer o.release()

	group := o.snapshot.Group(index.Group.Name)

	if group == nil {
		return nil, ErrNoSuchTable
	}

	if index = group.Index(index.Name); index == nil {
		return nil, ErrNoSuchIndex
	}

	iter, err := o.handle(kv.SpaceIndex, index.TreeID).Scan(keyRange, sortOrder(reverse))

	if err != nil {
		return nil, wrapError("could not scan group index", err)
	}

	width := len(index.Columns)

	if index.Spatial != nil {
		width -= index.Spatial.Dimensions - 1
	}

	return stream.Pipeline(kv.Stream(iter), stream.Map(func(value interface{}) (interface{}, error) {
		pair := value.(kv.KV)
		values, _, err := decodeN(pair.Key, width)

		if err != nil {
			return nil, err
		}

		present, key, err := decodeGroupValue(pair.Value)

		if err != nil {
			return nil, err
		}

		return IndexEntry{Values: values, HKey: append(hkey.HKey(nil), key...), Present: present}, nil
	})), nil
}

func decodeN(b []byte, n int) ([]interface{}, []byte, error) {
	values := make([]interface{}, n)

	for i := range values {
		var err error

		if values[i], b, err = tuple.DecodeOne(b); err != nil {
			return nil, nil, err
		}
	}

	return values, b, nil
}

func sortOrder(reverse bool) kv.SortOrder {
	if reverse {
		return kv.SortOrderDesc
	}

	return kv.SortOrderAsc
}
