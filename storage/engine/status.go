package engine

import (
	"context"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/session"
	"go.uber.org/zap"
)

// Each counter lives under its own prefix. The prefix key itself holds
// the compacted value and every writing transaction adds one key of its
// own, the prefix followed by the transaction id. Writers never read
// these keys, so disjoint writers do not conflict on them.
var (
	autoIncrementPrefix = []byte{1}
	rowCountPrefix      = []byte{2}
)

// TableStatus is the stored bookkeeping of a table
type TableStatus struct {
	// AutoIncrement is the largest auto-increment value written
	AutoIncrement int64
	// RowCount is the approximate number of rows
	RowCount int64
}

type statusKey struct {
	engine *Engine
}

// statusDeltas returns the counters txn has accumulated per table
func (engine *Engine) statusDeltas(txn *session.Txn) map[int32]*TableStatus {
	if deltas, ok := txn.Attachment(statusKey{engine: engine}); ok {
		return deltas.(map[int32]*TableStatus)
	}

	deltas := map[int32]*TableStatus{}
	txn.Attach(statusKey{engine: engine}, deltas)

	return deltas
}

func (engine *Engine) statusDelta(o *op, table *schema.Table) *TableStatus {
	deltas := engine.statusDeltas(o.txn)
	delta, ok := deltas[table.ID]

	if !ok {
		delta = &TableStatus{}
		deltas[table.ID] = delta
	}

	return delta
}

func deltaKey(prefix []byte, txn *session.Txn) []byte {
	id := txn.ID()

	return keys.Join(prefix, id[:])
}

func decodeCounter(value []byte) int64 {
	var b [8]byte
	copy(b[:], value)

	return keys.KeyToInt64(b)
}

func writeCounter(handle *kv.Handle, key []byte, n int64) error {
	b := keys.Int64ToKey(n)

	return handle.Put(key, b[:])
}

// readCounters returns every value stored under prefix
func readCounters(handle *kv.Handle, prefix []byte) ([]int64, error) {
	iter, err := handle.ScanPrefix(prefix, kv.SortOrderAsc)

	if err != nil {
		return nil, err
	}

	var values []int64

	for iter.Next() {
		values = append(values, decodeCounter(iter.Value()))
	}

	return values, iter.Error()
}

func maxCounter(handle *kv.Handle) (int64, error) {
	values, err := readCounters(handle, autoIncrementPrefix)

	if err != nil {
		return 0, err
	}

	var max int64

	for _, value := range values {
		if value > max {
			max = value
		}
	}

	return max, nil
}

func sumCounter(handle *kv.Handle) (int64, error) {
	values, err := readCounters(handle, rowCountPrefix)

	if err != nil {
		return 0, err
	}

	var sum int64

	for _, value := range values {
		sum += value
	}

	if sum < 0 {
		sum = 0
	}

	return sum, nil
}

func (engine *Engine) statusHandle(o *op, table *schema.Table) *kv.Handle {
	return o.handle(kv.SpaceStatus, uint32(table.ID))
}

// advanceAutoIncrement raises the transaction's high-water mark for
// the row's table to the row's auto-increment value
func (engine *Engine) advanceAutoIncrement(o *op, r *row.Row) error {
	column := r.Table.AutoIncrement()

	if column == nil {
		return nil
	}

	value, ok := r.Values[column.Position].(int64)

	if !ok {
		return nil
	}

	delta := engine.statusDelta(o, r.Table)

	if value <= delta.AutoIncrement {
		return nil
	}

	delta.AutoIncrement = value

	return writeCounter(engine.statusHandle(o, r.Table), deltaKey(autoIncrementPrefix, o.txn), value)
}

func (engine *Engine) addRowCount(o *op, table *schema.Table, n int64) error {
	delta := engine.statusDelta(o, table)
	delta.RowCount += n

	return writeCounter(engine.statusHandle(o, table), deltaKey(rowCountPrefix, o.txn), delta.RowCount)
}

// TableStatus returns the stored bookkeeping of table. The
// auto-increment value is the largest one written by any transaction
// and the row count is the sum of every transaction's delta.
func (engine *Engine) TableStatus(ctx context.Context, txn *session.Txn, table *schema.Table) (TableStatus, error) {
	o, err := engine.begin(ctx, txn, "TableStatus")

	if err != nil {
		return TableStatus{}, err
	}

	defer o.release()

	if table, err = engine.resolveTable(o, table); err != nil {
		return TableStatus{}, err
	}

	handle := engine.statusHandle(o, table)
	var status TableStatus

	if status.AutoIncrement, err = maxCounter(handle); err != nil {
		return TableStatus{}, wrapError("could not read auto-increment", err)
	}

	if status.RowCount, err = sumCounter(handle); err != nil {
		return TableStatus{}, wrapError("could not read row count", err)
	}

	return status, nil
}

// CompactTableStatus folds the per-transaction counters of table into
// a single value each. Compaction reads every counter, so it conflicts
// with concurrent writers of the table.
func (engine *Engine) CompactTableStatus(ctx context.Context, txn *session.Txn, table *schema.Table) error {
	o, err := engine.begin(ctx, txn, "CompactTableStatus")

	if err != nil {
		return err
	}

	defer o.release()

	if table, err = engine.resolveTable(o, table); err != nil {
		return err
	}

	handle := engine.statusHandle(o, table)
	folded := 0

	for _, prefix := range [][]byte{autoIncrementPrefix, rowCountPrefix} {
		iter, err := handle.ScanPrefix(prefix, kv.SortOrderAsc)

		if err != nil {
			return wrapError("could not scan table status", err)
		}

		var stale [][]byte

		for iter.Next() {
			if len(iter.Key()) > len(prefix) {
				stale = append(stale, append([]byte(nil), iter.Key()...))
			}
		}

		if err := iter.Error(); err != nil {
			return wrapError("could not scan table status", err)
		}

		if len(stale) == 0 {
			continue
		}

		var value int64

		if prefix[0] == autoIncrementPrefix[0] {
			value, err = maxCounter(handle)
		} else {
			value, err = sumCounter(handle)
		}

		if err != nil {
			return wrapError("could not read table status", err)
		}

		for _, key := range stale {
			if _, err := handle.Remove(key); err != nil {
				return wrapError("could not remove table status", err)
			}
		}

		if err := writeCounter(handle, prefix, value); err != nil {
			return wrapError("could not write table status", err)
		}

		folded += len(stale)
	}

	// this transaction's own delta is part of the folded value now
	engine.statusDelta(o, table).RowCount = 0

	if folded > 0 {
		o.logger.Debug("compacted table status", zap.String("table", table.Name), zap.Int("folded", folded))
	}

	return nil
}

// NextAutoIncrement reserves and returns the next auto-increment value
// of table. Callers fill the value in before writing the row.
// Reservations read the high-water mark, so two transactions reserving
// values for the same table conflict and one of them retries.
func (engine *Engine) NextAutoIncrement(ctx context.Context, txn *session.Txn, table *schema.Table) (int64, error) {
	o, err := engine.begin(ctx, txn, "NextAutoIncrement")

	if err != nil {
		return 0, err
	}

	defer o.release()

	if table, err = engine.resolveTable(o, table); err != nil {
		return 0, err
	}

	handle := engine.statusHandle(o, table)
	current, err := maxCounter(handle)

	if err != nil {
		return 0, wrapError("could not read auto-increment", err)
	}

	next := current + 1
	delta := engine.statusDelta(o, table)
	delta.AutoIncrement = next

	if err := writeCounter(handle, deltaKey(autoIncrementPrefix, txn), next); err != nil {
		return 0, wrapError("could not advance auto-increment", err)
	}

	o.logger.Debug("reserved auto-increment value", zap.String("table", table.Name), zap.Int64("value", next))

	return next, nil
}
