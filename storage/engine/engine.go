// Package engine stores rows in hierarchical key order and keeps their
// table and group indexes in step with them. All work for one call happens
// inside the caller's transaction, so a failed call leaves nothing behind
// once that transaction rolls back.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/hkey"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/session"
	"github.com/jrife/grouse/storage/tuple"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

// CheckMode selects when uniqueness checks are resolved
type CheckMode int

const (
	// ChecksImmediate reads for duplicates synchronously
	ChecksImmediate CheckMode = iota
	// ChecksDeferred issues the reads as futures and resolves them
	// together before commit or on SyncChecks
	ChecksDeferred
)

// ParseCheckMode parses "immediate" or "deferred". The empty
// string means immediate.
func ParseCheckMode(s string) (CheckMode, error) {
	switch strings.ToLower(s) {
	case "", "immediate":
		return ChecksImmediate, nil
	case "deferred":
		return ChecksDeferred, nil
	}

	return ChecksImmediate, fmt.Errorf("unknown unique check mode %q", s)
}

func (mode CheckMode) String() string {
	if mode == ChecksDeferred {
		return "deferred"
	}

	return "immediate"
}

// DeleteMode controls what happens to the descendants of a deleted row
type DeleteMode int

const (
	// DeleteOrphan keeps descendants. They are re-keyed with null
	// ancestor segments.
	DeleteOrphan DeleteMode = iota
	// DeleteCascade removes the whole subtree
	DeleteCascade
	// DeleteRestrict refuses to delete a row that has children
	DeleteRestrict
)

// SchemaSource resolves the schema snapshot a transaction works against
type SchemaSource interface {
	// Snapshot returns the snapshot for txn. Repeated calls within
	// one transaction return the same snapshot.
	Snapshot(txn *session.Txn) (*schema.Snapshot, error)
	// TableChanged returns true if the durable version of the table
	// differs from the version in the transaction's snapshot
	TableChanged(txn *session.Txn, tableID int32) (bool, error)
}

// StaticSchema returns a SchemaSource that always resolves to snapshot
func StaticSchema(snapshot *schema.Snapshot) SchemaSource {
	return staticSchema{snapshot: snapshot}
}

type staticSchema struct {
	snapshot *schema.Snapshot
}

func (source staticSchema) Snapshot(txn *session.Txn) (*schema.Snapshot, error) {
	return source.snapshot, nil
}

func (source staticSchema) TableChanged(txn *session.Txn, tableID int32) (bool, error) {
	return false, nil
}

// Config configures an Engine
type Config struct {
	Logger       *zap.Logger
	Schema       SchemaSource
	Observers    []RowObserver
	Metrics      *Metrics
	UniqueChecks CheckMode
	// RowFormat names the row codec. When empty the store's
	// preference is used, falling back to the tuple format.
	RowFormat string
	// Store is consulted for its preferred row format and its
	// batch limit
	Store kv.Store
}

// Engine performs row operations
type Engine struct {
	logger    *zap.Logger
	schema    SchemaSource
	observers []RowObserver
	metrics   *Metrics
	checks    CheckMode
	codec     row.Codec
	maxBatch  int
}

// New creates an engine
func New(config Config) (*Engine, error) {
	if config.Schema == nil {
		return nil, fmt.Errorf("a schema source is required")
	}

	engine := &Engine{
		logger:    config.Logger,
		schema:    config.Schema,
		observers: config.Observers,
		metrics:   config.Metrics,
		checks:    config.UniqueChecks,
	}

	if engine.logger == nil {
		engine.logger = zap.L()
	}

	if engine.metrics == nil {
		engine.metrics = NewMetrics(nil)
	}

	format := config.RowFormat

	if formatter, ok := config.Store.(kv.RowFormatter); ok && format == "" {
		format = formatter.RowFormat()
	}

	if format == "" {
		format = row.FormatTuple
	}

	if limiter, ok := config.Store.(kv.BatchLimiter); ok {
		engine.maxBatch = limiter.MaxBatchSize()
	}

	codec, err := row.CodecByName(format)

	if err != nil {
		return nil, err
	}

	engine.codec = codec

	return engine, nil
}

// Codec returns the row codec this engine stores rows with
func (engine *Engine) Codec() row.Codec {
	return engine.codec
}

// Snapshot returns the schema snapshot txn works against
func (engine *Engine) Snapshot(txn *session.Txn) (*schema.Snapshot, error) {
	return engine.schema.Snapshot(txn)
}

// op is the state of one engine call
type op struct {
	ctx      context.Context
	txn      *session.Txn
	snapshot *schema.Snapshot
	logger   *zap.Logger
	handles  map[handleID]*kv.Handle
}

type handleID struct {
	space byte
	tree  uint32
}

func (engine *Engine) begin(ctx context.Context, txn *session.Txn, operation string) (*op, error) {
	snapshot, err := engine.schema.Snapshot(txn)

	if err != nil {
		return nil, fmt.Errorf("could not resolve schema snapshot: %w", err)
	}

	return &op{
		ctx:      ctx,
		txn:      txn,
		snapshot: snapshot,
		logger:   log.WithContext(ctx, engine.logger).With(zap.String("operation", operation)),
		handles:  map[handleID]*kv.Handle{},
	}, nil
}

// handle returns the handle for a tree, acquiring it on first use
func (o *op) handle(space byte, tree uint32) *kv.Handle {
	id := handleID{space: space, tree: tree}

	if handle, ok := o.handles[id]; ok {
		return handle
	}

	handle := kv.AcquireHandle(o.txn.KV(), space, tree)
	o.handles[id] = handle

	return handle
}

func (o *op) release() {
	for id, handle := range o.handles {
		kv.ReleaseHandle(handle)
		delete(o.handles, id)
	}
}

// ParentKey implements hkey.ParentLookup through the parent's
// primary key index
func (o *op) ParentKey(table *schema.Table, pk []interface{}) (hkey.HKey, error) {
	value, err := o.handle(kv.SpaceIndex, table.PrimaryKey.TreeID).Get(tuple.Append(nil, pk...))

	if err != nil {
		return nil, err
	}

	if value == nil {
		return nil, nil
	}

	return hkey.HKey(value), nil
}

func (o *op) build(r *row.Row) (hkey.HKey, error) {
	return hkey.NewBuilder(o).Build(r)
}

// resolve rebinds r to the transaction's version of its table
func (engine *Engine) resolve(o *op, r *row.Row) (*row.Row, error) {
	table, err := engine.resolveTable(o, r.Table)

	if err != nil {
		return nil, err
	}

	if table == r.Table {
		return r, nil
	}

	return &row.Row{Table: table, Values: r.Values}, nil
}

func (engine *Engine) resolveTable(o *op, t *schema.Table) (*schema.Table, error) {
	table := o.snapshot.TableByID(t.ID)

	if table == nil {
		return nil, ErrNoSuchTable
	}

	if table.Version != t.Version {
		return nil, ErrSchemaStale
	}

	changed, err := engine.schema.TableChanged(o.txn, table.ID)

	if err != nil {
		return nil, fmt.Errorf("could not check table version: %w", err)
	}

	if changed {
		return nil, ErrSchemaStale
	}

	return table, nil
}

// lock places conflict markers on the row's primary key and, for a
// child, on its parent's primary key. A concurrent insert of a child
// and delete of its parent then cannot both commit.
func (engine *Engine) lock(o *op, r *row.Row) error {
	table := r.Table

	if err := o.handle(kv.SpaceLock, uint32(table.ID)).Lock(tuple.Append(nil, r.Project(table.PrimaryKey.Columns)...)); err != nil {
		return err
	}

	join := table.Join()

	if join == nil || r.HasNull(join.ChildColumns) {
		return nil
	}

	return o.handle(kv.SpaceLock, uint32(join.Parent.ID)).Lock(tuple.Append(nil, r.Project(join.ChildColumns)...))
}

// fetch reads the row stored at key or returns nil
func (engine *Engine) fetch(o *op, table *schema.Table, key hkey.HKey) (*row.Row, error) {
	value, err := o.handle(kv.SpaceGroup, table.Group().TreeID).Get(key)

	if err != nil {
		return nil, err
	}

	if value == nil {
		return nil, nil
	}

	return engine.codec.Decode(table, value)
}

// WriteRow inserts r. If indexes are named only those table indexes
// are maintained, otherwise all of them are. Orphaned descendants that
// reference the new row are adopted.
func (engine *Engine) WriteRow(ctx context.Context, txn *session.Txn, r *row.Row, indexes ...string) (hkey.HKey, error) {
	defer engine.metrics.timer("write_row")()

	o, err := engine.begin(ctx, txn, "WriteRow")

	if err != nil {
		return nil, err
	}

	defer o.release()

	o.logger.Debug("start WriteRow()", zap.Stringer("row", r))
	defer o.logger.Debug("end WriteRow()")

	key, err := engine.writeRow(o, r, writeOptions{indexes: indexes, check: true, propagate: true, notify: true})

	if err != nil {
		o.logger.Debug("error", zap.Error(err))

		return nil, wrapError("could not write row", err)
	}

	return key, nil
}

// DeleteRow deletes the stored row with r's primary key
func (engine *Engine) DeleteRow(ctx context.Context, txn *session.Txn, r *row.Row, mode DeleteMode) error {
	defer engine.metrics.timer("delete_row")()

	o, err := engine.begin(ctx, txn, "DeleteRow")

	if err != nil {
		return err
	}

	defer o.release()

	o.logger.Debug("start DeleteRow()", zap.Stringer("row", r), zap.Int("mode", int(mode)))
	defer o.logger.Debug("end DeleteRow()")

	if err := engine.deleteRow(o, r, mode, nil, true); err != nil {
		o.logger.Debug("error", zap.Error(err))

		return wrapError("could not delete row", err)
	}

	return nil
}

// UpdateRow merges new into the stored row identified by old. selector
// picks the columns taken from new; nil takes all of them. A change to
// a key column re-keys the row and its descendants.
func (engine *Engine) UpdateRow(ctx context.Context, txn *session.Txn, old, new *row.Row, selector func(position int) bool) (hkey.HKey, error) {
	defer engine.metrics.timer("update_row")()

	o, err := engine.begin(ctx, txn, "UpdateRow")

	if err != nil {
		return nil, err
	}

	defer o.release()

	o.logger.Debug("start UpdateRow()", zap.Stringer("old", old), zap.Stringer("new", new))
	defer o.logger.Debug("end UpdateRow()")

	key, err := engine.updateRow(o, old, new, selector)

	if err != nil {
		o.logger.Debug("error", zap.Error(err))

		return nil, wrapError("could not update row", err)
	}

	return key, nil
}

type writeOptions struct {
	indexes   []string
	check     bool
	propagate bool
	notify    bool
}

func (options writeOptions) maintains(index *schema.Index) bool {
	if len(options.indexes) == 0 || index.Primary {
		return true
	}

	for _, name := range options.indexes {
		if name == index.Name {
			return true
		}
	}

	return false
}

func (engine *Engine) writeRow(o *op, r *row.Row, options writeOptions) (hkey.HKey, error) {
	r, err := engine.resolve(o, r)

	if err != nil {
		return nil, err
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}

	if err := engine.lock(o, r); err != nil {
		return nil, err
	}

	key, err := o.build(r)

	if err != nil {
		return nil, err
	}

	table := r.Table

	if options.notify {
		if err := engine.notify(func(observer RowObserver) error { return observer.BeforeInsert(o.ctx, table, key, r) }); err != nil {
			return nil, err
		}
	}

	if err := engine.storeRow(o, r, key, options); err != nil {
		return nil, err
	}

	if err := engine.advanceAutoIncrement(o, r); err != nil {
		return nil, err
	}

	if err := engine.addRowCount(o, table, 1); err != nil {
		return nil, err
	}

	if options.propagate && table.HasChildren() {
		p, err := engine.orphansOf(o, r)

		if err != nil {
			return nil, err
		}

		if err := p.run(); err != nil {
			return nil, err
		}
	}

	if err := engine.putGroupEntries(o, r, key); err != nil {
		return nil, err
	}

	if options.notify {
		if err := engine.notify(func(observer RowObserver) error { return observer.AfterInsert(o.ctx, table, key, r) }); err != nil {
			return nil, err
		}
	}

	return key, nil
}

// storeRow writes the row and its table index entries at key
func (engine *Engine) storeRow(o *op, r *row.Row, key hkey.HKey, options writeOptions) error {
	for _, index := range r.Table.Indexes {
		if !options.maintains(index) {
			continue
		}

		if err := engine.putIndexEntry(o, index, r, key, options.check); err != nil {
			return err
		}
	}

	value, err := engine.codec.Encode(r)

	if err != nil {
		return fmt.Errorf("could not encode row: %w", err)
	}

	return o.handle(kv.SpaceGroup, r.Table.Group().TreeID).Put(key, value)
}

// unstoreRow removes the row stored at key and its table index entries
func (engine *Engine) unstoreRow(o *op, r *row.Row, key hkey.HKey) error {
	for _, index := range r.Table.Indexes {
		if err := engine.removeIndexEntry(o, index, r, key); err != nil {
			return err
		}
	}

	_, err := o.handle(kv.SpaceGroup, r.Table.Group().TreeID).Remove(key)

	return err
}

// stored looks up the stored version of r by its primary key
func (engine *Engine) stored(o *op, r *row.Row) (*row.Row, hkey.HKey, error) {
	key, err := o.build(r)

	if err != nil {
		return nil, nil, err
	}

	current, err := engine.fetch(o, r.Table, key)

	if err != nil {
		return nil, nil, err
	}

	if current == nil {
		return nil, nil, ErrNoSuchRow
	}

	return current, key, nil
}

func (engine *Engine) deleteRow(o *op, r *row.Row, mode DeleteMode, affected map[int32]bool, notify bool) error {
	r, err := engine.resolve(o, r)

	if err != nil {
		return err
	}

	if err := engine.lock(o, r); err != nil {
		return err
	}

	current, key, err := engine.stored(o, r)

	if err != nil {
		return err
	}

	table := current.Table

	if mode == DeleteRestrict && table.HasChildren() {
		if err := engine.checkUnreferenced(o, table, key); err != nil {
			return err
		}
	}

	if notify {
		if err := engine.notify(func(observer RowObserver) error { return observer.BeforeDelete(o.ctx, table, key, current) }); err != nil {
			return err
		}
	}

	var p *propagation

	if table.HasChildren() && mode != DeleteRestrict {
		if p, err = engine.descendantsOf(o, table, key, mode == DeleteCascade, affected); err != nil {
			return err
		}

		if err := p.detach(); err != nil {
			return err
		}
	}

	if err := engine.removeGroupEntries(o, current, key); err != nil {
		return err
	}

	if err := engine.unstoreRow(o, current, key); err != nil {
		return err
	}

	if err := engine.addRowCount(o, table, -1); err != nil {
		return err
	}

	if p != nil {
		return p.apply()
	}

	return nil
}

// checkUnreferenced fails if any row is stored beneath key
func (engine *Engine) checkUnreferenced(o *op, table *schema.Table, key hkey.HKey) error {
	iter, err := o.handle(kv.SpaceGroup, table.Group().TreeID).Scan(keyRangeUnder(key), kv.SortOrderAsc)

	if err != nil {
		return err
	}

	if !iter.Next() {
		return iter.Error()
	}

	child, err := hkey.Table(table.Group(), iter.Key())

	if err != nil {
		return err
	}

	return &ReferencedRowError{Table: table.Name, Child: child.Name}
}

func (engine *Engine) updateRow(o *op, old, new *row.Row, selector func(position int) bool) (hkey.HKey, error) {
	old, err := engine.resolve(o, old)

	if err != nil {
		return nil, err
	}

	if new, err = engine.resolve(o, new); err != nil {
		return nil, err
	}

	if old.Table != new.Table {
		return nil, fmt.Errorf("cannot update a row of %s with a row of %s", old.Table, new.Table)
	}

	current, key, err := engine.stored(o, old)

	if err != nil {
		return nil, err
	}

	table := current.Table
	merged := current.Merge(new, selector)

	if err := merged.Validate(); err != nil {
		return nil, err
	}

	changed := current.Changed(merged)

	if err := engine.notify(func(observer RowObserver) error { return observer.BeforeUpdate(o.ctx, table, key, current, merged) }); err != nil {
		return nil, err
	}

	newKey := key

	if changesKey(table, changed) {
		o.logger.Debug("key column changed, re-keying", zap.Ints("changed", changed))

		if err := engine.deleteRow(o, current, DeleteOrphan, table.DescendantOrdinals(), false); err != nil {
			return nil, err
		}

		if newKey, err = engine.writeRow(o, merged, writeOptions{check: true, propagate: true}); err != nil {
			return nil, err
		}
	} else if err := engine.updateInPlace(o, current, merged, key, changed); err != nil {
		return nil, err
	}

	if err := engine.notify(func(observer RowObserver) error { return observer.AfterUpdate(o.ctx, table, newKey, current, merged) }); err != nil {
		return nil, err
	}

	return newKey, nil
}

func changesKey(table *schema.Table, changed []int) bool {
	for _, position := range table.KeyColumns() {
		for _, c := range changed {
			if c == position {
				return true
			}
		}
	}

	return false
}

func (engine *Engine) updateInPlace(o *op, current, merged *row.Row, key hkey.HKey, changed []int) error {
	table := current.Table
	groupIndexes := engine.overlappingGroupIndexes(table, changed)
	before, err := engine.groupEntriesUnder(o, groupIndexes, key)

	if err != nil {
		return err
	}

	for _, entry := range before {
		if _, err := o.handle(kv.SpaceIndex, entry.index.TreeID).Remove(entry.key); err != nil {
			return err
		}
	}

	for _, index := range table.Indexes {
		if !overlaps(index.Columns, changed) {
			continue
		}

		if err := engine.removeIndexEntry(o, index, current, key); err != nil {
			return err
		}

		if err := engine.putIndexEntry(o, index, merged, key, true); err != nil {
			return err
		}
	}

	value, err := engine.codec.Encode(merged)

	if err != nil {
		return fmt.Errorf("could not encode row: %w", err)
	}

	if err := o.handle(kv.SpaceGroup, table.Group().TreeID).Put(key, value); err != nil {
		return err
	}

	if err := engine.advanceAutoIncrement(o, merged); err != nil {
		return err
	}

	after, err := engine.groupEntriesUnder(o, groupIndexes, key)

	if err != nil {
		return err
	}

	for _, entry := range after {
		if err := o.handle(kv.SpaceIndex, entry.index.TreeID).Put(entry.key, entry.value); err != nil {
			return err
		}
	}

	return nil
}

func overlaps(columns []*schema.Column, positions []int) bool {
	for _, column := range columns {
		for _, position := range positions {
			if column.Position == position {
				return true
			}
		}
	}

	return false
}
