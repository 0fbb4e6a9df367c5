package engine

import (
	"context"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/hkey"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/session"
	"github.com/jrife/grouse/storage/tuple"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

// Null separators of nullable unique index keys
const (
	separatorNotNull int64 = 0
	separatorNull    int64 = 1
)

// indexEntry is the physical entry of one row in a table index
type indexEntry struct {
	key    []byte
	value  []byte
	values []interface{}
	// unique is true if the key must not already exist
	unique bool
}

// tableIndexEntry builds the entry for the row stored at key.
//
//	unique, not nullable: values             -> hkey
//	unique, nullable:     values 0           -> hkey
//	                      values 1 hkey      -> hkey (some value is null)
//	not unique:           values hkey        -> empty
func tableIndexEntry(index *schema.Index, r *row.Row, key hkey.HKey) indexEntry {
	values := spatialize(index.Spatial, r.Project(index.Columns))
	entry := indexEntry{key: tuple.Append(nil, values...), values: values}

	if !index.Unique {
		entry.key = append(entry.key, key...)
		entry.value = []byte{}

		return entry
	}

	entry.value = append([]byte(nil), key...)
	entry.unique = true

	if !index.Nullable() {
		return entry
	}

	if hasNull(values) {
		entry.key = append(tuple.Append(entry.key, separatorNull), key...)
		entry.unique = false
	} else {
		entry.key = tuple.Append(entry.key, separatorNotNull)
	}

	return entry
}

func hasNull(values []interface{}) bool {
	for _, value := range values {
		if value == nil {
			return true
		}
	}

	return false
}

func (engine *Engine) putIndexEntry(o *op, index *schema.Index, r *row.Row, key hkey.HKey, check bool) error {
	entry := tableIndexEntry(index, r, key)
	handle := o.handle(kv.SpaceIndex, index.TreeID)

	if check && entry.unique {
		if err := engine.checkUnique(o, handle, index, entry); err != nil {
			return err
		}
	}

	return handle.Put(entry.key, entry.value)
}

func (engine *Engine) removeIndexEntry(o *op, index *schema.Index, r *row.Row, key hkey.HKey) error {
	_, err := o.handle(kv.SpaceIndex, index.TreeID).Remove(tableIndexEntry(index, r, key).key)

	return err
}

func (engine *Engine) checkUnique(o *op, handle *kv.Handle, index *schema.Index, entry indexEntry) error {
	engine.metrics.UniqueChecks.WithLabelValues(engine.checks.String()).Inc()

	if engine.checks == ChecksDeferred {
		engine.pending(o.txn).add(pendingCheck{
			future: handle.GetFuture(entry.key),
			index:  index.String(),
			key:    tuple.Format(entry.values...),
		})

		return nil
	}

	existing, err := handle.Get(entry.key)

	if err != nil {
		return err
	}

	if existing != nil {
		return &DuplicateKeyError{Index: index.String(), Key: tuple.Format(entry.values...)}
	}

	return nil
}

type pendingCheck struct {
	future kv.Future
	index  string
	key    string
}

type pendingChecks struct {
	checks []pendingCheck
}

func (checks *pendingChecks) add(check pendingCheck) {
	checks.checks = append(checks.checks, check)
}

type checksKey struct {
	engine *Engine
}

// pending returns the checks queued for txn. The first call for a
// transaction arranges for the checks to be resolved before commit.
func (engine *Engine) pending(txn *session.Txn) *pendingChecks {
	if checks, ok := txn.Attachment(checksKey{engine: engine}); ok {
		return checks.(*pendingChecks)
	}

	checks := &pendingChecks{}
	txn.Attach(checksKey{engine: engine}, checks)
	txn.BeforeCommit(func() error {
		return engine.SyncChecks(txn.Context(), txn)
	})

	return checks
}

// SyncChecks resolves every uniqueness check queued by txn. It
// returns a DuplicateKeyError for the first check that found an
// existing entry. Immediate mode never queues checks.
func (engine *Engine) SyncChecks(ctx context.Context, txn *session.Txn) error {
	value, ok := txn.Attachment(checksKey{engine: engine})

	if !ok {
		return nil
	}

	checks := value.(*pendingChecks)
	queued := checks.checks
	checks.checks = nil

	if len(queued) > 0 {
		log.WithContext(ctx, engine.logger).Debug("resolving uniqueness checks", zap.Int("count", len(queued)), zap.String("txn", txn.ID().String()))
	}

	for _, check := range queued {
		existing, err := check.future.Get()

		if err != nil {
			return wrapError("could not check uniqueness", err)
		}

		if existing != nil {
			return &DuplicateKeyError{Index: check.index, Key: check.key}
		}
	}

	return nil
}
