// Package memory implements an in-memory kv store. Writers are
// serialized and each commit publishes a new immutable copy of the
// map, so readers see a stable snapshot for their whole lifetime.
// The deferred variant resolves futures lazily, the way a distributed
// store would, which exercises deferred code paths without a network.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
)

const (
	// DriverName is the name of the synchronous variant
	DriverName = "memory"
	// DeferredDriverName is the name of the variant whose
	// futures resolve lazily
	DeferredDriverName = "memory-deferred"
)

// Plugins returns both variants of the memory plugin
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&Plugin{},
		&Plugin{deferred: true},
	}
}

// Plugin is the memory kv plugin
type Plugin struct {
	deferred bool
}

// Name implements kv.Plugin.Name
func (plugin *Plugin) Name() string {
	if plugin.deferred {
		return DeferredDriverName
	}

	return DriverName
}

// NewStore implements kv.Plugin.NewStore. The only
// option is "deferred" (bool).
func (plugin *Plugin) NewStore(options kv.PluginOptions) (kv.Store, error) {
	deferred := plugin.deferred

	if v, ok := options["deferred"].(bool); ok {
		deferred = v
	}

	return New(deferred), nil
}

// NewTempStore implements kv.Plugin.NewTempStore
func (plugin *Plugin) NewTempStore() (kv.Store, error) {
	return plugin.NewStore(kv.PluginOptions{})
}

func newMap() *treemap.Map {
	return treemap.NewWith(func(a, b interface{}) int {
		return bytes.Compare(a.([]byte), b.([]byte))
	})
}

var _ kv.Store = (*Store)(nil)

// Store is an in-memory kv.Store
type Store struct {
	mu       sync.Mutex
	writer   sync.Mutex
	data     *treemap.Map
	closed   bool
	deferred bool
	active   sync.WaitGroup
}

// New creates an empty store
func New(deferred bool) *Store {
	return &Store{data: newMap(), deferred: deferred}
}

// Begin implements kv.Store.Begin
func (store *Store) Begin(ctx context.Context, writable bool) (kv.Transaction, error) {
	if writable {
		store.writer.Lock()
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		if writable {
			store.writer.Unlock()
		}

		return nil, kv.ErrClosed
	}

	store.active.Add(1)

	return &transaction{
		store:    store,
		base:     store.data,
		writes:   newMap(),
		writable: writable,
	}, nil
}

// Close implements kv.Store.Close
func (store *Store) Close() error {
	store.mu.Lock()
	store.closed = true
	store.mu.Unlock()
	store.active.Wait()

	return nil
}

// Delete implements kv.Store.Delete
func (store *Store) Delete() error {
	if err := store.Close(); err != nil {
		return err
	}

	store.mu.Lock()
	store.data = newMap()
	store.mu.Unlock()

	return nil
}

func (store *Store) publish(writes *treemap.Map) {
	next := newMap()
	iter := store.data.Iterator()

	for iter.Next() {
		next.Put(iter.Key(), iter.Value())
	}

	iter = writes.Iterator()

	for iter.Next() {
		if _, ok := iter.Value().(tombstone); ok {
			next.Remove(iter.Key())
		} else {
			next.Put(iter.Key(), iter.Value())
		}
	}

	store.mu.Lock()
	store.data = next
	store.mu.Unlock()
}

type tombstone struct{}

var _ kv.Transaction = (*transaction)(nil)

type transaction struct {
	store    *Store
	base     *treemap.Map
	writes   *treemap.Map
	writable bool
	done     bool
}

func (txn *transaction) check(key []byte, mutating bool) error {
	if txn.done {
		return kv.ErrTxnDone
	}

	if mutating && !txn.writable {
		return kv.ErrReadOnly
	}

	if key != nil && len(key) == 0 {
		return kv.ErrEmptyKey
	}

	return nil
}

func (txn *transaction) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}

	if err := txn.check(key, false); err != nil {
		return nil, err
	}

	return txn.get(key), nil
}

func (txn *transaction) get(key []byte) []byte {
	if v, ok := txn.writes.Get(key); ok {
		if _, deleted := v.(tombstone); deleted {
			return nil
		}

		return v.([]byte)
	}

	if v, ok := txn.base.Get(key); ok {
		return v.([]byte)
	}

	return nil
}

func (txn *transaction) GetFuture(key []byte) kv.Future {
	if len(key) == 0 {
		return kv.Resolved(nil, kv.ErrEmptyKey)
	}

	if err := txn.check(key, false); err != nil {
		return kv.Resolved(nil, err)
	}

	if !txn.store.deferred {
		return kv.Resolved(txn.get(key), nil)
	}

	if v, ok := txn.writes.Get(key); ok {
		if _, deleted := v.(tombstone); deleted {
			return kv.Resolved(nil, nil)
		}

		return kv.Resolved(v.([]byte), nil)
	}

	base := txn.base
	key = append([]byte(nil), key...)

	return kv.Lazy(func() ([]byte, error) {
		if v, ok := base.Get(key); ok {
			return v.([]byte), nil
		}

		return nil, nil
	})
}

func (txn *transaction) Put(key, value []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if err := txn.check(key, true); err != nil {
		return err
	}

	if value == nil {
		value = []byte{}
	}

	txn.writes.Put(append([]byte(nil), key...), append([]byte(nil), value...))

	return nil
}

func (txn *transaction) Delete(key []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if err := txn.check(key, true); err != nil {
		return err
	}

	txn.writes.Put(append([]byte(nil), key...), tombstone{})

	return nil
}

// Lock implements kv.Transaction.Lock. Writers are serialized
// so there is nothing to record.
func (txn *transaction) Lock(key []byte) error {
	return txn.check(key, true)
}

// Keys implements kv.Transaction.Keys. The result is materialized
// when Keys is called, so later writes by this transaction do not
// disturb an open iterator.
func (txn *transaction) Keys(keyRange keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	if err := txn.check(nil, false); err != nil {
		return nil, err
	}

	merged := newMap()

	for _, m := range []*treemap.Map{txn.base, txn.writes} {
		iter := m.Iterator()

		for iter.Next() {
			key := iter.Key().([]byte)

			if keyRange.Max != nil && bytes.Compare(key, keyRange.Max) >= 0 {
				break
			}

			if !keyRange.Contains(key) {
				continue
			}

			if _, deleted := iter.Value().(tombstone); deleted {
				merged.Remove(key)
			} else {
				merged.Put(key, iter.Value())
			}
		}
	}

	entries := make([]kv.KV, 0, merged.Size())
	iter := merged.Iterator()

	for iter.Next() {
		entries = append(entries, kv.KV{Key: iter.Key().([]byte), Value: iter.Value().([]byte)})
	}

	if order == kv.SortOrderDesc {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	return &iterator{entries: entries, i: -1}, nil
}

func (txn *transaction) Commit() error {
	if txn.done {
		return kv.ErrTxnDone
	}

	txn.done = true
	defer txn.store.active.Done()

	if !txn.writable {
		return nil
	}

	defer txn.store.writer.Unlock()

	if txn.writes.Size() > 0 {
		txn.store.publish(txn.writes)
	}

	return nil
}

func (txn *transaction) Rollback() error {
	if txn.done {
		return kv.ErrTxnDone
	}

	txn.done = true
	txn.store.active.Done()

	if txn.writable {
		txn.store.writer.Unlock()
	}

	return nil
}

type iterator struct {
	entries []kv.KV
	i       int
}

func (iter *iterator) Next() bool {
	if iter.i+1 >= len(iter.entries) {
		iter.i = len(iter.entries)

		return false
	}

	iter.i++

	return true
}

func (iter *iterator) Key() []byte {
	if iter.i < 0 || iter.i >= len(iter.entries) {
		return nil
	}

	return iter.entries[iter.i].Key
}

func (iter *iterator) Value() []byte {
	if iter.i < 0 || iter.i >= len(iter.entries) {
		return nil
	}

	return iter.entries[iter.i].Value
}

func (iter *iterator) Error() error {
	return nil
}
