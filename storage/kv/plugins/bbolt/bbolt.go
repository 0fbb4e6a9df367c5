package bbolt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
	bolt "go.etcd.io/bbolt"
)

const (
	// DriverName is the name of this plugin
	DriverName = "bbolt"
	// RowFormat is the preferred row encoding of this plugin
	RowFormat = "tuple"
)

var rootBucket = []byte{0}

// Plugins returns the bbolt plugin
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&BBoltPlugin{},
	}
}

// BBoltPlugin is the bbolt kv plugin
type BBoltPlugin struct {
}

// Name implements kv.Plugin.Name
func (plugin *BBoltPlugin) Name() string {
	return DriverName
}

// NewStore implements kv.Plugin.NewStore
func (plugin *BBoltPlugin) NewStore(options kv.PluginOptions) (kv.Store, error) {
	var config BBoltStoreConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	store, err := New(config)

	if err != nil {
		return nil, err
	}

	return store, nil
}

// NewTempStore implements kv.Plugin.NewTempStore
func (plugin *BBoltPlugin) NewTempStore() (kv.Store, error) {
	return plugin.NewStore(kv.PluginOptions{
		"path": filepath.Join(os.TempDir(), fmt.Sprintf("bbolt-%s", uuid.New().String())),
	})
}

// BBoltStoreConfig configures a bbolt store
type BBoltStoreConfig struct {
	Path string
}

var _ kv.Store = (*BBoltStore)(nil)

// New opens the bbolt database at config.Path,
// creating it if it doesn't exist
func New(config BBoltStoreConfig) (*BBoltStore, error) {
	db, err := bolt.Open(config.Path, 0666, nil)

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %s", config.Path, err)
	}

	if err := db.Update(func(txn *bolt.Tx) error {
		_, err := txn.CreateBucketIfNotExists(rootBucket)

		return err
	}); err != nil {
		db.Close()

		return nil, fmt.Errorf("could not ensure root bucket exists: %s", err)
	}

	return &BBoltStore{db: db}, nil
}

// BBoltStore is a kv.Store backed by a bbolt database.
// bbolt serializes writers so concurrent read-write
// transactions never conflict.
type BBoltStore struct {
	db     *bolt.DB
	mu     sync.RWMutex
	closed bool
}

// RowFormat implements kv.RowFormatter
func (store *BBoltStore) RowFormat() string {
	return RowFormat
}

// Begin implements kv.Store.Begin
func (store *BBoltStore) Begin(ctx context.Context, writable bool) (kv.Transaction, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if store.closed {
		return nil, kv.ErrClosed
	}

	transaction, err := store.db.Begin(writable)

	if err != nil {
		if err == bolt.ErrDatabaseNotOpen {
			return nil, kv.ErrClosed
		}

		return nil, fmt.Errorf("could not begin transaction: %s", err)
	}

	return &BBoltTransaction{transaction: transaction, bucket: transaction.Bucket(rootBucket)}, nil
}

// Close implements kv.Store.Close
func (store *BBoltStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil
	}

	store.closed = true

	return store.db.Close()
}

// Delete implements kv.Store.Delete
func (store *BBoltStore) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %s", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %s", path, err)
	}

	return nil
}

var _ kv.Transaction = (*BBoltTransaction)(nil)

// BBoltTransaction is a kv.Transaction backed by a bbolt transaction
type BBoltTransaction struct {
	transaction *bolt.Tx
	bucket      *bolt.Bucket
	// epoch counts writes so iterators know when
	// to reposition their cursor
	epoch uint64
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	return append([]byte{}, b...)
}

// Get implements kv.Transaction.Get
func (transaction *BBoltTransaction) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}

	return copyBytes(transaction.bucket.Get(key)), nil
}

// GetFuture implements kv.Transaction.GetFuture. Reads are
// synchronous so the future is already complete.
func (transaction *BBoltTransaction) GetFuture(key []byte) kv.Future {
	return kv.Resolved(transaction.Get(key))
}

// Put implements kv.Transaction.Put
func (transaction *BBoltTransaction) Put(key, value []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if !transaction.transaction.Writable() {
		return kv.ErrReadOnly
	}

	if value == nil {
		value = []byte{}
	}

	transaction.epoch++

	return transaction.bucket.Put(key, value)
}

// Delete implements kv.Transaction.Delete
func (transaction *BBoltTransaction) Delete(key []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	if !transaction.transaction.Writable() {
		return kv.ErrReadOnly
	}

	transaction.epoch++

	return transaction.bucket.Delete(key)
}

// Lock implements kv.Transaction.Lock. bbolt has a single
// writer at a time so there is no conflict to force.
func (transaction *BBoltTransaction) Lock(key []byte) error {
	if !transaction.transaction.Writable() {
		return kv.ErrReadOnly
	}

	return nil
}

// Keys implements kv.Transaction.Keys
func (transaction *BBoltTransaction) Keys(keyRange keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	return &BBoltIterator{
		txn:      transaction,
		cursor:   transaction.bucket.Cursor(),
		keyRange: keyRange,
		order:    order,
	}, nil
}

// Commit implements kv.Transaction.Commit
func (transaction *BBoltTransaction) Commit() error {
	if !transaction.transaction.Writable() {
		return transaction.transaction.Rollback()
	}

	return transaction.transaction.Commit()
}

// Rollback implements kv.Transaction.Rollback
func (transaction *BBoltTransaction) Rollback() error {
	return transaction.transaction.Rollback()
}

var _ kv.Iterator = (*BBoltIterator)(nil)

// BBoltIterator iterates over a key range with a bbolt cursor.
// If the transaction writes between calls to Next the cursor is
// repositioned relative to the last key it returned.
type BBoltIterator struct {
	txn      *BBoltTransaction
	cursor   *bolt.Cursor
	keyRange keys.Range
	order    kv.SortOrder
	epoch    uint64
	started  bool
	done     bool
	key      []byte
	value    []byte
}

func (iter *BBoltIterator) first() ([]byte, []byte) {
	if iter.order == kv.SortOrderDesc {
		if iter.keyRange.Max == nil {
			return iter.cursor.Last()
		}

		if k, _ := iter.cursor.Seek(iter.keyRange.Max); k == nil {
			return iter.cursor.Last()
		}

		return iter.cursor.Prev()
	}

	if iter.keyRange.Min == nil {
		return iter.cursor.First()
	}

	return iter.cursor.Seek(iter.keyRange.Min)
}

func (iter *BBoltIterator) resume() ([]byte, []byte) {
	k, v := iter.cursor.Seek(iter.key)

	if iter.order == kv.SortOrderDesc {
		if k == nil {
			return iter.cursor.Last()
		}

		return iter.cursor.Prev()
	}

	if k != nil && bytes.Equal(k, iter.key) {
		return iter.cursor.Next()
	}

	return k, v
}

// Next implements kv.Iterator.Next
func (iter *BBoltIterator) Next() bool {
	if iter.done {
		return false
	}

	var k, v []byte

	switch {
	case !iter.started:
		iter.started = true
		k, v = iter.first()
	case iter.epoch != iter.txn.epoch:
		k, v = iter.resume()
	case iter.order == kv.SortOrderDesc:
		k, v = iter.cursor.Prev()
	default:
		k, v = iter.cursor.Next()
	}

	iter.epoch = iter.txn.epoch

	if k == nil || !iter.keyRange.Contains(k) {
		iter.done = true
		iter.key = nil
		iter.value = nil

		return false
	}

	iter.key = copyBytes(k)
	iter.value = copyBytes(v)

	return true
}

// Key implements kv.Iterator.Key
func (iter *BBoltIterator) Key() []byte {
	return iter.key
}

// Value implements kv.Iterator.Value
func (iter *BBoltIterator) Value() []byte {
	return iter.value
}

// Error implements kv.Iterator.Error
func (iter *BBoltIterator) Error() error {
	return nil
}
