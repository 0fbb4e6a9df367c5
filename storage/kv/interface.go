package kv

import (
	"context"
	"errors"

	"github.com/jrife/grouse/storage/kv/keys"
)

var (
	// ErrClosed indicates that the store was closed
	ErrClosed = errors.New("store was closed")
	// ErrConflict indicates that a transaction could not commit because
	// another transaction modified something it read. It is retryable.
	ErrConflict = errors.New("transaction conflict")
	// ErrReadOnly is returned by mutating calls on a read-only transaction
	ErrReadOnly = errors.New("transaction is read-only")
	// ErrTxnDone is returned by calls on a transaction that already
	// committed or rolled back
	ErrTxnDone = errors.New("transaction already committed or rolled back")
	// ErrEmptyKey is returned when a nil or empty key is used
	ErrEmptyKey = errors.New("key must not be empty")
	// ErrPluginUnavailable is returned by NewTempStore when the plugin
	// needs external infrastructure that is not configured
	ErrPluginUnavailable = errors.New("plugin is not available in this environment")
)

// SortOrder describes the order in which an iterator visits keys
type SortOrder int

const (
	// SortOrderAsc visits keys in increasing order
	SortOrderAsc SortOrder = iota
	// SortOrderDesc visits keys in decreasing order
	SortOrderDesc
)

// PluginOptions are plugin specific options
type PluginOptions map[string]interface{}

// Plugin represents a kv storage plugin
type Plugin interface {
	// Name returns the name of the storage plugin
	Name() string
	// NewStore returns an instance of the plugin store
	NewStore(options PluginOptions) (Store, error)
	// NewTempStore returns an instance of the plugin store
	// initialized with some sane defaults. It is meant for
	// tests that need an initialized instance of the plugin's
	// store without knowing how to initialize it. Plugins
	// that depend on external infrastructure return
	// ErrPluginUnavailable when it is not configured.
	NewTempStore() (Store, error)
}

// RowFormatter is implemented by stores that prefer a particular
// row encoding
type RowFormatter interface {
	// RowFormat returns the name of the preferred row format
	RowFormat() string
}

// BatchLimiter is implemented by stores that bound the size of
// one transaction
type BatchLimiter interface {
	// MaxBatchSize returns the largest number of rows a bulk
	// operation may handle in one transaction
	MaxBatchSize() int
}

// Store is a transactional ordered key-value store
type Store interface {
	// Begin starts a transaction. writable should be true
	// for read-write transactions and false for read-only
	// transactions. Begin must return ErrClosed if it is called
	// after Close returns. The transaction observes a consistent
	// snapshot of the store fixed no later than the moment Begin
	// returns.
	Begin(ctx context.Context, writable bool) (Transaction, error)
	// Close closes the store. Close must not return until all
	// transactions have either rolled back or committed.
	Close() error
	// Delete closes then deletes this store and all its contents.
	Delete() error
}

// MapUpdater is an interface for updating a sorted
// key-value map
type MapUpdater interface {
	// Put puts a key. Put must return an error
	// if the key is nil or empty.
	Put(key, value []byte) error
	// Delete deletes a key. It must return an error if the key
	// is nil or empty. If the key doesn't exist it has no effect
	// and returns nil.
	Delete(key []byte) error
}

// MapReader is an interface for reading a sorted
// key-value map
type MapReader interface {
	// Get gets a key. It must observe updates to that key made
	// previously by this transaction. Get must return an error
	// if the key is nil or empty. It must return nil if the
	// requested key does not exist.
	Get(key []byte) ([]byte, error)
	// Keys creates an iterator that iterates over the range
	// of keys. The iterator observes writes made by this
	// transaction before Keys was called.
	Keys(keys keys.Range, order SortOrder) (Iterator, error)
}

// Map combines MapReader and MapUpdater
type Map interface {
	MapUpdater
	MapReader
}

// Transaction is a transaction for a store. It must only be
// used by one goroutine at a time.
type Transaction interface {
	Map
	// GetFuture starts a point read of key and returns
	// a handle to its eventual result. The result reflects the
	// transaction's state at the moment GetFuture was called,
	// including its own earlier writes. Synchronous stores return
	// a future that is already complete.
	GetFuture(key []byte) Future
	// Lock records an advisory conflict marker on key. Two
	// transactions that lock the same key cannot both commit.
	// Stores whose writers are serialized may treat it as a no-op.
	Lock(key []byte) error
	// Commit commits the transaction
	Commit() error
	// Rollback rolls back the transaction
	Rollback() error
}

// Future is the eventual result of a point read
type Future interface {
	// Get blocks until the read completes and returns
	// its result: the value or nil if the key is absent
	Get() ([]byte, error)
	// Ready returns true if Get would not block
	Ready() bool
}

// Iterator iterates over a set of keys. It must only be
// used by one goroutine at a time. Consumers should not
// attempt to use an iterator once its parent transaction
// has been rolled back. The transaction must not mutate
// the store while the iterator is in use.
type Iterator interface {
	// Next advances the iterator to the next key
	// A fresh iterator must call Next once to
	// advance to the first key. Next returns false
	// if there is no next key or if it encounters an
	// error.
	Next() bool
	// Key returns the current key
	Key() []byte
	// Value returns the current value
	Value() []byte
	// Error returns the error, if any.
	Error() error
}

// KV is a key-value pair
type KV struct {
	Key   []byte
	Value []byte
}

// Retryable is implemented by errors that a caller may
// resolve by rerunning its transaction
type Retryable interface {
	Retryable() bool
}

// IsRetryable returns true if err is a transient error that the
// caller can recover from by retrying the whole transaction
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConflict) {
		return true
	}

	var retryable Retryable

	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}

	return false
}
