package kv

import (
	"sync"

	"github.com/jrife/grouse/storage/kv/keys"
)

// Keyspaces inside a store
const (
	SpaceSchema byte = 0x00
	SpaceGroup  byte = 0x01
	SpaceIndex  byte = 0x02
	SpaceStatus byte = 0x03
	SpaceLock   byte = 0x04
)

var handles = sync.Pool{
	New: func() interface{} {
		return &Handle{}
	},
}

// Handle gives access to one tree of a store through a transaction.
// Keys passed to a handle are relative to its tree. Handles are pooled:
// acquire one with AcquireHandle and return it with ReleaseHandle once
// the operation using it is finished. A handle must not be used after
// it is released.
type Handle struct {
	txn    Transaction
	prefix []byte
	buf    []byte
}

// AcquireHandle returns a handle for tree in space
func AcquireHandle(txn Transaction, space byte, tree uint32) *Handle {
	handle := handles.Get().(*Handle)
	id := keys.Uint32ToKey(tree)

	handle.txn = txn
	handle.prefix = append(append(handle.prefix[:0], space), id[:]...)

	return handle
}

// ReleaseHandle returns a handle to the pool
func ReleaseHandle(handle *Handle) {
	handle.txn = nil
	handles.Put(handle)
}

// Prefix returns the absolute key prefix of this handle's tree
func (handle *Handle) Prefix() []byte {
	return handle.prefix
}

// scratch builds the absolute key in the handle's buffer. It is only
// used for calls that do not retain the key.
func (handle *Handle) scratch(key []byte) []byte {
	handle.buf = append(append(handle.buf[:0], handle.prefix...), key...)

	return handle.buf
}

// Get reads key
func (handle *Handle) Get(key []byte) ([]byte, error) {
	return handle.txn.Get(handle.scratch(key))
}

// GetFuture starts a deferred read of key
func (handle *Handle) GetFuture(key []byte) Future {
	return handle.txn.GetFuture(keys.Join(handle.prefix, key))
}

// Put writes key
func (handle *Handle) Put(key, value []byte) error {
	return handle.txn.Put(keys.Join(handle.prefix, key), value)
}

// Remove deletes key and reports whether it existed
func (handle *Handle) Remove(key []byte) (bool, error) {
	absolute := keys.Join(handle.prefix, key)
	value, err := handle.txn.Get(absolute)

	if err != nil {
		return false, err
	}

	if value == nil {
		return false, nil
	}

	return true, handle.txn.Delete(absolute)
}

// Lock places an advisory conflict marker on key
func (handle *Handle) Lock(key []byte) error {
	return handle.txn.Lock(keys.Join(handle.prefix, key))
}

// Scan iterates over keys of the tree in the range. Returned keys
// are relative to the tree.
func (handle *Handle) Scan(keyRange keys.Range, order SortOrder) (Iterator, error) {
	return Namespace(handle.txn, append([]byte(nil), handle.prefix...)).Keys(keyRange, order)
}

// ScanPrefix iterates over keys that start with prefix, including
// prefix itself
func (handle *Handle) ScanPrefix(prefix []byte, order SortOrder) (Iterator, error) {
	return handle.Scan(keys.All().HasPrefix(prefix), order)
}
