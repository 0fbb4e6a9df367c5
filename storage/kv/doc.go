// Package kv provides the interface that storage backends implement
// so the storage engine can run unchanged against any of them.
//
// A kv plugin is a factory for store instances. A store is a single
// ordered keyspace accessed through transactions. Transactions offer
// point reads and writes, ordered range scans in either direction,
// deferred point reads (futures) and advisory locks.
//
// Backends differ in their transaction models. Embedded backends read
// synchronously and serialize writers, so their futures complete
// immediately and locks have nothing to do. Distributed backends read
// from a snapshot, buffer writes and validate at commit; their futures
// may resolve lazily and conflicts surface as ErrConflict from Commit.
// IsRetryable classifies such transient failures for the caller's
// retry loop.
//
// Handles bind a transaction to one keyspace (tree) inside the store
// and are pooled so row operations can acquire and release them
// cheaply:
//
//  - Store
//    - 0x00 schema metadata
//    - 0x01 <tree id> group rows keyed by hierarchical key
//    - 0x02 <tree id> index entries
//    - 0x03 table status
//    - 0x04 lock markers
package kv
